package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-lan/security"
	"github.com/tcriess/lightspeed-lan/types"
)

func newTestScanner(t *testing.T, cfg ScannerConfig) *Scanner {
	cfg.ListenAddr = "127.0.0.1:0"
	s, err := NewScanner(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPacketRoundTrip(t *testing.T) {
	signer, err := security.GenerateBeaconSigner()
	require.NoError(t, err)
	raw, err := EncodePacket(Announcement{Name: "lab", Port: 55300, Rooms: 2, Seq: 7, Nonce: "n1"}, signer)
	require.NoError(t, err)
	assert.Equal(t, Magic, string(raw[:4]))

	p, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.True(t, p.Signed)
	assert.Equal(t, "lab", p.Name)
	assert.Equal(t, uint64(7), p.Seq)
	assert.NoError(t, p.Verify())

	raw[10] ^= 0xff
	p, err = DecodePacket(raw)
	if err == nil {
		err = p.Verify()
	}
	assert.Error(t, err)

	_, err = DecodePacket([]byte("XXXX\x01\x00\x00\x00"))
	assert.ErrorIs(t, err, ErrBadMagic)
	_, err = DecodePacket(raw[:9])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestScannerRejectsReplay(t *testing.T) {
	s := newTestScanner(t, ScannerConfig{})
	signer, err := security.GenerateBeaconSigner()
	require.NoError(t, err)
	now := time.Now()

	first, err := EncodePacket(Announcement{Name: "lab", Port: 55300, Rooms: 1, Seq: 1, Nonce: "aa"}, signer)
	require.NoError(t, err)
	require.NoError(t, s.handle(first, "10.0.0.5", now))
	assert.ErrorIs(t, s.handle(first, "10.0.0.5", now), ErrReplay)

	stale, err := EncodePacket(Announcement{Name: "lab", Port: 55300, Rooms: 1, Seq: 1, Nonce: "bb"}, signer)
	require.NoError(t, err)
	assert.ErrorIs(t, s.handle(stale, "10.0.0.5", now), ErrReplay)

	fresh, err := EncodePacket(Announcement{Name: "lab", Port: 55300, Rooms: 3, Seq: 2, Nonce: "cc"}, signer)
	require.NoError(t, err)
	require.NoError(t, s.handle(fresh, "10.0.0.5", now))

	servers := s.serversAt(now)
	require.Len(t, servers, 1)
	assert.Equal(t, 3, servers[0].Rooms)
	assert.True(t, servers[0].Signed)
	assert.Equal(t, "10.0.0.5:55300", servers[0].Addr())

	assert.Empty(t, s.serversAt(now.Add(DefaultTTL+time.Second)))
}

func TestScannerSignaturePolicy(t *testing.T) {
	trustedSigner, err := security.GenerateBeaconSigner()
	require.NoError(t, err)
	otherSigner, err := security.GenerateBeaconSigner()
	require.NoError(t, err)
	s := newTestScanner(t, ScannerConfig{RequireSigned: true, TrustedKeys: []string{trustedSigner.PublicKeyString()}})
	now := time.Now()

	unsigned, err := EncodePacket(Announcement{Name: "x", Port: 1, Seq: 1, Nonce: "1"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.handle(unsigned, "10.0.0.1", now), ErrUnsigned)

	untrusted, err := EncodePacket(Announcement{Name: "x", Port: 1, Seq: 1, Nonce: "2"}, otherSigner)
	require.NoError(t, err)
	assert.ErrorIs(t, s.handle(untrusted, "10.0.0.1", now), ErrUntrusted)

	forged, err := EncodePacket(Announcement{Name: "x", Port: 1, Seq: 1, Nonce: "3"}, trustedSigner)
	require.NoError(t, err)
	forged[len(forged)-1] ^= 0x01
	err = s.handle(forged, "10.0.0.1", now)
	var cryptoErr *types.CryptoError
	assert.True(t, errors.As(err, &cryptoErr))

	good, err := EncodePacket(Announcement{Name: "x", Port: 1, Seq: 1, Nonce: "4"}, trustedSigner)
	require.NoError(t, err)
	assert.NoError(t, s.handle(good, "10.0.0.1", now))
}

func TestBeaconToScanner(t *testing.T) {
	s := newTestScanner(t, ScannerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	b, err := NewBeacon(BeaconConfig{
		Target:   s.LocalAddr().String(),
		Interval: 50 * time.Millisecond,
		Status:   func() (string, int, int) { return "lab", 55300, 4 },
	})
	require.NoError(t, err)
	beaconDone := make(chan error, 1)
	go func() { beaconDone <- b.Run(ctx) }()

	assert.Eventually(t, func() bool {
		servers := s.Servers()
		return len(servers) == 1 && servers[0].Rooms == 4 && servers[0].Name == "lab"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-beaconDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("beacon did not stop")
	}
}

func TestDiscoverServers(t *testing.T) {
	servers, err := DiscoverServers(context.Background(), ScannerConfig{ListenAddr: "127.0.0.1:0"}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, servers)
}
