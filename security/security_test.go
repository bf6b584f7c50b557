package security

import (
	"crypto/tls"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-lan/types"
)

func TestTokenWindow(t *testing.T) {
	secret := []byte("shared")
	ttl := 300 * time.Second
	skew := 30 * time.Second
	minted := time.Unix(1_700_000_000, 0)
	token := MintToken(secret, minted)

	for _, at := range []time.Time{minted, minted.Add(ttl), minted.Add(ttl + skew), minted.Add(-skew)} {
		assert.NoError(t, VerifyToken(secret, token, at, ttl, skew), at)
	}
	for _, at := range []time.Time{minted.Add(ttl + skew + time.Second), minted.Add(-skew - time.Second)} {
		err := VerifyToken(secret, token, at, ttl, skew)
		assert.ErrorIs(t, err, ErrTokenExpired, at)
	}

	err := VerifyToken([]byte("other"), token, minted, ttl, skew)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	var cryptoErr *types.CryptoError
	assert.True(t, errors.As(err, &cryptoErr))
	assert.ErrorIs(t, VerifyToken(secret, "not base64!", minted, ttl, skew), ErrTokenMalformed)

	// sub-second mint time keeps the full window
	minted = time.Unix(1_700_000_000, 700_000_000)
	token = MintToken(secret, minted)
	assert.NoError(t, VerifyToken(secret, token, minted.Add(ttl+skew), ttl, skew))
	assert.NoError(t, VerifyToken(secret, token, minted.Add(-skew), ttl, skew))
	assert.ErrorIs(t, VerifyToken(secret, token, minted.Add(ttl+skew+time.Millisecond), ttl, skew), ErrTokenExpired)
}

func TestChallengeResponse(t *testing.T) {
	c, err := NewChallenge()
	require.NoError(t, err)
	assert.Len(t, c, 64)
	resp := ChallengeResponse([]byte("tok"), c)
	assert.NoError(t, VerifyChallengeResponse([]byte("tok"), c, resp))

	err = VerifyChallengeResponse([]byte("wrong"), c, resp)
	var authErr *types.AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Error(t, VerifyChallengeResponse([]byte("tok"), c, "zz"))
}

func TestPassword(t *testing.T) {
	hash, salt, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, CheckPassword("hunter2", hash, salt))
	assert.False(t, CheckPassword("hunter3", hash, salt))
	hash2, salt2, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, salt, salt2)
	assert.NotEqual(t, hash, hash2)
}

func TestEnvelope(t *testing.T) {
	a, err := NewEnvelope([]byte("shared"))
	require.NoError(t, err)
	b, err := NewEnvelope([]byte("shared"))
	require.NoError(t, err)

	sealed, err := a.Seal([]byte(`{"type":"c.ping"}`))
	require.NoError(t, err)
	assert.Len(t, sealed, len(`{"type":"c.ping"}`)+a.Overhead())
	plain, err := b.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"c.ping"}`, string(plain))

	sealed[len(sealed)-1] ^= 0x01
	_, err = b.Open(sealed)
	var cryptoErr *types.CryptoError
	assert.True(t, errors.As(err, &cryptoErr))

	c, err := NewEnvelope([]byte("other"))
	require.NoError(t, err)
	sealed, err = a.Seal([]byte("x"))
	require.NoError(t, err)
	_, err = c.Open(sealed)
	assert.Error(t, err)
	_, err = c.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrEnvelopeShort)
}

func TestBeaconSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), BeaconKeyFile)
	s, err := LoadOrCreateBeaconSigner(path)
	require.NoError(t, err)
	again, err := LoadOrCreateBeaconSigner(path)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKeyString(), again.PublicKeyString())

	payload := []byte("beacon")
	sig := s.Sign(payload)
	pub, err := ParsePublicKey(s.PublicKeyString())
	require.NoError(t, err)
	assert.NoError(t, VerifyBeacon(pub, payload, sig))
	assert.ErrorIs(t, VerifyBeacon(pub, []byte("beacon!"), sig), ErrBadSignature)
	assert.ErrorIs(t, VerifyBeacon(pub, payload, sig[:10]), ErrBadSignature)
}

func TestCALoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	ca, err := LoadOrCreateCA(dir)
	require.NoError(t, err)
	ca2, err := LoadOrCreateCA(dir)
	require.NoError(t, err)
	assert.Equal(t, ca.Cert.SerialNumber, ca2.Cert.SerialNumber)

	_, _, _, err = ca.Issue(RoleServer, "../evil", nil)
	assert.Error(t, err)
	certPath, keyPath, err := ca.IssueToFiles(RoleClient, "alice", nil)
	require.NoError(t, err)
	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)
	_, err = ca2.LoadOrIssue(RoleClient, "alice", nil)
	assert.NoError(t, err)
}

// handshake runs a TLS handshake over loopback and returns the server side error.
func handshake(t *testing.T, serverCfg, clientCfg *tls.Config) error {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	result := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			result <- err
			return
		}
		defer conn.Close()
		result <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	client := tls.Client(conn, clientCfg)
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))
	_ = client.Handshake()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("handshake timed out")
	}
	return nil
}

func TestMutualTLS(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	serverCert, _, _, err := ca.Issue(RoleServer, "server", []string{"127.0.0.1"})
	require.NoError(t, err)
	clientCert, _, _, err := ca.Issue(RoleClient, "alice", nil)
	require.NoError(t, err)

	serverCfg := ServerTLSConfig(ca, serverCert, true)
	assert.NoError(t, handshake(t, serverCfg, ClientTLSConfig(ca, &clientCert, "127.0.0.1")))
	assert.Error(t, handshake(t, serverCfg, ClientTLSConfig(ca, nil, "127.0.0.1")))

	foreign, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	foreignCert, _, _, err := foreign.Issue(RoleClient, "mallory", nil)
	require.NoError(t, err)
	assert.Error(t, handshake(t, serverCfg, ClientTLSConfig(ca, &foreignCert, "127.0.0.1")))
}
