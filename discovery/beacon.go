package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-lan/globals"
	"github.com/tcriess/lightspeed-lan/security"
)

const (
	DefaultPort     = 55302
	DefaultInterval = 8 * time.Second
	DefaultTTL      = 14 * time.Second
)

// StatusFunc reports what the beacon advertises. It is called before every announcement.
type StatusFunc func() (name string, port int, rooms int)

type BeaconConfig struct {
	// Target is where announcements go, the limited broadcast address on the discovery port by default.
	Target   string
	Interval time.Duration
	Signer   *security.BeaconSigner
	Status   StatusFunc
}

// Beacon periodically broadcasts the server's presence.
type Beacon struct {
	cfg    BeaconConfig
	target *net.UDPAddr
	logger hclog.Logger

	mu  sync.Mutex
	seq uint64
}

func NewBeacon(cfg BeaconConfig) (*Beacon, error) {
	if cfg.Target == "" {
		cfg.Target = fmt.Sprintf("255.255.255.255:%d", DefaultPort)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("beacon needs a status function")
	}
	target, err := net.ResolveUDPAddr("udp4", cfg.Target)
	if err != nil {
		return nil, err
	}
	return &Beacon{
		cfg:    cfg,
		target: target,
		logger: globals.AppLogger.Named("beacon"),
		// seq is seeded from the clock so it keeps growing across restarts of the same announcer
		seq: uint64(time.Now().UnixMilli()),
	}, nil
}

// Run announces immediately and then every interval until ctx is cancelled. The socket is released on return.
func (b *Beacon) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("could not open beacon socket: %w", err)
	}
	defer conn.Close()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := b.announce(conn); err != nil {
			b.logger.Warn("could not send beacon", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Beacon) nextPacket() ([]byte, error) {
	name, port, rooms := b.cfg.Status()
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.mu.Unlock()
	return EncodePacket(Announcement{Name: name, Port: port, Rooms: rooms, Seq: seq, Nonce: nonce}, b.cfg.Signer)
}

func (b *Beacon) announce(conn net.PacketConn) error {
	pkt, err := b.nextPacket()
	if err != nil {
		return err
	}
	_, err = conn.WriteTo(pkt, b.target)
	if err == nil {
		b.logger.Trace("beacon sent", "bytes", len(pkt))
	}
	return err
}
