package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/lightspeed-lan/globals"
	"github.com/tcriess/lightspeed-lan/security"
	"github.com/tidwall/buntdb"
)

const defaultCacheSize = 1024

var (
	ErrReplay    = errors.New("replayed beacon")
	ErrUnsigned  = errors.New("unsigned beacon rejected")
	ErrUntrusted = errors.New("beacon signed by an untrusted key")
)

// ServerInfo is a server currently known to the scanner. Host is only kept in memory so a client can connect.
type ServerInfo struct {
	Name     string    `json:"name"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Rooms    int       `json:"rooms"`
	Signed   bool      `json:"signed"`
	Key      string    `json:"key,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Addr is host:port of the chat server.
func (s ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type ScannerConfig struct {
	ListenAddr    string // ":55302" by default
	TTL           time.Duration
	RequireSigned bool
	TrustedKeys   []string
	CacheSize     int
}

// Scanner listens for beacons, rejects replays and forged packets, and keeps a table of live servers. Entries
// expire when they are not refreshed within the TTL.
type Scanner struct {
	cfg     ScannerConfig
	conn    net.PacketConn
	db      *buntdb.DB
	nonces  *lru.Cache
	seqs    *lru.Cache
	trusted map[string]struct{}
	logger  hclog.Logger

	seqLock sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedKeys))
	for _, k := range cfg.TrustedKeys {
		if _, err := security.ParsePublicKey(k); err != nil {
			return nil, fmt.Errorf("invalid trusted key %q: %w", k, err)
		}
		trusted[k] = struct{}{}
	}
	nonces, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	seqs, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp4", cfg.ListenAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not listen for beacons: %w", err)
	}
	return &Scanner{
		cfg:     cfg,
		conn:    conn,
		db:      db,
		nonces:  nonces,
		seqs:    seqs,
		trusted: trusted,
		logger:  globals.AppLogger.Named("scanner"),
		done:    make(chan struct{}),
	}, nil
}

// LocalAddr is the address the scanner listens on.
func (s *Scanner) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Run reads beacons until ctx is cancelled or the scanner is closed.
func (s *Scanner) Run(ctx context.Context) error {
	buf := make([]byte, MaxPacketLen+1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}
		host := ""
		if udpAddr, ok := from.(*net.UDPAddr); ok {
			host = udpAddr.IP.String()
		}
		if err := s.handle(buf[:n], host, time.Now()); err != nil {
			s.logger.Debug("beacon dropped", "error", err)
		}
	}
}

// handle validates one datagram and records the announcing server.
func (s *Scanner) handle(raw []byte, host string, now time.Time) error {
	p, err := DecodePacket(raw)
	if err != nil {
		return err
	}
	if p.Signed {
		if err := p.Verify(); err != nil {
			return err
		}
		if len(s.trusted) > 0 {
			if _, ok := s.trusted[p.Key]; !ok {
				return ErrUntrusted
			}
		}
	} else if s.cfg.RequireSigned || len(s.trusted) > 0 {
		return ErrUnsigned
	}

	announcer := p.Name + "@" + host
	if p.Signed {
		announcer = p.Key
	}
	if ok, _ := s.nonces.ContainsOrAdd(announcer+"|"+p.Nonce, struct{}{}); ok {
		return ErrReplay
	}
	s.seqLock.Lock()
	if last, ok := s.seqs.Get(announcer); ok && p.Seq <= last.(uint64) {
		s.seqLock.Unlock()
		return ErrReplay
	}
	s.seqs.Add(announcer, p.Seq)
	s.seqLock.Unlock()

	info := ServerInfo{
		Name:     p.Name,
		Host:     host,
		Port:     p.Port,
		Rooms:    p.Rooms,
		Signed:   p.Signed,
		Key:      p.Key,
		LastSeen: now,
	}
	value, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(announcer+"|"+info.Addr(), string(value), &buntdb.SetOptions{Expires: true, TTL: s.cfg.TTL})
		return err
	})
}

// Servers returns a snapshot of the servers seen within the TTL, sorted by name.
func (s *Scanner) Servers() []ServerInfo {
	return s.serversAt(time.Now())
}

func (s *Scanner) serversAt(now time.Time) []ServerInfo {
	servers := make([]ServerInfo, 0)
	_ = s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var info ServerInfo
			if err := json.Unmarshal([]byte(value), &info); err == nil && now.Sub(info.LastSeen) <= s.cfg.TTL {
				servers = append(servers, info)
			}
			return true
		})
	})
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Name == servers[j].Name {
			return servers[i].Addr() < servers[j].Addr()
		}
		return servers[i].Name < servers[j].Name
	})
	return servers
}

// Close stops Run and releases the socket.
func (s *Scanner) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
		_ = s.db.Close()
	})
	return err
}

// DiscoverServers listens for the given duration and returns the servers heard from.
func DiscoverServers(ctx context.Context, cfg ScannerConfig, wait time.Duration) ([]ServerInfo, error) {
	s, err := NewScanner(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()
	<-ctx.Done()
	servers := s.Servers()
	_ = s.Close()
	if err := <-runErr; err != nil {
		return servers, err
	}
	return servers, nil
}
