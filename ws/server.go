package ws

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/globals"
	"github.com/tcriess/lightspeed-lan/persistence"
	"github.com/tcriess/lightspeed-lan/security"
	"github.com/tcriess/lightspeed-lan/types"
)

const (
	// Path is the websocket endpoint.
	Path = "/lan"

	maxAuthStrikes = 5
)

// Server accepts connections, authenticates them and mediates all room state. A stopped server can be started
// again; the registry is then reloaded from the store.
type Server struct {
	cfg       *config.Config
	persister persistence.Persister
	blobs     *persistence.BlobStore
	hub       *Hub
	secret    []byte
	tlsConfig *tls.Config
	codec     types.Codec
	upgrader  websocket.Upgrader
	transfers *transferRegistry
	strikes   *strikeTable
	logger    hclog.Logger

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	cron       *cron.Cron
	live       map[string]*Client
	serveErr   chan error
	open       atomic.Bool
	handlers   sync.WaitGroup
}

// NewServer wires a server to its store. tlsConfig may be nil for plain ws://.
func NewServer(cfg *config.Config, persister persistence.Persister, blobs *persistence.BlobStore, tlsConfig *tls.Config) (*Server, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("server needs a shared token")
	}
	logger := globals.AppLogger.Named("server")
	s := &Server{
		cfg:       cfg,
		persister: persister,
		blobs:     blobs,
		hub:       NewHub(cfg, persister, logger.Named("hub")),
		secret:    []byte(cfg.Token),
		tlsConfig: tlsConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		transfers: newTransferRegistry(),
		logger:    logger,
		live:      make(map[string]*Client),
	}
	strikes, err := newStrikeTable()
	if err != nil {
		return nil, err
	}
	s.strikes = strikes
	if cfg.SecurityConfig.EncryptFrames {
		env, err := security.NewEnvelope(s.secret)
		if err != nil {
			return nil, err
		}
		s.codec = types.Codec{Sealer: env}
	}
	return s, nil
}

// Start loads the registry and begins listening. It returns once the socket is bound; connections are served in
// the background. A port that cannot be bound yields a *types.BindError.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open.Load() {
		return fmt.Errorf("server already running")
	}
	if err := s.hub.LoadRooms(); err != nil {
		return err
	}
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &types.BindError{Addr: addr, Err: err}
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln

	router := mux.NewRouter()
	route := router.NewRoute().Subrouter()
	if s.cfg.SecurityConfig.RequireBearer {
		route.Use(s.bearerMiddleware)
	}
	route.HandleFunc(Path, s.websocketHandler).Methods(http.MethodGet)
	s.httpServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	s.cron = cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := s.cron.AddFunc("@every 30s", s.reapStaleUploads); err != nil {
		_ = ln.Close()
		return err
	}
	if _, err := s.cron.AddFunc("@every 5m", s.logStats); err != nil {
		_ = ln.Close()
		return err
	}
	s.cron.Start()

	s.serveErr = make(chan error, 1)
	s.open.Store(true)
	go func(srv *http.Server, ln net.Listener, errc chan error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}(s.httpServer, ln, s.serveErr)
	s.logger.Info("listening", "port", s.cfg.Port, "tls", s.tlsConfig != nil, "rooms", s.hub.RoomCount())
	return nil
}

// Addr is the bound listener address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) IsOpen() bool {
	return s.open.Load()
}

// PeerCount is the number of authenticated connections in the registry.
func (s *Server) PeerCount() int {
	return s.hub.PeerCount()
}

func (s *Server) RoomCount() int {
	return s.hub.RoomCount()
}

// Stop closes the listener, tells every connection the server is shutting down and waits for the connection
// handlers to exit. After the stop grace period the remaining sockets are closed forcibly.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.open.Load() {
		s.mu.Unlock()
		return nil
	}
	s.open.Store(false)
	srv := s.httpServer
	cr := s.cron
	live := make([]*Client, 0, len(s.live))
	for _, c := range s.live {
		live = append(live, c)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LimitsConfig.StopGrace)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-cr.Stop().Done()

	shutdown := types.MustFrame(types.WireMessageTypeShutdown, "", types.Shutdown{Reason: "server shutting down"})
	for _, c := range live {
		c.Enqueue(shutdown)
		c.Close()
	}
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.LimitsConfig.StopGrace):
		s.logger.Warn("connections did not close in time, forcing")
		s.mu.Lock()
		for _, c := range s.live {
			c.closeNow()
		}
		s.mu.Unlock()
		<-done
	}
	s.transfers.abortAll(s)
	s.logger.Info("stopped")
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Run starts the server and serves until ctx is cancelled or serving fails. Failures are returned so a supervisor
// can restart the server.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	errc := s.serveErr
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errc:
		if err == nil && !s.IsOpen() {
			// stopped from elsewhere
			return nil
		}
		_ = s.Stop()
		if err == nil {
			err = errors.New("listener closed unexpectedly")
		}
		return err
	}
}

func (s *Server) bearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		err := security.VerifyToken(s.secret, parts[1], time.Now(), s.cfg.SecurityConfig.TokenTTL,
			s.cfg.SecurityConfig.TokenClockSkew)
		if err != nil {
			s.logger.Info("bearer token rejected", "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// websocketHandler upgrades the request and runs the connection until it closes.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	hostKey := s.strikes.key(remoteHost(r.RemoteAddr))
	if s.strikes.blocked(hostKey) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade error", "error", err)
		return
	}

	c := newClient(s, conn, uuid.NewString(), hostKey)
	s.mu.Lock()
	if !s.open.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.live[c.id] = c
	s.handlers.Add(1)
	s.mu.Unlock()
	defer func() {
		s.hub.Unregister(c)
		s.transfers.abortConnection(s, c)
		s.mu.Lock()
		delete(s.live, c.id)
		s.mu.Unlock()
		s.handlers.Done()
	}()
	s.logger.Debug("connection opened", "connection", c.id)

	challenge, err := security.NewChallenge()
	if err != nil {
		s.logger.Error("could not create challenge", "error", err)
		_ = conn.Close()
		return
	}
	c.challenge = challenge
	c.setState(StateAuthenticating)
	c.Enqueue(types.MustFrame(types.WireMessageTypeAuthChallenge, "", types.AuthChallenge{
		Challenge: challenge,
		Version:   types.ProtocolVersion,
		Server:    s.cfg.ServerName,
	}))

	c.Add(2)
	go c.WriteLoop()
	go c.ReadLoop()
	c.Wait()
	s.logger.Debug("connection closed", "connection", c.id)
}

// authenticate checks the c.auth answer and promotes the connection. It returns false when the connection is
// being closed.
func (s *Server) authenticate(c *Client, frame *types.Frame) bool {
	if frame.Type != types.MessageTypeAuth {
		s.authFailed(c, &types.AuthError{Reason: "expected " + types.MessageTypeAuth})
		return false
	}
	req := types.AuthRequest{}
	if err := frame.Decode(&req); err != nil {
		s.authFailed(c, &types.AuthError{Reason: "malformed auth", Err: err})
		return false
	}
	if err := security.VerifyChallengeResponse(s.secret, c.challenge, req.Response); err != nil {
		s.authFailed(c, err)
		return false
	}
	username := types.Sanitise(req.Username, types.MaxUsernameLen)
	if username == "" {
		username = types.Sanitise(goname.New(goname.FantasyMap).FirstLast()+" (guest)", types.MaxUsernameLen)
	}
	c.username = username
	if err := s.hub.Register(c); err != nil {
		c.logger.Info("username already connected")
		c.CloseWithError(err)
		return false
	}
	s.strikes.reset(c.hostKey)
	c.setState(StateAuthenticated)
	c.Enqueue(types.MustFrame(types.WireMessageTypeAuthOk, "", types.AuthOk{
		Username:     username,
		Version:      types.ProtocolVersion,
		ServerName:   s.cfg.ServerName,
		ConnectionId: c.id,
	}))
	c.logger.Info("authenticated")
	return true
}

func (s *Server) authFailed(c *Client, err error) {
	strikes := s.strikes.add(c.hostKey)
	c.logger.Info("authentication failed", "error", err, "strikes", strikes)
	c.CloseWithError(err)
}

func (s *Server) logStats() {
	s.logger.Info("stats", "peers", s.hub.PeerCount(), "rooms", s.hub.RoomCount(), "uploads", s.transfers.count())
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// strikeTable counts failed handshakes per remote host. Hosts are only held as salted hashes, in memory.
type strikeTable struct {
	salt []byte
	sync.Mutex
	strikes map[string]int
}

func newStrikeTable() (*strikeTable, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &strikeTable{salt: salt, strikes: make(map[string]int)}, nil
}

func (t *strikeTable) key(host string) string {
	h := sha256.New()
	h.Write(t.salt)
	h.Write([]byte(host))
	return hex.EncodeToString(h.Sum(nil)[:12])
}

func (t *strikeTable) add(key string) int {
	t.Lock()
	defer t.Unlock()
	t.strikes[key]++
	return t.strikes[key]
}

func (t *strikeTable) reset(key string) {
	t.Lock()
	defer t.Unlock()
	delete(t.strikes, key)
}

func (t *strikeTable) blocked(key string) bool {
	t.Lock()
	defer t.Unlock()
	return t.strikes[key] >= maxAuthStrikes
}
