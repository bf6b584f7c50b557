package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-lan/globals"
	"github.com/tcriess/lightspeed-lan/security"
	"github.com/tcriess/lightspeed-lan/types"
)

const (
	Path = "/lan"

	maxFrameSize     = 128 * 1024
	readWait         = 3 * time.Minute
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	disconnectGrace  = 5 * time.Second
	bulkQueueSize    = 8
	defaultSendQueue = 256
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrQueueFull        = errors.New("send queue full")
)

// Credentials carries what is needed to get through the handshake.
type Credentials struct {
	Username string
	Token    string

	// TLSConfig switches to wss:// when set, see security.ClientTLSConfig.
	TLSConfig *tls.Config
	// Bearer sends a token minted from Token with the upgrade request.
	Bearer bool
	// EncryptFrames seals every frame with a key derived from Token. Must match the server.
	EncryptFrames bool
	SendQueue     int
}

// Client maintains one authenticated session to one server. Operations only enqueue frames; results arrive later
// on the EventSink.
type Client struct {
	sink   EventSink
	logger hclog.Logger

	mu       sync.Mutex
	sess     *session
	handlers map[string]Handler

	uploads   *uploadRegistry
	downloads *downloadRegistry
}

// session is one connection. A new one is created on every Connect.
type session struct {
	conn     *websocket.Conn
	codec    types.Codec
	username string
	connId   string

	send chan *types.Frame
	bulk chan *types.Frame

	connected atomic.Bool
	closeOnce sync.Once
	closing   chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
}

// New creates a disconnected client. A nil sink discards events.
func New(sink EventSink) *Client {
	if sink == nil {
		sink = EventSinkFunc(func(*types.Frame) {})
	}
	c := &Client{
		sink:      sink,
		logger:    globals.AppLogger.Named("client"),
		uploads:   newUploadRegistry(),
		downloads: newDownloadRegistry(),
	}
	c.handlers = map[string]Handler{
		types.WireMessageTypeFileReady: c.handleFileReady,
		types.WireMessageTypeFileBegin: c.handleFileBegin,
		types.WireMessageTypeFileChunk: c.handleFileChunk,
		types.WireMessageTypeFileEnd:   c.handleFileEnd,
		types.WireMessageTypeError:     c.handleError,
	}
	return c
}

// Handle registers a handler for a server frame type, replacing any earlier one. Frames without a handler go
// straight to the sink.
func (c *Client) Handle(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

// Connect dials the server, runs the challenge-response handshake and starts the receive loop. Transport failures
// are *types.ConnectError, a rejected handshake is *types.AuthError.
func (c *Client) Connect(ctx context.Context, host string, port int, creds Credentials) error {
	c.mu.Lock()
	if c.sess != nil && c.sess.connected.Load() {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	scheme := "ws"
	if creds.TLSConfig != nil {
		scheme = "wss"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	u := url.URL{Scheme: scheme, Host: addr, Path: Path}
	header := http.Header{}
	if creds.Bearer {
		header.Set("Authorization", "Bearer "+security.MintToken([]byte(creds.Token), time.Now()))
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  creds.TLSConfig,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &types.AuthError{Reason: resp.Status}
		}
		return &types.ConnectError{Addr: addr, Err: err}
	}

	codec := types.Codec{}
	if creds.EncryptFrames {
		env, err := security.NewEnvelope([]byte(creds.Token))
		if err != nil {
			_ = conn.Close()
			return err
		}
		codec.Sealer = env
	}
	queue := creds.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	sess := &session{
		conn:      conn,
		codec:     codec,
		send:      make(chan *types.Frame, queue),
		bulk:      make(chan *types.Frame, bulkQueueSize),
		closing:   make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	conn.SetReadLimit(maxFrameSize)
	if err := c.handshake(ctx, sess, creds); err != nil {
		_ = conn.Close()
		return err
	}
	sess.connected.Store(true)

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	go c.writeLoop(sess)
	go c.readLoop(sess)
	c.logger.Info("connected", "server", addr, "username", sess.username)
	return nil
}

func (c *Client) handshake(ctx context.Context, sess *session, creds Credentials) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = sess.conn.SetReadDeadline(deadline)
	_ = sess.conn.SetWriteDeadline(deadline)
	defer func() {
		_ = sess.conn.SetReadDeadline(time.Time{})
		_ = sess.conn.SetWriteDeadline(time.Time{})
	}()

	frame, err := readFrame(sess)
	if err != nil {
		return &types.AuthError{Reason: "no challenge received", Err: err}
	}
	if frame.Type != types.WireMessageTypeAuthChallenge {
		return handshakeFailure(frame)
	}
	challenge := types.AuthChallenge{}
	if err := frame.Unmarshal(&challenge); err != nil {
		return &types.AuthError{Reason: "malformed challenge", Err: err}
	}
	if challenge.Version != types.ProtocolVersion {
		c.logger.Warn("protocol version mismatch", "server", challenge.Version, "client", types.ProtocolVersion)
	}
	auth := types.MustFrame(types.MessageTypeAuth, "", types.AuthRequest{
		Username: creds.Username,
		Response: security.ChallengeResponse([]byte(creds.Token), challenge.Challenge),
	})
	if err := writeFrame(sess, auth); err != nil {
		return &types.ConnectError{Addr: sess.conn.RemoteAddr().String(), Err: err}
	}
	frame, err = readFrame(sess)
	if err != nil {
		return &types.AuthError{Reason: "connection closed during handshake", Err: err}
	}
	if frame.Type != types.WireMessageTypeAuthOk {
		return handshakeFailure(frame)
	}
	ok := types.AuthOk{}
	if err := frame.Unmarshal(&ok); err != nil {
		return &types.AuthError{Reason: "malformed auth reply", Err: err}
	}
	sess.username = ok.Username
	sess.connId = ok.ConnectionId
	return nil
}

func handshakeFailure(frame *types.Frame) error {
	if frame.Type != types.WireMessageTypeError {
		return &types.AuthError{Reason: "unexpected " + frame.Type}
	}
	msg := types.ErrorMessage{}
	_ = frame.Unmarshal(&msg)
	if msg.Code == types.ErrCodeNameInUse {
		return &types.AuthError{Reason: msg.Message, Err: types.ErrNameInUse}
	}
	return &types.AuthError{Reason: msg.Message}
}

func readFrame(sess *session) (*types.Frame, error) {
	mt, data, err := sess.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return sess.codec.Decode(mt, data)
}

func writeFrame(sess *session, f *types.Frame) error {
	mt, data, err := sess.codec.Encode(f)
	if err != nil {
		return err
	}
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.conn.WriteMessage(mt, data)
}

// Disconnect closes the session and waits for its loops to exit. Calling it again is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.close()
	select {
	case <-sess.readDone:
	case <-time.After(disconnectGrace):
		c.logger.Warn("receive loop did not stop in time, closing transport")
		_ = sess.conn.Close()
		<-sess.readDone
	}
	<-sess.writeDone
	return nil
}

// IsConnected reports whether the current session is alive.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.connected.Load()
}

// Username is the name the server accepted, which may differ from the requested one after sanitising.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.username
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		close(s.closing)
	})
}

func (c *Client) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.sess.connected.Load() {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

// enqueue puts a frame on the interactive queue without waiting.
func (c *Client) enqueue(msgType, roomId string, content interface{}) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	f, err := types.NewFrame(msgType, roomId, content)
	if err != nil {
		return err
	}
	select {
	case sess.send <- f:
		return nil
	case <-sess.closing:
		return ErrNotConnected
	default:
		return ErrQueueFull
	}
}

// enqueueBulk waits for room on the bulk queue.
func (sess *session) enqueueBulk(ctx context.Context, f *types.Frame) error {
	select {
	case sess.bulk <- f:
		return nil
	case <-sess.closing:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only writer of the connection. Interactive frames go before bulk frames.
func (c *Client) writeLoop(sess *session) {
	defer func() {
		_ = sess.conn.Close()
		close(sess.writeDone)
	}()
	write := func(f *types.Frame) bool {
		if err := writeFrame(sess, f); err != nil {
			c.logger.Debug("write failed", "error", err)
			sess.close()
			return false
		}
		return true
	}
	for {
		select {
		case f := <-sess.send:
			if !write(f) {
				return
			}
			continue
		default:
		}
		select {
		case f := <-sess.send:
			if !write(f) {
				return
			}
		case f := <-sess.bulk:
			if !write(f) {
				return
			}
		case <-sess.closing:
			for {
				select {
				case f := <-sess.send:
					if !write(f) {
						return
					}
				default:
					_ = sess.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

// readLoop routes incoming frames until the connection ends, then reports the disconnect to the sink.
func (c *Client) readLoop(sess *session) {
	defer close(sess.readDone)
	_ = sess.conn.SetReadDeadline(time.Now().Add(readWait))
	sess.conn.SetPingHandler(func(appData string) error {
		_ = sess.conn.SetReadDeadline(time.Now().Add(readWait))
		err := sess.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	reason := "disconnected"
	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			select {
			case <-sess.closing:
			default:
				reason = err.Error()
				c.logger.Info("connection lost", "error", err)
			}
			break
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(readWait))
		frame, err := sess.codec.Decode(mt, data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			c.sink.HandleEvent(localError("", err))
			continue
		}
		if frame.Type == types.WireMessageTypeShutdown {
			reason = "server shutting down"
		}
		c.route(frame)
	}
	sess.close()
	c.uploads.abortSession(sess)
	c.downloads.reset()
	c.sink.HandleEvent(localFrame(types.WireMessageTypeDisconnected, "", types.Shutdown{Reason: reason}))
}

func (c *Client) route(frame *types.Frame) {
	if !frame.IsServerType() {
		c.logger.Debug("ignoring frame with a client type", "type", frame.Type)
		return
	}
	c.mu.Lock()
	h, ok := c.handlers[frame.Type]
	c.mu.Unlock()
	if ok && !h(frame) {
		return
	}
	c.sink.HandleEvent(frame)
}

// Room operations. Each enqueues one frame and returns; the outcome arrives on the sink.

func (c *Client) SendMessage(roomId, text string) error {
	return c.enqueue(types.MessageTypeRoomMessage, roomId, types.RoomMessageRequest{RoomId: roomId, Text: text})
}

// CreateRoom asks for a new room. An empty password creates an open room.
func (c *Client) CreateRoom(name, password string, public bool) error {
	return c.enqueue(types.MessageTypeRoomCreate, "", types.RoomCreateRequest{Name: name, Password: password, Public: &public})
}

func (c *Client) JoinRoom(roomId, password string) error {
	return c.enqueue(types.MessageTypeRoomJoin, roomId, types.RoomJoinRequest{RoomId: roomId, Password: password})
}

func (c *Client) LeaveRoom(roomId string) error {
	return c.enqueue(types.MessageTypeRoomLeave, roomId, types.RoomRequest{RoomId: roomId})
}

func (c *Client) ListRooms() error {
	return c.enqueue(types.MessageTypeRoomList, "", nil)
}

func (c *Client) History(roomId string, limit int) error {
	return c.enqueue(types.MessageTypeRoomHistory, roomId, types.RoomHistoryRequest{RoomId: roomId, Limit: limit})
}

func (c *Client) SetTopic(roomId, topic string) error {
	return c.enqueue(types.MessageTypeRoomTopic, roomId, types.RoomTopicRequest{RoomId: roomId, Topic: topic})
}

func (c *Client) Kick(roomId, username string) error {
	return c.enqueue(types.MessageTypeRoomKick, roomId, types.RoomMemberRequest{RoomId: roomId, Username: username})
}

func (c *Client) Ban(roomId, username, reason string) error {
	return c.enqueue(types.MessageTypeRoomBan, roomId,
		types.RoomMemberRequest{RoomId: roomId, Username: username, Reason: reason})
}

func (c *Client) Unban(roomId, username string) error {
	return c.enqueue(types.MessageTypeRoomUnban, roomId, types.RoomMemberRequest{RoomId: roomId, Username: username})
}

func (c *Client) Promote(roomId, username string) error {
	return c.enqueue(types.MessageTypeRoomPromote, roomId, types.RoomMemberRequest{RoomId: roomId, Username: username})
}

func (c *Client) CloseRoom(roomId string) error {
	return c.enqueue(types.MessageTypeRoomClose, roomId, types.RoomRequest{RoomId: roomId})
}

func (c *Client) Users(roomId string) error {
	return c.enqueue(types.MessageTypeRoomUsers, roomId, types.RoomRequest{RoomId: roomId})
}

func (c *Client) Ping() error {
	return c.enqueue(types.MessageTypePing, "", nil)
}

func (c *Client) ListFiles(roomId string) error {
	return c.enqueue(types.MessageTypeFileList, roomId, types.RoomRequest{RoomId: roomId})
}

func (c *Client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return "client(disconnected)"
	}
	return fmt.Sprintf("client(%s, connected=%t)", c.sess.username, c.sess.connected.Load())
}
