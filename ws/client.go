package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-lan/types"
	"golang.org/x/time/rate"
)

const (
	// one 64 KiB chunk in base64 plus the frame around it, sealed or not
	maxFrameSize  = 128 * 1024
	pongWait      = 2 * time.Minute
	pingPeriod    = time.Minute
	writeWait     = 10 * time.Second
	bulkQueueSize = 8
)

// connState is the per-connection dispatch state.
type connState int32

const (
	StateConnecting connState = iota
	StateAuthenticating
	StateAuthenticated
	StateClosing
)

func (s connState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id     string
	server *Server
	hub    *Hub
	conn   *websocket.Conn
	codec  types.Codec
	logger hclog.Logger

	// send carries interactive frames and is never waited on: a full queue closes the connection.
	send chan *types.Frame
	// bulk carries download chunks, producers block on it.
	bulk chan *types.Frame

	state     atomic.Int32
	username  string // set once during the handshake, read only afterwards
	challenge string
	hostKey   string

	limiter     *rate.Limiter
	rateStrikes int
	malformed   []time.Time

	closeOnce sync.Once
	closing   chan struct{}
	writeDone chan struct{}

	// WaitGroup tracks the loops and download streams of this connection.
	sync.WaitGroup
}

func newClient(s *Server, conn *websocket.Conn, id, hostKey string) *Client {
	limits := s.cfg.LimitsConfig
	c := &Client{
		id:        id,
		server:    s,
		hub:       s.hub,
		conn:      conn,
		codec:     s.codec,
		logger:    s.logger.With("connection", id),
		send:      make(chan *types.Frame, limits.SendQueue),
		bulk:      make(chan *types.Frame, bulkQueueSize),
		hostKey:   hostKey,
		limiter:   rate.NewLimiter(rate.Limit(limits.Rate), limits.Burst),
		closing:   make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Username() string {
	return c.username
}

func (c *Client) State() connState {
	return connState(c.state.Load())
}

func (c *Client) setState(s connState) {
	c.state.Store(int32(s))
}

// Enqueue queues a frame without blocking. When the queue is full the connection is closed as a slow consumer and
// false is returned.
func (c *Client) Enqueue(f *types.Frame) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		c.logger.Warn("send queue full, dropping slow connection")
		c.Close()
		return false
	}
}

// EnqueueBulk queues a frame on the bulk lane, waiting for room. It fails once the connection is closing.
func (c *Client) EnqueueBulk(f *types.Frame) error {
	select {
	case c.bulk <- f:
		return nil
	case <-c.closing:
		return net.ErrClosed
	}
}

// SendError queues an m.error frame for err.
func (c *Client) SendError(roomId string, err error) bool {
	msg := types.ErrorMessage{Code: types.ErrorCode(err), Message: err.Error()}
	var transferErr *types.TransferError
	if errors.As(err, &transferErr) {
		msg.TransferId = transferErr.TransferId
	}
	return c.Enqueue(types.MustFrame(types.WireMessageTypeError, roomId, msg))
}

// Close asks the write loop to flush what is queued, say goodbye and close the socket. It does not wait.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.closing)
	})
}

// CloseWithError queues a final m.error before closing.
func (c *Client) CloseWithError(err error) {
	c.SendError("", err)
	c.Close()
}

// closeNow drops the socket without flushing.
func (c *Client) closeNow() {
	c.Close()
	_ = c.conn.Close()
}

func (c *Client) write(f *types.Frame) error {
	mt, data, err := c.codec.Encode(f)
	if err != nil {
		c.logger.Error("could not encode frame", "type", f.Type, "error", err)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(mt, data)
}

// WriteLoop pumps frames from the queues to the websocket connection. Interactive frames are preferred over bulk
// frames. At most one writer per connection exists, this one.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
		c.Done()
	}()
	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				c.logger.Debug("could not write, exiting write loop", "error", err)
				c.Close()
				return
			}
			continue
		default:
		}
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				c.Close()
				return
			}
		case f := <-c.bulk:
			if err := c.write(f); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closing:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued on the interactive lane and sends a close message.
func (c *Client) flush() {
	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// ReadLoop pumps frames from the websocket connection to the dispatcher until the connection fails or closes.
func (c *Client) ReadLoop() {
	defer c.Done()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.LimitsConfig.AuthTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.State() == StateAuthenticated {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() == StateAuthenticating {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					c.logger.Info("handshake timed out")
					c.CloseWithError(&types.AuthError{Reason: "handshake timed out"})
					return
				}
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection closed unexpectedly", "error", err)
			}
			c.Close()
			return
		}
		if c.State() == StateClosing {
			return
		}
		frame, err := c.codec.Decode(mt, data)
		if err != nil {
			if c.State() == StateAuthenticating {
				c.server.authFailed(c, &types.AuthError{Reason: "malformed handshake", Err: err})
				return
			}
			c.malformedFrame("", err)
			continue
		}
		switch c.State() {
		case StateAuthenticating:
			if !c.server.authenticate(c, frame) {
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		case StateAuthenticated:
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			if !c.server.ownsUpload(c, frame) && !c.allow() {
				continue
			}
			c.server.dispatch(c, frame)
		}
	}
}

// allow applies the rate limit. Throttled frames are answered with rate_limited; sustained abuse disconnects.
func (c *Client) allow() bool {
	if c.limiter.Allow() {
		return true
	}
	c.rateStrikes++
	err := &types.RateLimitError{Strikes: c.rateStrikes}
	if c.rateStrikes >= c.server.cfg.LimitsConfig.AbuseThreshold {
		c.logger.Warn("rate limit abuse, disconnecting", "strikes", c.rateStrikes)
		c.CloseWithError(err)
		return false
	}
	c.SendError("", err)
	return false
}

// malformedFrame answers a bad frame and disconnects after too many of them within the window.
func (c *Client) malformedFrame(roomId string, err error) {
	limits := c.server.cfg.LimitsConfig
	now := time.Now()
	kept := c.malformed[:0]
	for _, t := range c.malformed {
		if now.Sub(t) < limits.MalformedWindow {
			kept = append(kept, t)
		}
	}
	c.malformed = append(kept, now)
	c.logger.Debug("malformed frame", "error", err, "count", len(c.malformed))
	if len(c.malformed) >= limits.MalformedThreshold {
		c.logger.Warn("too many malformed frames, disconnecting")
		c.CloseWithError(err)
		return
	}
	c.SendError(roomId, err)
}
