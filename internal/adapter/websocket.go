package adapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig holds tunable parameters for a single WebSocket connection.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HandshakeTimeout bounds the TCP dial plus the HTTP upgrade.
	HandshakeTimeout time.Duration

	// HeartbeatTimeout is the maximum duration of silence (no frame and no
	// pong) before the connection is considered dead.
	HeartbeatTimeout time.Duration

	// PingInterval is how often a ping is sent. Zero disables pings.
	PingInterval time.Duration

	// WriteTimeout bounds every outbound frame.
	WriteTimeout time.Duration

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults suited to prediction-market feeds, which
// can go quiet for long stretches between book changes.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		PingInterval:     20 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Conn is one WebSocket session. It is never reconnected in place: a broken
// Conn is closed and the owner dials a fresh one.
type Conn struct {
	cfg WSConfig
	ws  *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial establishes the WebSocket connection with TCP_NODELAY enabled.
// A handshake answered with 401 or 403 is reported as ErrAuth; every other
// failure as ErrTransport.
func Dial(ctx context.Context, cfg WSConfig) (*Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	ws, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected: %s", ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial: %w", ErrTransport, err)
	}

	return &Conn{cfg: cfg, ws: ws}, nil
}

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

// ReadLoop reads frames and passes each to handle, in arrival order, until
// the connection fails, handle returns an error, or ctx is cancelled. It also
// acts as the heartbeat monitor: a silence longer than HeartbeatTimeout ends
// the loop with ErrTransport. Cancelling ctx closes the socket.
func (c *Conn) ReadLoop(ctx context.Context, handle func(msg []byte) error) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	hb := c.cfg.HeartbeatTimeout
	extend := func() {
		if hb > 0 {
			c.ws.SetReadDeadline(time.Now().Add(hb))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(pingDone)
	}

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		extend()

		if err := handle(msg); err != nil {
			return err
		}
	}
}

// Close sends a best-effort close frame and releases the socket. Safe to call
// more than once and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// pingLoop keeps the connection alive. WriteControl is safe to call
// concurrently with Send.
func (c *Conn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.PingInterval)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
