package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn is a Conn over a gorilla/websocket connection.
type WSConn struct {
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a WebSocket connection to endpoint with the given handshake headers.
func Dial(ctx context.Context, endpoint string, header http.Header, opts Options) (*WSConn, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewWSConn(ws, opts), nil
}

// NewWSConn wraps an established websocket. It is used by Dial and by servers
// that accept connections with a websocket.Upgrader.
func NewWSConn(ws *websocket.Conn, opts Options) *WSConn {
	opts = opts.withDefaults()
	ws.SetReadLimit(opts.ReadLimit)

	c := &WSConn{
		ws:     ws,
		opts:   opts,
		closed: make(chan struct{}),
	}
	if opts.PingInterval > 0 {
		c.extendReadDeadline()
		ws.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
		go c.pingLoop(opts.PingInterval)
	}
	return c
}

// Send writes one text frame.
func (c *WSConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads the next text or binary frame.
func (c *WSConn) Receive() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.closeError(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			c.extendReadDeadline()
			return data, nil
		}
	}
}

// Close sends a normal close frame and releases the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// extendReadDeadline gives the peer another PongWait to be heard from.
func (c *WSConn) extendReadDeadline() {
	if c.opts.PingInterval > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}
}

func (c *WSConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSConn) closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	select {
	case <-c.closed:
		return &CloseError{Code: CloseNormal, Reason: "closed locally"}
	default:
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &CloseError{Code: CloseAbnormal, Reason: fmt.Sprintf("no pong within %s", c.opts.PongWait)}
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}
