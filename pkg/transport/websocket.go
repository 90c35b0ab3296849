// ABOUTME: Adapts gorilla WebSocket connections to net.Conn so the line
// ABOUTME: protocol runs unchanged over /ws on both server and client sides.
package transport

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Path is the HTTP route the server upgrades
const Path = "/ws"

const bufferSize = 64 * 1024

// Upgrader accepts WebSocket connections from any origin; the protocol has
// its own login step.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  bufferSize,
	WriteBufferSize: bufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketConn carries a byte stream over binary WebSocket messages.
// Message boundaries carry no meaning; each Write becomes one message and
// Read drains messages in order.
type WebSocketConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established WebSocket
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Upgrade upgrades an HTTP request and wraps the result
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}

// Dial connects to host:port over ws:// (or wss:// when useTLS is set)
func Dial(addr string, useTLS bool) (*WebSocketConn, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: Path}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   bufferSize,
		WriteBufferSize:  bufferSize,
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if strings.Contains(err.Error(), "bad handshake") {
			if useTLS {
				return nil, fmt.Errorf("TLS handshake failed, server may not support wss: %w", err)
			}
			return nil, fmt.Errorf("handshake failed, server may require wss: %w", err)
		}
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}

func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.cur == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, fmt.Errorf("unexpected websocket message type %d", messageType)
			}
			c.cur = r
		}

		n, err := c.cur.Read(b)
		if err == io.EOF {
			c.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		if err == websocket.ErrCloseSent {
			return 0, net.ErrClosed
		}
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame when possible and closes the socket. Safe to
// call more than once.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*WebSocketConn)(nil)
