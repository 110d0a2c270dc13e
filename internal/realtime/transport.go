package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// CloseEvent describes how a transport session ended.
type CloseEvent struct {
	Code   int
	Reason string
	Err    error
}

// Clean reports whether the session ended with a normal closure, meaning
// reconnection must not be attempted.
func (e CloseEvent) Clean() bool {
	return e.Code == websocket.CloseNormalClosure
}

// Conn is a single established transport session. Frames() is closed when
// the session ends; CloseEvent() is valid after that.
type Conn interface {
	Send(data []byte) error
	Frames() <-chan []byte
	CloseEvent() CloseEvent
	Close(code int, reason string) error
}

// Dialer opens transport sessions. The connection manager redials through
// it on every reconnection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials a websocket endpoint.
type WebSocketDialer struct {
	URL          string
	WriteTimeout time.Duration
	ReadLimit    int64
}

// NewWebSocketDialer creates a dialer with the default write timeout and
// read limit.
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{
		URL:          url,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    64 * 1024,
	}
}

// Dial opens the websocket and starts its read pump.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	c := &wsConn{
		ws:           ws,
		writeTimeout: d.WriteTimeout,
		frames:       make(chan []byte, 256),
	}
	ws.SetReadLimit(d.ReadLimit)
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	frames       chan []byte

	writeMu sync.Mutex

	closeMu    sync.Mutex
	closeEvent CloseEvent
	closed     bool
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Frames() <-chan []byte {
	return c.frames
}

func (c *wsConn) CloseEvent() CloseEvent {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeEvent
}

// Close performs a best-effort close handshake with the given code, then
// tears the socket down.
func (c *wsConn) Close(code int, reason string) error {
	c.setCloseEvent(CloseEvent{Code: code, Reason: reason})

	c.writeMu.Lock()
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.SetWriteDeadline(deadline)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *wsConn) readPump() {
	defer close(c.frames)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			event := CloseEvent{Code: websocket.CloseAbnormalClosure, Err: err}
			if ce, ok := err.(*websocket.CloseError); ok {
				event.Code = ce.Code
				event.Reason = ce.Text
			}
			c.setCloseEvent(event)
			_ = c.ws.Close()
			return
		}

		select {
		case c.frames <- data:
		default:
			log.Warn().Msg("transport read buffer full, dropping frame")
		}
	}
}

// setCloseEvent records the first close cause; later causes are ignored so
// a local clean close is not overwritten by the read error it provokes.
func (c *wsConn) setCloseEvent(event CloseEvent) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeEvent = event
	}
}
