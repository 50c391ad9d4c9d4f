package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single data frame write to a peer that stopped reading
	writeWait      = 10 * time.Second
	closeWriteWait = time.Second
)

// maxCloseReason is the largest close reason a control frame can carry
const maxCloseReason = 123

// SafeConn wraps a WebSocket connection with a mutex for writes.
// gorilla allows one concurrent reader and one concurrent writer.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewSafeConn creates a write-safe wrapper
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteMessage writes one data frame, failing after writeWait
func (c *SafeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// WriteJSON writes v as one text frame
func (c *SafeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, b)
}

// ReadMessage reads the next frame (single reader only)
func (c *SafeConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// CloseWith sends a close frame and closes the underlying connection.
// It does not take the write mutex, so it also unblocks a stalled writer.
// Write errors are ignored; the peer may already be gone.
func (c *SafeConn) CloseWith(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	return c.conn.Close()
}

// closeFrom derives the close code and reason to forward from a read error.
// Codes that must not appear on the wire are mapped to sendable ones.
func closeFrom(err error, fallbackReason string) (int, string) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.CloseInternalServerErr, fallbackReason
	}
	switch ce.Code {
	case websocket.CloseNoStatusReceived:
		return websocket.CloseNormalClosure, ce.Text
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseInternalServerErr, fallbackReason
	}
	return ce.Code, ce.Text
}

func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	s = s[:maxCloseReason]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
