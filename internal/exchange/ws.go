// ws.go wraps a gorilla websocket connection with the deadline discipline
// both adapters share: a handshake timeout on dial, a read deadline per
// receive so a silent server surfaces as an error instead of a hang, and
// a best-effort close handshake on disconnect.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second // deadline for outgoing frames
	closeTimeout = 3 * time.Second  // grace for the close handshake
)

// wsConn is a single persistent text-frame channel to an exchange.
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// dialWS opens a websocket connection with a bounded handshake.
func dialWS(ctx context.Context, url string, timeout time.Duration) (*wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not connect to websocket %s: %w", url, err)
	}
	return &wsConn{conn: conn, timeout: timeout}, nil
}

// readFrame blocks for at most the configured timeout and returns one
// text frame.
func (c *wsConn) readFrame() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("websocket receive failed: %w", err)
	}
	return data, nil
}

// writeJSON sends one JSON frame under the write deadline.
func (c *wsConn) writeJSON(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("websocket send failed: %w", err)
	}
	return nil
}

// close attempts a clean close handshake, then drops the connection.
// Failing to disconnect is never an error.
func (c *wsConn) close() {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout))
	c.conn.Close()
}
