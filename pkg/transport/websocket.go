package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"petoiwire/pkg/protocol"
)

// wsConn presents a WebSocket connection as a byte stream. Text commands go
// out as text messages and binary frames as binary messages; every incoming
// message is read as one or more lines.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending bytes.Buffer
}

// DialWebSocket connects to a robot exposing its command port over WebSocket,
// such as the WiFi module.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Link, error) {
	l := newLink(opts)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: l.dialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial websocket %s: %w", url, err)
	}
	l.start(&wsConn{conn: conn})
	return l, nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for c.pending.Len() == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		c.pending.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			c.pending.WriteByte('\n')
		}
	}
	return c.pending.Read(p)
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) WriteWire(wire protocol.Wire) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	kind := websocket.TextMessage
	if wire.Binary {
		kind = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(kind, wire.Payload())
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
