package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla connection to watcher.Connection. gorilla permits
// one concurrent writer, so every data frame goes through mu.
type wsConn struct {
	id           string
	username     string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func newWSConn(conn *websocket.Conn, username string, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           uuid.NewString(),
		username:     username,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// ID implements watcher.Connection.
func (c *wsConn) ID() string { return c.id }

// Send implements watcher.Connection. The payload is written verbatim as a text frame.
func (c *wsConn) Send(ctx context.Context, payload string) error {
	return c.write(ctx, []byte(payload))
}

func (c *wsConn) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(context.Background(), b)
}

func (c *wsConn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ping sends a control frame; WriteControl may run concurrently with write.
func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout))
}

func (c *wsConn) close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
