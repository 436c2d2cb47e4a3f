package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/errors"
	"github.com/pxp888/partyshot/pkg/httputil"
	"github.com/pxp888/partyshot/pkg/logging"
)

// maxMessageSize bounds a single client frame.
const maxMessageSize = 64 << 10

// Client actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionKeepAlive   = "keepAlive"
	actionPing        = "ping"
)

// clientMessage is the envelope of every frame a client sends.
type clientMessage struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type channelPayload struct {
	Channel string `json:"channel"`
}

type keepAlivePayload struct {
	Channels []string `json:"channels"`
}

// serverMessage is the envelope of every control reply. Broker payloads are
// forwarded as-is and never wrapped.
type serverMessage struct {
	Action  string `json:"action"`
	Payload any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// websocketHandler checks the caller's secret, upgrades and serves one client
// until it disconnects. All of its subscriptions are dropped on exit.
func (g *Gateway) websocketHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if g.requireSecret {
		if err := g.verifySecret(r.Context(), username, r.URL.Query().Get("wssecret")); err != nil {
			g.logger.ComponentWarn(logging.ComponentGateway, "ws: rejected connection",
				zap.String("username", username),
				zap.Error(err))
			errors.WriteHTTPError(w, err)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.ComponentWarn(logging.ComponentGateway, "ws: upgrade failed", zap.Error(err))
		return
	}

	c := newWSConn(conn, username, g.writeTimeout)
	total := g.connections.Add(1)
	g.logger.ComponentInfo(logging.ComponentGateway, "ws: client connected",
		zap.String("conn", c.ID()),
		zap.String("username", username),
		zap.Int64("connections", total))

	ctx, cancel := context.WithCancel(context.Background())
	go g.pingLoop(ctx, c)

	g.readLoop(c)

	cancel()
	g.watcher.UnsubscribeAll(c)
	_ = c.close()
	total = g.connections.Add(-1)
	g.logger.ComponentInfo(logging.ComponentGateway, "ws: client disconnected",
		zap.String("conn", c.ID()),
		zap.Int64("connections", total))
}

// pingLoop keeps intermediaries from timing the connection out.
func (g *Gateway) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				g.logger.ComponentDebug(logging.ComponentGateway, "ws: ping failed",
					zap.String("conn", c.ID()),
					zap.Error(err))
				return
			}
		}
	}
}

// readLoop handles client frames until the connection fails or closes.
func (g *Gateway) readLoop(c *wsConn) {
	pongWait := 2 * g.pingInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.ComponentDebug(logging.ComponentGateway, "ws: read failed",
					zap.String("conn", c.ID()),
					zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := g.handleMessage(c, data); err != nil {
			g.logger.ComponentDebug(logging.ComponentGateway, "ws: reply failed",
				zap.String("conn", c.ID()),
				zap.Error(err))
			return
		}
	}
}

// handleMessage dispatches one client frame. The returned error is a failed
// reply write, which ends the connection.
func (g *Gateway) handleMessage(c *wsConn, data []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return c.sendJSON(map[string]string{"type": "bad message"})
	}

	switch msg.Action {
	case actionSubscribe:
		var p channelPayload
		if err := decodePayload(msg.Payload, &p); err != nil || !httputil.ValidateChannelName(p.Channel) {
			return c.sendJSON(errorReply("invalid channel"))
		}
		g.watcher.Subscribe(c, p.Channel)
		return c.sendJSON(serverMessage{Action: "subscribed", Payload: channelPayload{Channel: p.Channel}})

	case actionUnsubscribe:
		var p channelPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return c.sendJSON(errorReply("invalid channel"))
		}
		if p.Channel == "" {
			g.watcher.UnsubscribeAll(c)
		} else {
			g.watcher.Unsubscribe(c, p.Channel)
		}
		return c.sendJSON(serverMessage{Action: "unsubscribed", Payload: channelPayload{Channel: p.Channel}})

	case actionKeepAlive:
		var p keepAlivePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return c.sendJSON(errorReply("invalid channels"))
		}
		g.watcher.KeepAlive(c, p.Channels...)
		return nil

	case actionPing:
		return c.sendJSON(serverMessage{Action: "pong"})

	default:
		return c.sendJSON(errorReply("unknown action"))
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func errorReply(message string) serverMessage {
	return serverMessage{Action: "error", Payload: errorPayload{Message: message}}
}
