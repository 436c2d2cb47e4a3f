package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/pxp888/partyshot/pkg/httputil"
)

// healthHandler reports liveness and broker reachability.
func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.brokerTimeout)
	defer cancel()

	resp := map[string]any{
		"status":      "ok",
		"uptime":      time.Since(g.startedAt).Round(time.Second).String(),
		"connections": g.connections.Load(),
		"broker":      "ok",
	}
	code := http.StatusOK
	if err := g.broker.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["broker"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, resp)
}

// channelsHandler lists every channel with live subscribers.
func (g *Gateway) channelsHandler(w http.ResponseWriter, r *http.Request) {
	channels := g.watcher.Channels()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"channels":    channels,
		"count":       len(channels),
		"connections": g.connections.Load(),
	})
}
