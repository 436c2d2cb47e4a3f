package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/errors"
	"github.com/pxp888/partyshot/pkg/httputil"
	"github.com/pxp888/partyshot/pkg/logging"
)

// PublishRequest is the body of POST /v1/publish.
type PublishRequest struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// publishHandler handles POST /v1/publish {channel, payload}. The payload is
// handed to the broker untouched.
func (g *Gateway) publishHandler(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		errors.WriteHTTPError(w, errors.NewValidationError("body", "expected {channel, payload}", nil))
		return
	}
	if !httputil.ValidateChannelName(req.Channel) {
		errors.WriteHTTPError(w, errors.NewValidationError("channel", "invalid channel name", req.Channel))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.brokerTimeout)
	defer cancel()
	if err := g.broker.Publish(ctx, req.Channel, req.Payload); err != nil {
		g.logger.ComponentWarn(logging.ComponentGateway, "publish failed",
			zap.String("channel", req.Channel),
			zap.Error(err))
		errors.WriteHTTPError(w, err)
		return
	}

	g.logger.ComponentDebug(logging.ComponentGateway, "published",
		zap.String("channel", req.Channel),
		zap.Int("payload_len", len(req.Payload)))
	httputil.WriteSuccessWithData(w, map[string]any{"channel": req.Channel})
}

// EventRequest is the body of POST /v1/events.
type EventRequest struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// eventHandler handles POST /v1/events {channel, type, payload}: the payload
// is wrapped in the standard event envelope before publishing.
func (g *Gateway) eventHandler(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		errors.WriteHTTPError(w, errors.NewValidationError("body", "expected {channel, type, payload}", nil))
		return
	}
	if !httputil.ValidateChannelName(req.Channel) {
		errors.WriteHTTPError(w, errors.NewValidationError("channel", "invalid channel name", req.Channel))
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.brokerTimeout)
	defer cancel()
	if err := g.events.Publish(ctx, req.Channel, req.Type, payload); err != nil {
		g.logger.ComponentWarn(logging.ComponentGateway, "event publish failed",
			zap.String("channel", req.Channel),
			zap.String("type", req.Type),
			zap.Error(err))
		errors.WriteHTTPError(w, err)
		return
	}
	httputil.WriteSuccessWithData(w, map[string]any{"channel": req.Channel, "type": req.Type})
}
