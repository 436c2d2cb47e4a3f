package gateway

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/errors"
	"github.com/pxp888/partyshot/pkg/httputil"
	"github.com/pxp888/partyshot/pkg/logging"
)

type wssecretRequest struct {
	Username string `json:"username"`
}

// wssecretHandler handles POST /v1/wssecret {username}: it issues a fresh
// secret, replacing any previous one. Callers are trusted.
func (g *Gateway) wssecretHandler(w http.ResponseWriter, r *http.Request) {
	if g.secrets == nil {
		errors.WriteHTTPError(w, errors.NewServiceError("secrets", errors.CodeServiceUnavailable, "no secret store configured", nil))
		return
	}

	var req wssecretRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		errors.WriteHTTPError(w, errors.NewValidationError("body", "expected {username}", nil))
		return
	}
	if !httputil.ValidateUsername(req.Username) {
		errors.WriteHTTPError(w, errors.NewValidationError("username", "invalid username", req.Username))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.brokerTimeout)
	defer cancel()

	secret := NewSecret()
	if err := g.secrets.Set(ctx, req.Username, secret); err != nil {
		g.logger.ComponentError(logging.ComponentGateway, "failed to store wssecret",
			zap.String("username", req.Username),
			zap.Error(err))
		errors.WriteHTTPError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"wssecret": secret})
}
