package pipeline

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tjfontaine/iotedge-gateway/internal/api/middleware"
	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
)

// errorEnvelope is the body of every gateway-level failure.
type errorEnvelope struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

const genericInternalMessage = "internal server error"

// fail classifies err and writes the error envelope.
func (h *Handler) fail(x *exchange, err error) {
	gwErr := domain.AsGatewayError(err)
	status := gwErr.Status()
	h.metrics.GatewayError(string(gwErr.Kind))
	middleware.AddError(x.r.Context(), gwErr)

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	if gwErr.Kind == domain.KindInternal {
		level = slog.LevelError
	}
	h.logger.LogAttrs(x.r.Context(), level, "request failed",
		slog.String("request_id", x.requestID),
		slog.String("kind", string(gwErr.Kind)),
		slog.Int("status", status),
		slog.String("error", gwErr.Error()))

	env := errorEnvelope{Error: h.publicMessage(gwErr)}
	if gwErr.Kind == domain.KindRateLimited {
		env.RetryAfter = gwErr.RetryAfterSeconds()
		x.w.Header().Set("Retry-After", strconv.FormatInt(env.RetryAfter, 10))
	}

	x.status = status
	h.finish(x)
	writeJSON(x.w, status, env)
}

// publicMessage hides internal detail in production mode.
func (h *Handler) publicMessage(e *domain.GatewayError) string {
	if e.Kind != domain.KindInternal {
		return e.Message
	}
	if h.production || e.Cause == nil {
		return genericInternalMessage
	}
	return e.Cause.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
