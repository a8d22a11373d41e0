// Package httpapi is the thin, out-of-core REST + WebSocket presentation
// layer (spec §6): it translates the apperrors taxonomy into the
// {error:{code,message,request_id}} envelope, gates every session/agent
// mutation through internal/quota, and relays internal/events.Bus rooms
// onto WebSocket connections. Grounded on internal/app/httpapi/auth.go's
// claim-extraction shape and cmd/gateway's gorilla/mux wiring style.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
)

// errorBody is the wire shape of spec §6's error envelope.
type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// codeAndStatus maps an apperrors taxonomy error onto spec §6's symbolic
// code and the HTTP status it rides on.
func codeAndStatus(err error) (code string, status int) {
	switch {
	case apperrors.IsNotFound(err):
		return "SESSION_NOT_FOUND", http.StatusNotFound
	case apperrors.IsInvalidTransition(err):
		return "INVALID_TRANSITION", http.StatusBadRequest
	case apperrors.IsInvalidState(err):
		return "INVALID_TRANSITION", http.StatusBadRequest
	case apperrors.IsValidation(err):
		return "VALIDATION_FAILED", http.StatusBadRequest
	case apperrors.IsForbidden(err):
		return "FORBIDDEN", http.StatusForbidden
	case apperrors.IsQuotaExceeded(err):
		return "QUOTA_EXCEEDED", http.StatusTooManyRequests
	case apperrors.IsRateLimited(err):
		return "RATE_LIMITED", http.StatusTooManyRequests
	case apperrors.IsConflict(err):
		return "CONFLICT", http.StatusConflict
	case apperrors.IsUpstreamUnavailable(err):
		return "UPSTREAM_UNAVAILABLE", http.StatusBadGateway
	case apperrors.IsTimeout(err):
		return "UPSTREAM_UNAVAILABLE", http.StatusGatewayTimeout
	case errors.Is(err, apperrors.ErrNoAgentAvailable):
		return "AGENT_UNAVAILABLE", http.StatusServiceUnavailable
	default:
		return "INTERNAL_ERROR", http.StatusInternalServerError
	}
}

// writeError renders err as spec §6's envelope, tagged with the
// request id carried on r's context by the requestID middleware.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := codeAndStatus(err)
	writeJSON(w, status, errorBody{Error: errorPayload{
		Code:      code,
		Message:   err.Error(),
		RequestID: requestIDFromContext(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
