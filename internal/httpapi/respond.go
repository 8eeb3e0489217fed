package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/luna-platform/hub/internal/core"
)

// errorEnvelope is the hub's wire shape for every failure.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the error taxonomy onto HTTP statuses and the envelope.
// Non-HubError values collapse to INTERNAL with no detail leakage.
func writeError(w http.ResponseWriter, err error) {
	var he *core.HubError
	if !errors.As(err, &he) {
		he = core.NewError(core.CodeInternal, "internal error")
	}

	env := errorEnvelope{Timestamp: time.Now().UTC().Format(time.RFC3339)}
	env.Error.Code = string(he.Code)
	env.Error.Message = he.Message
	env.Error.Type = string(he.Category)
	env.Details = he.Details

	writeJSON(w, statusOf(he.Code), env)
}

func statusOf(code core.ErrorCode) int {
	switch code {
	case core.CodeInvalidInput, core.CodeUnknownAction, core.CodeUnknownPack:
		return http.StatusBadRequest
	case core.CodeUnauthenticated, core.CodeInvalidToken, core.CodeExpiredToken:
		return http.StatusUnauthorized
	case core.CodeInsufficientScope, core.CodePurchaseForbidden:
		return http.StatusForbidden
	case core.CodeInsufficientEnergy:
		return http.StatusPaymentRequired
	case core.CodeAlreadyRefunded, core.CodeConcurrencyExhausted:
		return http.StatusConflict
	case core.CodeRefundNotEligible:
		return http.StatusUnprocessableEntity
	case core.CodeRateLimited, core.CodeBlocked:
		return http.StatusTooManyRequests
	case core.CodePaymentProviderError:
		return http.StatusBadGateway
	case core.CodeEventStoreUnavailable, core.CodeCacheUnavailable,
		core.CodeLLMUnavailable, core.CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst with strict field checking.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return core.NewError(core.CodeInvalidInput, "malformed request body").WithCause(err)
	}
	return nil
}
