package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/friendsmarket/market-engine/internal/market"
)

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrMarketState),
		errors.Is(err, market.ErrPriceLock),
		errors.Is(err, market.ErrSolvency):
		return http.StatusConflict
	case errors.Is(err, market.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, market.ErrBetWindow):
		return http.StatusTooManyRequests
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError reports an engine failure. Internal and numerical
// errors are logged and hidden from the caller.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "reason", market.Reason(err), "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "reason": market.Reason(err)})
}
