package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a service error onto a status code. Unexpected
// errors are logged and reported as a generic 500 with the given message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInstruction):
		writeError(w, http.StatusUnprocessableEntity, instructionReason(err))
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "queue is being modified, retry")
	case errors.Is(err, domain.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, domain.ErrInvalidRange.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusServiceUnavailable, "upstream rate limited, retry later")
	default:
		logger.ErrorContext(r.Context(), "handler: "+msg,
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// instructionReason returns the most specific rejection reason.
func instructionReason(err error) string {
	for _, reason := range []error{
		domain.ErrMissingMarket,
		domain.ErrSameMarket,
		domain.ErrNonPositiveAmount,
		domain.ErrExceedsAvailable,
		domain.ErrAssetMismatch,
	} {
		if errors.Is(err, reason) {
			return reason.Error()
		}
	}
	return domain.ErrInvalidInstruction.Error()
}

// walletParam reads and validates the wallet query parameter.
func walletParam(r *http.Request) (string, error) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		return "", errors.New("wallet query parameter required")
	}
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("wallet %q is not a hex address", wallet)
	}
	return domain.NormalizeWallet(wallet), nil
}

// int64Param parses an optional integer query parameter.
func int64Param(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// unixParam parses an optional unix-seconds query parameter; absent means
// the zero time.
func unixParam(r *http.Request, name string) (time.Time, error) {
	n, err := int64Param(r, name, 0)
	if err != nil || n == 0 {
		return time.Time{}, err
	}
	return time.Unix(n, 0).UTC(), nil
}

// listParam splits a comma-separated query parameter.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, p := range strings.Split(r.URL.Query().Get(name), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
