package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kserw/forceauth-sub002/csrf"
	"github.com/kserw/forceauth-sub002/oauthflow"
	"github.com/kserw/forceauth-sub002/ratelimit"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

// mapError translates a domain error into an HTTP response. Provider
// details never reach the client; they are logged instead.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *oauthflow.ValidationError
		aerr *oauthflow.AuthenticationError
		rerr *ratelimit.Error
		uerr *oauthflow.UpstreamError
		xerr *oauthflow.TokenExchangeError
	)
	switch {
	case errors.As(err, &verr):
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", verr.Error())
	case errors.As(err, &aerr):
		writeErrorMessage(w, http.StatusUnauthorized, "authentication_required", aerr.Reason)
	case errors.Is(err, oauthflow.ErrExpiredState):
		writeErrorMessage(w, http.StatusBadRequest, "expired_state", "login took too long; start again")
	case errors.Is(err, oauthflow.ErrStateIntegrity):
		writeErrorMessage(w, http.StatusBadRequest, "invalid_state", "login state rejected; start again")
	case errors.Is(err, csrf.ErrMissingToken):
		writeError(w, http.StatusForbidden, "csrf_token_missing")
	case errors.Is(err, csrf.ErrCSRF):
		writeError(w, http.StatusForbidden, "csrf_token_invalid")
	case errors.As(err, &rerr):
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(rerr.RetryAfter)))
		writeErrorMessage(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests; try again later")
	case errors.As(err, &uerr), errors.As(err, &xerr):
		a.logger.LogAttrs(r.Context(), slog.LevelWarn, "identity provider call failed", slog.String("error", err.Error()))
		writeErrorMessage(w, http.StatusBadGateway, "upstream_error", "identity provider unavailable")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		a.logger.LogAttrs(r.Context(), slog.LevelError, "unexpected error",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
