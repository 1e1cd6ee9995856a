package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/kserw/forceauth-sub002/session"
)

type contextKey int

const sessionKey contextKey = iota

// loadSession decodes the session cookie once per request and stores the
// result on the context. An undecodable cookie is treated as no session.
func (a *API) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.sessions == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, ok := a.sessions.FromRequest(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, d)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSession rejects requests without a valid session.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SessionFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) sessionID(r *http.Request) (string, bool) {
	d, ok := SessionFromContext(r.Context())
	if !ok {
		return "", false
	}
	return d.ID, true
}

// SessionFromContext returns the decoded session for the current request.
func SessionFromContext(ctx context.Context) (session.Data, bool) {
	d, ok := ctx.Value(sessionKey).(session.Data)
	return d, ok
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
