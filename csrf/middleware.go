package csrf

import (
	"encoding/json"
	"errors"
	"net/http"
)

// SessionIDFunc returns the id of the authenticated session on r.
type SessionIDFunc func(r *http.Request) (string, bool)

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware validates the token on mutating requests that carry a session.
// Requests without a session are passed through; they cannot act on a
// user's behalf, and handlers that need a session reject them with 401.
// Authenticated responses below 400 carry the current token.
func (g *Guard) Middleware(sessionID SessionIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid, ok := sessionID(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			var token string
			if mutating(r.Method) && !g.Exempt(r.URL.Path) {
				t, err := g.validate(r.Context(), r, sid)
				if err != nil {
					g.reject(w, r, err)
					return
				}
				token = t
			} else if t, err := g.Token(r.Context(), sid); err == nil {
				token = t
			}

			if token != "" {
				w = &tokenWriter{ResponseWriter: w, header: g.header, token: token}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, err error) {
	if g.onReject != nil {
		g.onReject(r, err)
	}
	code := "csrf_token_invalid"
	if errors.Is(err, ErrMissingToken) {
		code = "csrf_token_missing"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// AttachToken returns a writer that adds token to the response when the
// final status is below 400. Handlers that issue a new token mid-request
// (login callback, refresh) use it directly.
func (g *Guard) AttachToken(w http.ResponseWriter, token string) http.ResponseWriter {
	if tw, ok := w.(*tokenWriter); ok {
		tw.token = token
		return tw
	}
	return &tokenWriter{ResponseWriter: w, header: g.header, token: token}
}

type tokenWriter struct {
	http.ResponseWriter
	header      string
	token       string
	wroteHeader bool
}

func (tw *tokenWriter) WriteHeader(status int) {
	if !tw.wroteHeader {
		tw.wroteHeader = true
		if status < http.StatusBadRequest && tw.token != "" {
			tw.ResponseWriter.Header().Set(tw.header, tw.token)
		} else {
			tw.ResponseWriter.Header().Del(tw.header)
		}
	}
	tw.ResponseWriter.WriteHeader(status)
}

func (tw *tokenWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

func (tw *tokenWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}

// Flush passes through to the underlying writer so streaming handlers keep
// working behind the middleware.
func (tw *tokenWriter) Flush() {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	http.NewResponseController(tw.ResponseWriter).Flush()
}
