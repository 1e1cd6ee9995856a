package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/kserw/forceauth-sub002/internal/uuid"
	"github.com/kserw/forceauth-sub002/oauthflow"
	"github.com/kserw/forceauth-sub002/session"
)

const maxAuthBodySize = 16 << 10

// authErrorCode limits provider-supplied error codes echoed into redirects.
var authErrorCode = regexp.MustCompile(`^[a-z_]{1,64}$`)

func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return v, false
	}
	return v, true
}

// Login handles POST /auth/login and returns the provider URL as JSON.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	authURL, ok := a.startLogin(w, r, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{AuthURL: authURL})
}

// LoginRedirect handles GET /auth/login and redirects to the provider.
func (a *API) LoginRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	popup, _ := strconv.ParseBool(q.Get("popup"))
	authURL, ok := a.startLogin(w, r, LoginRequest{
		ClientID:     q.Get("clientId"),
		RedirectURI:  q.Get("redirectUri"),
		Environment:  q.Get("environment"),
		ReturnURL:    q.Get("returnUrl"),
		Popup:        popup,
		CredentialID: q.Get("credentialId"),
	})
	if !ok {
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *API) startLogin(w http.ResponseWriter, r *http.Request, req LoginRequest) (string, bool) {
	res, err := a.oauth.AuthURL(r.Context(), oauthflow.AuthRequest{
		Environment:  req.Environment,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		ReturnURL:    req.ReturnURL,
		Popup:        req.Popup,
		CredentialID: req.CredentialID,
	})
	if err != nil {
		a.metrics.add(r.Context(), a.metrics.logins, resultAttr("rejected"))
		a.mapError(w, r, err)
		return "", false
	}
	a.metrics.add(r.Context(), a.metrics.logins, resultAttr("started"))
	a.audit.log(AuditLoginStarted, r,
		slog.String("client_id", req.ClientID),
		slog.String("environment", req.Environment),
		slog.Bool("popup", req.Popup),
	)
	return res.AuthURL, true
}

// Callback handles GET /auth/callback. Every failure sends the browser back
// to the application root with an auth_error code; the login must restart.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if provErr := q.Get("error"); provErr != "" {
		code := provErr
		if !authErrorCode.MatchString(code) {
			code = "access_denied"
		}
		a.audit.logFailure(AuditLoginFailure, r, "provider returned error", slog.String("error_code", code))
		a.failCallback(w, r, code)
		return
	}

	st, err := a.oauth.States().Verify(q.Get("state"))
	if err != nil {
		code := "invalid_state"
		if errors.Is(err, oauthflow.ErrExpiredState) {
			code = "expired_state"
		}
		a.audit.logFailure(AuditStateRejected, r, err.Error())
		a.failCallback(w, r, code)
		return
	}

	fresh, err := a.consumeNonce(r.Context(), st.Nonce)
	if err != nil {
		a.logger.Error("nonce ledger unavailable", "error", err)
		a.audit.logFailure(AuditStateRejected, r, "nonce ledger unavailable")
		a.failCallback(w, r, "server_error")
		return
	}
	if !fresh {
		a.audit.logFailure(AuditStateRejected, r, "state replayed")
		a.failCallback(w, r, "invalid_state")
		return
	}

	code := q.Get("code")
	if code == "" {
		a.audit.logFailure(AuditLoginFailure, r, "missing authorization code")
		a.failCallback(w, r, "invalid_request")
		return
	}

	env, _ := oauthflow.ParseEnvironment(st.Environment)
	tokens, err := a.oauth.ExchangeCode(r.Context(), code, st.CodeVerifier, st.ClientID, st.RedirectURI, env)
	if err != nil {
		a.logger.Warn("code exchange failed", "error", err, "client_id", st.ClientID)
		a.audit.logFailure(AuditLoginFailure, r, "code exchange failed", slog.String("client_id", st.ClientID))
		a.failCallback(w, r, exchangeErrorCode(err))
		return
	}

	d := session.Data{
		ID:           uuid.New(),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		InstanceURL:  tokens.InstanceURL,
		ClientID:     st.ClientID,
		Environment:  string(env),
		IssuedAt:     tokens.IssuedAt,
		Identity:     tokens.Identity,
	}
	ck, err := a.sessions.Cookie(d)
	if err != nil {
		a.logger.Error("encoding session failed", "error", err)
		a.failCallback(w, r, "server_error")
		return
	}
	csrfToken, err := a.csrf.Issue(r.Context(), d.ID)
	if err != nil {
		a.logger.Error("issuing csrf token failed", "error", err)
		a.failCallback(w, r, "server_error")
		return
	}

	a.metrics.add(r.Context(), a.metrics.callbacks, resultAttr("success"))
	a.audit.logEvent(AuditLoginSuccess, r, d.ID,
		slog.String("client_id", d.ClientID),
		slog.String("environment", d.Environment),
	)

	target := st.ReturnURL
	if st.Popup {
		target = a.popupPath
	}
	w = a.csrf.AttachToken(w, csrfToken)
	http.SetCookie(w, ck)
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) consumeNonce(ctx context.Context, nonce string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storageTimeout)
	defer cancel()
	return a.ledger.Consume(ctx, nonce, a.oauth.States().TTL()+nonceGrace)
}

func (a *API) failCallback(w http.ResponseWriter, r *http.Request, code string) {
	a.metrics.add(r.Context(), a.metrics.callbacks, resultAttr(code))
	http.Redirect(w, r, "/?auth_error="+url.QueryEscape(code), http.StatusFound)
}

func exchangeErrorCode(err error) string {
	var xe *oauthflow.TokenExchangeError
	if errors.As(err, &xe) && authErrorCode.MatchString(xe.ErrorCode) {
		return xe.ErrorCode
	}
	return "server_error"
}

// Refresh handles POST /auth/refresh.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	d, ok := SessionFromContext(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "authentication_required", "no session; please authenticate")
		return
	}

	updated, err := a.refresher.Refresh(r.Context(), d)
	if err != nil {
		a.metrics.add(r.Context(), a.metrics.refreshes, resultAttr("failure"))
		a.audit.logEvent(AuditRefreshFailure, r, d.ID, slog.String("reason", err.Error()))
		var aerr *oauthflow.AuthenticationError
		if errors.As(err, &aerr) {
			// The session is over; its CSRF binding goes with it.
			if rerr := a.csrf.Revoke(r.Context(), d.ID); rerr != nil {
				a.logger.Warn("revoking csrf binding failed", "session_id", d.ID, "error", rerr)
			}
			http.SetCookie(w, a.sessions.ClearCookie())
		}
		a.mapError(w, r, err)
		return
	}

	ck, err := a.sessions.Cookie(updated)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	csrfToken, err := a.csrf.Extend(r.Context(), updated.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.metrics.add(r.Context(), a.metrics.refreshes, resultAttr("success"))
	a.audit.logEvent(AuditTokenRefreshed, r, updated.ID)

	w = a.csrf.AttachToken(w, csrfToken)
	http.SetCookie(w, ck)
	writeJSON(w, http.StatusOK, RefreshResponse{
		InstanceURL: updated.InstanceURL,
		IssuedAt:    updated.IssuedAt,
	})
}

// Logout handles POST /auth/logout. It succeeds with or without a session.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if d, ok := SessionFromContext(r.Context()); ok {
		if err := a.csrf.Revoke(r.Context(), d.ID); err != nil {
			a.logger.Warn("revoking csrf binding failed", "session_id", d.ID, "error", err)
		}
		a.audit.logEvent(AuditLogout, r, d.ID)
	}
	http.SetCookie(w, a.sessions.ClearCookie())
	writeJSON(w, http.StatusOK, LogoutResponse{Status: "logged_out"})
}

// Session handles GET /auth/session and returns the token-free summary.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	d, ok := SessionFromContext(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "authentication_required", "no session; please authenticate")
		return
	}
	writeJSON(w, http.StatusOK, a.sessions.Summarize(d))
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (a *API) onCSRFReject(r *http.Request, err error) {
	sid, _ := a.sessionID(r)
	a.metrics.add(r.Context(), a.metrics.csrfRejected)
	a.audit.logFailure(AuditCSRFRejected, r, err.Error(),
		slog.String("session_id", sid),
		slog.String("path", r.URL.Path),
	)
}
