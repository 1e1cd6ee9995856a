package oauthflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kserw/forceauth-sub002/session"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStates(t *testing.T, now *time.Time) *StateCodec {
	t.Helper()
	c, err := NewStateCodec(bytes.Repeat([]byte{7}, 32), 0)
	require.NoError(t, err)
	c.now = func() time.Time { return *now }
	return c
}

// fakeProvider is a token endpoint that records the forms it receives.
type fakeProvider struct {
	srv     *httptest.Server
	calls   atomic.Int32
	mu      sync.Mutex
	forms   []url.Values
	handler func(w http.ResponseWriter, form url.Values)
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		assert.NoError(t, r.ParseForm())
		p.mu.Lock()
		p.forms = append(p.forms, r.PostForm)
		h := p.handler
		p.mu.Unlock()
		h(w, r.PostForm)
	})
	p.srv = httptest.NewServer(mux)
	p.handler = func(w http.ResponseWriter, _ url.Values) {
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"instance_url":  "https://na1.example.com",
			"id":            p.srv.URL + "/id/00Dorg/005user",
			"issued_at":     "1772366400000",
			"token_type":    "Bearer",
		})
	}
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) setHandler(h func(w http.ResponseWriter, form url.Values)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *fakeProvider) lastForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forms[len(p.forms)-1]
}

func writeTokenJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, p *fakeProvider, now *time.Time, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{Timeout: 2 * time.Second}
	if p != nil {
		cfg.ProductionURL = p.srv.URL
		cfg.SandboxURL = p.srv.URL
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg, newTestStates(t, now))
	c.now = func() time.Time { return *now }
	return c
}

func TestPKCEChallenge(t *testing.T) {
	p, err := NewPKCEChallenge()
	require.NoError(t, err)

	assert.Len(t, p.Verifier, 86)
	assert.Equal(t, MethodS256, p.Method)
	sum := sha256.Sum256([]byte(p.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), p.Challenge)

	q, err := NewPKCEChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, p.Verifier, q.Verifier)
}

func sampleState() FlowState {
	return FlowState{
		Environment:  "sandbox",
		ClientID:     "C1",
		RedirectURI:  "https://app.example.com/cb",
		ReturnURL:    "/dashboard",
		Nonce:        "nonce-1",
		CodeVerifier: "verifier-1",
		Popup:        true,
		CredentialID: "cred-9",
		IssuedAt:     testNow,
	}
}

func TestStateRoundTrip(t *testing.T) {
	now := testNow
	c := newTestStates(t, &now)

	token, err := c.Sign(sampleState())
	require.NoError(t, err)

	got, err := c.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)
}

func TestStateExpiry(t *testing.T) {
	now := testNow
	c := newTestStates(t, &now)
	token, err := c.Sign(sampleState())
	require.NoError(t, err)

	now = testNow.Add(5 * time.Minute)
	_, err = c.Verify(token)
	require.NoError(t, err)

	now = testNow.Add(11 * time.Minute)
	_, err = c.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredState)
	assert.ErrorIs(t, err, ErrStateIntegrity)
}

func TestStateFutureDated(t *testing.T) {
	now := testNow
	c := newTestStates(t, &now)
	s := sampleState()

	s.IssuedAt = testNow.Add(30 * time.Second)
	token, err := c.Sign(s)
	require.NoError(t, err)
	_, err = c.Verify(token)
	assert.NoError(t, err, "small skew tolerated")

	s.IssuedAt = testNow.Add(5 * time.Minute)
	token, err = c.Sign(s)
	require.NoError(t, err)
	_, err = c.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStateTamper(t *testing.T) {
	now := testNow
	c := newTestStates(t, &now)
	token, err := c.Sign(sampleState())
	require.NoError(t, err)
	payload, mac, _ := strings.Cut(token, ".")

	forged := sampleState()
	forged.ReturnURL = "/admin"
	forgedJSON, err := json.Marshal(forged)
	require.NoError(t, err)

	other, err := NewStateCodec(bytes.Repeat([]byte{8}, 32), 0)
	require.NoError(t, err)
	otherToken, err := other.Sign(sampleState())
	require.NoError(t, err)

	cases := map[string]string{
		"empty":           "",
		"no separator":    payload,
		"extra separator": token + ".x",
		"bad payload b64": "!!!" + "." + mac,
		"bad mac b64":     payload + ".!!!",
		"swapped payload": base64.RawURLEncoding.EncodeToString(forgedJSON) + "." + mac,
		"truncated mac":   payload + "." + mac[:len(mac)-2],
		"other key":       otherToken,
		"oversized":       strings.Repeat("a", maxStateLen+1),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}
}

func TestStateRequiresFields(t *testing.T) {
	now := testNow
	c := newTestStates(t, &now)
	s := sampleState()
	s.CodeVerifier = ""
	token, err := c.Sign(s)
	require.NoError(t, err)
	_, err = c.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestNewStateCodecShortKey(t *testing.T) {
	_, err := NewStateCodec([]byte("short"), time.Minute)
	assert.Error(t, err)
}

func TestAuthURL(t *testing.T) {
	now := testNow
	c := newTestClient(t, nil, &now, nil)

	res, err := c.AuthURL(context.Background(), AuthRequest{
		ClientID:    "C1",
		RedirectURI: "https://app.example.com/auth/callback",
		ReturnURL:   "/reports?tab=1",
	})
	require.NoError(t, err)

	u, err := url.Parse(res.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "login.salesforce.com", u.Host)
	assert.Equal(t, "/services/oauth2/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "C1", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "api refresh_token id", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, res.State, q.Get("state"))
	assert.Empty(t, q.Get("client_secret"))

	st, err := c.States().Verify(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "production", st.Environment)
	assert.Equal(t, "C1", st.ClientID)
	assert.Equal(t, "https://app.example.com/auth/callback", st.RedirectURI)
	assert.Equal(t, "/reports?tab=1", st.ReturnURL)
	assert.Len(t, st.CodeVerifier, 86)
	sum := sha256.Sum256([]byte(st.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
	assert.NotEmpty(t, st.Nonce)
}

func TestAuthURLSandbox(t *testing.T) {
	now := testNow
	c := newTestClient(t, nil, &now, nil)
	res, err := c.AuthURL(context.Background(), AuthRequest{
		ClientID:    "C1",
		RedirectURI: "https://app.example.com/cb",
		Environment: "sandbox",
		Popup:       true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.AuthURL, DefaultSandboxURL+authorizePath))

	st, err := c.States().Verify(res.State)
	require.NoError(t, err)
	assert.True(t, st.Popup)
	assert.Equal(t, "/", st.ReturnURL)
}

func TestAuthURLValidation(t *testing.T) {
	now := testNow
	c := newTestClient(t, nil, &now, func(cfg *Config) {
		cfg.AllowedRedirectURIs = []string{"https://app.example.com/cb"}
	})

	cases := []struct {
		name  string
		req   AuthRequest
		field string
	}{
		{"missing client id", AuthRequest{RedirectURI: "https://app.example.com/cb"}, "clientId"},
		{"missing redirect", AuthRequest{ClientID: "C1"}, "redirectUri"},
		{"bad environment", AuthRequest{ClientID: "C1", RedirectURI: "https://app.example.com/cb", Environment: "staging"}, "environment"},
		{"redirect not allowed", AuthRequest{ClientID: "C1", RedirectURI: "https://evil.example.com/cb"}, "redirectUri"},
		{"relative redirect", AuthRequest{ClientID: "C1", RedirectURI: "/cb"}, "redirectUri"},
		{"external return", AuthRequest{ClientID: "C1", RedirectURI: "https://app.example.com/cb", ReturnURL: "https://evil.example.com"}, "returnUrl"},
		{"protocol relative return", AuthRequest{ClientID: "C1", RedirectURI: "https://app.example.com/cb", ReturnURL: "//evil.example.com"}, "returnUrl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.AuthURL(context.Background(), tc.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestExchangeCode(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	c := newTestClient(t, p, &now, nil)

	tok, err := c.ExchangeCode(context.Background(), "code-1", "verifier-1", "C1", "https://app.example.com/cb", Production)
	require.NoError(t, err)

	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, "https://na1.example.com", tok.InstanceURL)
	assert.Equal(t, time.UnixMilli(1772366400000).UTC(), tok.IssuedAt)
	require.NotNil(t, tok.Identity)
	assert.Equal(t, "00Dorg", tok.Identity.OrgID)
	assert.Equal(t, "005user", tok.Identity.UserID)

	form := p.lastForm()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, "verifier-1", form.Get("code_verifier"))
	assert.Equal(t, "C1", form.Get("client_id"))
	assert.Equal(t, "https://app.example.com/cb", form.Get("redirect_uri"))
	_, hasSecret := form["client_secret"]
	assert.False(t, hasSecret)
}

func TestExchangeCodeProviderError(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	p.setHandler(func(w http.ResponseWriter, _ url.Values) {
		writeTokenJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "expired authorization code",
		})
	})
	c := newTestClient(t, p, &now, nil)

	_, err := c.ExchangeCode(context.Background(), "code-1", "v", "C1", "https://app.example.com/cb", Production)
	var xe *TokenExchangeError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, http.StatusBadRequest, xe.StatusCode)
	assert.Equal(t, "invalid_grant", xe.ErrorCode)
	assert.Equal(t, "expired authorization code", xe.Description)
}

func TestExchangeCodeTransportFailure(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	c := newTestClient(t, p, &now, nil)
	p.srv.Close()

	_, err := c.ExchangeCode(context.Background(), "code-1", "v", "C1", "https://app.example.com/cb", Production)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Retryable)
}

func TestExchangeCodeTimeout(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	release := make(chan struct{})
	p.setHandler(func(w http.ResponseWriter, _ url.Values) {
		<-release
	})
	defer close(release)
	c := newTestClient(t, p, &now, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	_, err := c.ExchangeCode(context.Background(), "code-1", "v", "C1", "https://app.example.com/cb", Production)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Retryable)
}

func sessionData() session.Data {
	return session.Data{
		ID:           "sess-1",
		AccessToken:  "old-access",
		RefreshToken: "refresh-0",
		InstanceURL:  "https://old.example.com",
		ClientID:     "C1",
		Environment:  "production",
		IssuedAt:     testNow.Add(-time.Hour),
	}
}

func TestRefreshWithoutClientID(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	r := NewRefresher(newTestClient(t, p, &now, nil))

	d := sessionData()
	d.ClientID = ""
	_, err := r.Refresh(context.Background(), d)

	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "missing client id; please re-authenticate", ae.Reason)
	assert.Equal(t, int32(0), p.calls.Load(), "no network call")
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	r := NewRefresher(newTestClient(t, p, &now, nil))

	d := sessionData()
	d.RefreshToken = ""
	_, err := r.Refresh(context.Background(), d)

	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "missing refresh token; please re-authenticate", ae.Reason)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestRefreshPreservesRefreshToken(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	p.setHandler(func(w http.ResponseWriter, _ url.Values) {
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-2",
			"instance_url": "https://na2.example.com",
			"token_type":   "Bearer",
		})
	})
	r := NewRefresher(newTestClient(t, p, &now, nil))

	got, err := r.Refresh(context.Background(), sessionData())
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Equal(t, "refresh-0", got.RefreshToken)
	assert.Equal(t, "https://na2.example.com", got.InstanceURL)
	assert.Equal(t, testNow, got.IssuedAt)
	assert.Equal(t, "sess-1", got.ID)

	form := p.lastForm()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "refresh-0", form.Get("refresh_token"))
	assert.Equal(t, "C1", form.Get("client_id"))
	_, hasSecret := form["client_secret"]
	assert.False(t, hasSecret)
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	r := NewRefresher(newTestClient(t, p, &now, nil))

	got, err := r.Refresh(context.Background(), sessionData())
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	require.NotNil(t, got.Identity)
	assert.Equal(t, "005user", got.Identity.UserID)
}

func TestRefreshFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
		auth   bool
	}{
		{"invalid grant", http.StatusBadRequest, "invalid_grant", true},
		{"unauthorized", http.StatusUnauthorized, "invalid_client", true},
		{"server error", http.StatusInternalServerError, "server_error", false},
		{"unavailable", http.StatusServiceUnavailable, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := testNow
			p := newFakeProvider(t)
			p.setHandler(func(w http.ResponseWriter, _ url.Values) {
				body := map[string]any{}
				if tc.code != "" {
					body["error"] = tc.code
				}
				writeTokenJSON(w, tc.status, body)
			})
			r := NewRefresher(newTestClient(t, p, &now, nil))

			_, err := r.Refresh(context.Background(), sessionData())
			require.Error(t, err)
			var ae *AuthenticationError
			var ue *UpstreamError
			if tc.auth {
				assert.True(t, errors.As(err, &ae), "want AuthenticationError, got %v", err)
			} else {
				assert.True(t, errors.As(err, &ue), "want UpstreamError, got %v", err)
			}
		})
	}
}

func TestRefreshCollapsesConcurrentCalls(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	release := make(chan struct{})
	p.setHandler(func(w http.ResponseWriter, _ url.Values) {
		<-release
		writeTokenJSON(w, http.StatusOK, map[string]any{"access_token": "access-3", "token_type": "Bearer"})
	})
	r := NewRefresher(newTestClient(t, p, &now, nil))

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.Refresh(context.Background(), sessionData())
			if err == nil {
				results[i] = d.AccessToken
			}
		}(i)
	}

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	for _, at := range results {
		assert.Equal(t, "access-3", at)
	}
}

func TestRefreshSurvivesFirstCallerCancel(t *testing.T) {
	now := testNow
	p := newFakeProvider(t)
	release := make(chan struct{})
	p.setHandler(func(w http.ResponseWriter, _ url.Values) {
		<-release
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-4",
			"refresh_token": "refresh-rotated",
			"token_type":    "Bearer",
		})
	})
	r := NewRefresher(newTestClient(t, p, &now, nil))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctxA, sessionData())
		errA <- err
	}()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		d   session.Data
		err error
	}
	resB := make(chan result, 1)
	go func() {
		d, err := r.Refresh(context.Background(), sessionData())
		resB <- result{d, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "access-4", b.d.AccessToken)
	assert.Equal(t, "refresh-rotated", b.d.RefreshToken)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestParseIdentityURL(t *testing.T) {
	id := ParseIdentityURL("https://login.salesforce.com/id/00Dorg/005user")
	require.NotNil(t, id)
	assert.Equal(t, "00Dorg", id.OrgID)
	assert.Equal(t, "005user", id.UserID)

	assert.Nil(t, ParseIdentityURL(""))
	assert.Nil(t, ParseIdentityURL("https://login.salesforce.com/id/00Dorg"))
	assert.Nil(t, ParseIdentityURL("https://login.salesforce.com/user/00Dorg/005user"))
}

func TestSanitizeReturnURL(t *testing.T) {
	got, err := SanitizeReturnURL("")
	require.NoError(t, err)
	assert.Equal(t, "/", got)

	got, err = SanitizeReturnURL("/a/b?c=d#e")
	require.NoError(t, err)
	assert.Equal(t, "/a/b?c=d#e", got)

	for _, bad := range []string{"a/b", "//x", "/\\evil", "https://x", "javascript:alert(1)"} {
		_, err := SanitizeReturnURL(bad)
		assert.Error(t, err, bad)
	}
}
