package csrf

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kserw/forceauth-sub002/storage"
	"github.com/kserw/forceauth-sub002/storage/memory"
)

type failingStore struct{}

func (failingStore) PutBinding(context.Context, string, string, time.Duration) error {
	return errors.New("store down")
}

func (failingStore) GetBinding(context.Context, string) (string, error) {
	return "", errors.New("store down")
}

func (failingStore) DeleteBinding(context.Context, string) error {
	return errors.New("store down")
}

var _ storage.BindingStore = failingStore{}

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	return New(store, Options{})
}

func requestWithToken(method, path, token string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	if token != "" {
		r.Header.Set(DefaultHeaderName, token)
	}
	return r
}

func TestIssueAndValidate(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	token, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, token, 43)

	assert.NoError(t, g.Validate(ctx, requestWithToken(http.MethodPost, "/x", token), "sess-1"))

	err = g.Validate(ctx, requestWithToken(http.MethodPost, "/x", token+"x"), "sess-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, ErrCSRF)

	err = g.Validate(ctx, requestWithToken(http.MethodPost, "/x", ""), "sess-1")
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.ErrorIs(t, err, ErrCSRF)

	err = g.Validate(ctx, requestWithToken(http.MethodPost, "/x", token), "sess-2")
	assert.ErrorIs(t, err, ErrInvalidToken, "token bound to another session")
}

func TestIssueReplacesToken(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	first, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)
	second, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.ErrorIs(t, g.Validate(ctx, requestWithToken(http.MethodPost, "/", first), "sess-1"), ErrInvalidToken)
	assert.NoError(t, g.Validate(ctx, requestWithToken(http.MethodPost, "/", second), "sess-1"))
}

func TestRevoke(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	token, err := g.Issue(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, g.Revoke(ctx, "sess-1"))
	require.NoError(t, g.Revoke(ctx, "sess-1"))

	assert.ErrorIs(t, g.Validate(ctx, requestWithToken(http.MethodPost, "/", token), "sess-1"), ErrInvalidToken)
}

func TestExtend(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	issued, err := g.Extend(ctx, "fresh")
	require.NoError(t, err)
	assert.NotEmpty(t, issued)

	again, err := g.Extend(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, issued, again, "existing token is kept")
}

func TestStoreFailureFailsClosed(t *testing.T) {
	g := New(failingStore{}, Options{})
	err := g.Validate(context.Background(), requestWithToken(http.MethodPost, "/", "anything"), "sess-1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = g.Issue(context.Background(), "sess-1")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	g := newTestGuard(t)
	token, err := g.Issue(context.Background(), "sess-1")
	require.NoError(t, err)

	var rejected, observed []error
	g.onReject = func(_ *http.Request, err error) { rejected = append(rejected, err) }
	g.OnReject(func(_ *http.Request, err error) { observed = append(observed, err) })

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	withSession := func(r *http.Request) (string, bool) {
		if r.Header.Get("X-Test-Session") == "" {
			return "", false
		}
		return "sess-1", true
	}
	h := g.Middleware(withSession)(ok)

	cases := []struct {
		name    string
		method  string
		path    string
		session bool
		token   string
		status  int
	}{
		{"post with correct token", http.MethodPost, "/auth/refresh", true, token, http.StatusOK},
		{"delete with correct token", http.MethodDelete, "/api/x", true, token, http.StatusOK},
		{"post with wrong token", http.MethodPost, "/auth/refresh", true, "nope", http.StatusForbidden},
		{"put without token", http.MethodPut, "/api/x", true, "", http.StatusForbidden},
		{"patch without token", http.MethodPatch, "/api/x", true, "", http.StatusForbidden},
		{"get without token", http.MethodGet, "/auth/session", true, "", http.StatusOK},
		{"exempt callback", http.MethodPost, "/auth/callback", true, "", http.StatusOK},
		{"exempt health", http.MethodPost, "/health", true, "", http.StatusOK},
		{"no session", http.MethodPost, "/auth/logout", false, "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := requestWithToken(tc.method, tc.path, tc.token)
			if tc.session {
				r.Header.Set("X-Test-Session", "1")
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK && tc.session {
				assert.Equal(t, token, w.Header().Get(DefaultHeaderName))
			} else {
				assert.Empty(t, w.Header().Get(DefaultHeaderName))
			}
		})
	}
	assert.Len(t, rejected, 3)
	assert.Equal(t, rejected, observed)
}

func TestMiddlewareRejectionBody(t *testing.T) {
	g := newTestGuard(t)
	_, err := g.Issue(context.Background(), "sess-1")
	require.NoError(t, err)

	h := g.Middleware(func(*http.Request) (string, bool) { return "sess-1", true })(http.NotFoundHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, requestWithToken(http.MethodPost, "/api/x", ""))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"csrf_token_missing"}`, w.Body.String())
}

func TestAttachTokenOnlyOnSuccess(t *testing.T) {
	g := newTestGuard(t)

	w := httptest.NewRecorder()
	tw := g.AttachToken(w, "tok")
	tw.WriteHeader(http.StatusUnauthorized)
	assert.Empty(t, w.Header().Get(DefaultHeaderName))

	w = httptest.NewRecorder()
	tw = g.AttachToken(w, "tok")
	_, _ = tw.Write([]byte("ok"))
	assert.Equal(t, "tok", w.Header().Get(DefaultHeaderName))

	w = httptest.NewRecorder()
	tw = g.AttachToken(g.AttachToken(w, "old"), "new")
	http.Redirect(tw, httptest.NewRequest(http.MethodGet, "/", nil), "/home", http.StatusFound)
	assert.Equal(t, "new", w.Header().Get(DefaultHeaderName))
}

func TestCustomExemptPaths(t *testing.T) {
	g := New(memory.New(), Options{ExemptPaths: []string{"/hooks"}, HeaderName: "X-Token"})
	assert.True(t, g.Exempt("/hooks"))
	assert.False(t, g.Exempt("/auth/callback"))
	assert.Equal(t, "X-Token", g.HeaderName())
}

func TestMiddlewareKeepsFlusher(t *testing.T) {
	g := newTestGuard(t)
	token, err := g.Issue(context.Background(), "sess-1")
	require.NoError(t, err)

	h := g.Middleware(func(*http.Request) (string, bool) { return "sess-1", true })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f, ok := w.(http.Flusher)
			if !assert.True(t, ok, "writer must implement http.Flusher") {
				return
			}
			w.Write([]byte("data: 1\n\n"))
			f.Flush()
		}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.True(t, rec.Flushed)
	assert.Equal(t, token, rec.Header().Get(DefaultHeaderName))
	assert.Equal(t, "data: 1\n\n", rec.Body.String())
}
