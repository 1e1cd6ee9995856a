// Package csrf binds an anti-forgery token to each session and checks it on
// state-changing requests.
//
// The token is stored server-side, keyed by session id, and echoed to the
// browser in the X-CSRF-Token response header. The browser sends it back in
// the same header; cross-origin pages cannot read or set it.
package csrf

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kserw/forceauth-sub002/internal/util"
	"github.com/kserw/forceauth-sub002/storage"
)

const (
	// DefaultHeaderName carries the token in both directions.
	DefaultHeaderName = "X-CSRF-Token"
	// DefaultTTL matches the default session lifetime.
	DefaultTTL = 2 * time.Hour

	defaultTimeout = 2 * time.Second
	tokenBytes     = 32
)

// DefaultExemptPaths never require a token.
var DefaultExemptPaths = []string{"/auth/callback", "/health"}

var (
	// ErrCSRF is the parent of every rejection.
	ErrCSRF = errors.New("csrf check failed")
	// ErrMissingToken means the request carried no token.
	ErrMissingToken = fmt.Errorf("%w: missing token", ErrCSRF)
	// ErrInvalidToken means the token did not match, or no binding exists.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrCSRF)
)

// Options configures a Guard.
type Options struct {
	HeaderName  string
	ExemptPaths []string
	// TTL is how long a binding lives; set it to the session lifetime.
	TTL time.Duration
	// Timeout bounds each store call.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnReject, when set, is called before the middleware writes a 403.
	OnReject func(r *http.Request, err error)
}

// Guard issues and validates per-session CSRF tokens.
type Guard struct {
	store    storage.BindingStore
	header   string
	exempt   map[string]struct{}
	ttl      time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	onReject func(r *http.Request, err error)
}

// New returns a Guard that keeps bindings in store.
func New(store storage.BindingStore, opts Options) *Guard {
	g := &Guard{
		store:    store,
		header:   opts.HeaderName,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		onReject: opts.OnReject,
	}
	if g.header == "" {
		g.header = DefaultHeaderName
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "csrf")

	paths := opts.ExemptPaths
	if paths == nil {
		paths = DefaultExemptPaths
	}
	g.exempt = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		g.exempt[p] = struct{}{}
	}
	return g
}

// HeaderName returns the request and response header carrying the token.
func (g *Guard) HeaderName() string { return g.header }

// Issue creates a new token for sessionID, replacing any previous one.
func (g *Guard) Issue(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("csrf: empty session id")
	}
	token, err := util.RandomToken(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating csrf token: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.PutBinding(ctx, sessionID, token, g.ttl); err != nil {
		return "", fmt.Errorf("storing csrf token: %w", err)
	}
	return token, nil
}

// Token returns the live token bound to sessionID.
func (g *Guard) Token(ctx context.Context, sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.store.GetBinding(ctx, sessionID)
}

// Validate compares the request header with the stored token in constant
// time. A store failure is treated as a mismatch.
func (g *Guard) Validate(ctx context.Context, r *http.Request, sessionID string) error {
	_, err := g.validate(ctx, r, sessionID)
	return err
}

func (g *Guard) validate(ctx context.Context, r *http.Request, sessionID string) (string, error) {
	got := r.Header.Get(g.header)
	if got == "" {
		return "", ErrMissingToken
	}
	want, err := g.Token(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			g.logger.Error("csrf binding lookup failed", "session_id", sessionID, "error", err)
		}
		return "", ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return "", ErrInvalidToken
	}
	return want, nil
}

// Extend restarts the TTL of the binding for sessionID, issuing a new token
// if none is live. It is called when a session is rotated.
func (g *Guard) Extend(ctx context.Context, sessionID string) (string, error) {
	token, err := g.Token(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return g.Issue(ctx, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("loading csrf token: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.PutBinding(ctx, sessionID, token, g.ttl); err != nil {
		return "", fmt.Errorf("storing csrf token: %w", err)
	}
	return token, nil
}

// Revoke deletes the binding for sessionID.
func (g *Guard) Revoke(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.DeleteBinding(ctx, sessionID); err != nil {
		return fmt.Errorf("revoking csrf token: %w", err)
	}
	return nil
}

// OnReject adds fn to the hooks run before the middleware writes a 403.
// It must be called before the guard serves requests.
func (g *Guard) OnReject(fn func(r *http.Request, err error)) {
	prev := g.onReject
	if prev == nil {
		g.onReject = fn
		return
	}
	g.onReject = func(r *http.Request, err error) {
		prev(r, err)
		fn(r, err)
	}
}

// Exempt reports whether path skips validation.
func (g *Guard) Exempt(path string) bool {
	_, ok := g.exempt[path]
	return ok
}
