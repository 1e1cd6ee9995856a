package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/kserw/forceauth-sub002/ratelimit"
	"github.com/kserw/forceauth-sub002/storage"
)

// RateLimitOptions configures request governance.
type RateLimitOptions struct {
	// Local budgets are per process. Zero values take the defaults.
	Local ratelimit.LocalConfig
	// SweepInterval drops stale local buckets. Zero selects one window.
	SweepInterval time.Duration
	// TrustedProxies may set forwarding headers.
	TrustedProxies []netip.Prefix

	// Store enables the distributed counter shared by every instance.
	Store          storage.CounterStore
	Limit          int
	AuthLimit      int
	Window         time.Duration
	Timeout        time.Duration
	FailClosedAuth bool
}

const (
	defaultGlobalLimit = 100
	defaultAuthLimit   = 5
	defaultAPILimit    = 30

	globalEndpoint = "global"
)

// authEndpoints get the strict authentication budget.
var authEndpoints = map[string]struct{}{
	"/auth/login":    {},
	"/auth/callback": {},
	"/auth/refresh":  {},
}

type rateLimiter struct {
	local          *ratelimit.Local
	general        *ratelimit.Governor
	auth           *ratelimit.Governor
	trusted        []netip.Prefix
	failClosedAuth bool
	now            func() time.Time
}

func newRateLimiter(opts RateLimitOptions, logger *slog.Logger, m *instruments) *rateLimiter {
	local := opts.Local
	if local.Window <= 0 {
		local.Window = time.Minute
	}
	if local.GlobalLimit == 0 {
		local.GlobalLimit = defaultGlobalLimit
	}
	if local.AuthLimit == 0 {
		local.AuthLimit = defaultAuthLimit
	}
	if local.APILimit == 0 {
		local.APILimit = defaultAPILimit
	}

	rl := &rateLimiter{
		local:          ratelimit.NewLocal(local),
		trusted:        opts.TrustedProxies,
		failClosedAuth: opts.FailClosedAuth,
		now:            time.Now,
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = local.Window
	}
	rl.local.StartSweeper(sweep)

	if opts.Store != nil {
		onFailOpen := func(endpoint string, _ error) {
			m.add(context.Background(), m.rateLimitFailOpen, endpointAttr(endpoint))
		}
		rl.general = ratelimit.NewGovernor(opts.Store, ratelimit.GovernorConfig{
			Limit:      opts.Limit,
			Window:     opts.Window,
			Timeout:    opts.Timeout,
			Logger:     logger,
			OnFailOpen: onFailOpen,
		})
		rl.auth = ratelimit.NewGovernor(opts.Store, ratelimit.GovernorConfig{
			Limit:      opts.AuthLimit,
			Window:     opts.Window,
			Timeout:    opts.Timeout,
			Logger:     logger,
			OnFailOpen: onFailOpen,
		})
	}
	return rl
}

func (rl *rateLimiter) stop() {
	rl.local.Stop()
}

// decide applies every budget that covers the request and returns the most
// restrictive outcome.
func (rl *rateLimiter) decide(ctx context.Context, r *http.Request, sessionID string) (ratelimit.Decision, string) {
	key := ratelimit.ClientKey(r, sessionID, rl.trusted)
	path := r.URL.Path

	decisions := []ratelimit.Decision{rl.local.Global.Allow(key)}
	if rl.general != nil {
		decisions = append(decisions, rl.general.Check(ctx, key, globalEndpoint))
	}
	if _, ok := authEndpoints[path]; ok {
		decisions = append(decisions, rl.local.Auth.Allow(key))
		if rl.auth != nil {
			d := rl.auth.Check(ctx, key, path)
			if d.Degraded && rl.failClosedAuth {
				d.Allowed = false
				d.Remaining = 0
			}
			decisions = append(decisions, d)
		}
	}
	if sessionID != "" && strings.HasPrefix(path, "/api/") {
		decisions = append(decisions, rl.local.API.Allow(key))
	}
	return ratelimit.MostRestrictive(decisions...), key
}

// skipRateLimit exempts liveness probes and static documentation.
func skipRateLimit(path string) bool {
	return path == "/health" || path == "/openapi.yaml" || strings.HasPrefix(path, "/docs")
}

// rateLimit rejects requests over budget with 429 and annotates the rest
// with X-RateLimit-* headers.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limits == nil || skipRateLimit(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		sid, _ := a.sessionID(r)
		d, key := a.limits.decide(r.Context(), r, sid)
		if !d.Allowed {
			a.audit.logFailure(AuditRateLimited, r, "rate limit exceeded",
				slog.String("client_key", key),
				slog.String("path", r.URL.Path),
				slog.Bool("degraded", d.Degraded),
			)
			a.metrics.add(r.Context(), a.metrics.rateLimitRejected, endpointAttr(r.URL.Path))
			ratelimit.WriteRejected(w, d, a.limits.now())
			return
		}
		ratelimit.WriteHeaders(w, d)
		next.ServeHTTP(w, r)
	})
}
