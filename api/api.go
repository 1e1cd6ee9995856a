// Package api exposes the login, callback, refresh and logout endpoints and
// the middleware chain that protects the rest of the application: security
// headers, session decoding, rate limiting and CSRF validation.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/kserw/forceauth-sub002/csrf"
	"github.com/kserw/forceauth-sub002/oauthflow"
	"github.com/kserw/forceauth-sub002/session"
	"github.com/kserw/forceauth-sub002/storage"
)

const (
	defaultPopupCompletePath = "/auth/popup-complete"
	defaultStorageTimeout    = 2 * time.Second

	// nonceGrace keeps consumed state nonces past the state TTL so a
	// replay can never outlive its ledger entry.
	nonceGrace = 2 * time.Minute
)

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	oauth     *oauthflow.Client
	refresher *oauthflow.Refresher
	sessions  *session.Codec
	csrf      *csrf.Guard
	ledger    storage.NonceLedger
	limits    *rateLimiter
	audit     *auditLogger
	metrics   *instruments
	logger    *slog.Logger

	popupPath      string
	storageTimeout time.Duration
	appHandler     http.Handler
	alertFn        AlertFunc
	meterProvider  metric.MeterProvider
	rateLimitOpts  *RateLimitOptions
	webhookURL     string
	webhookAuth    string
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events and errors.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// rejected state parameters.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithRateLimits replaces the default per-process budgets and optionally
// enables the distributed counter.
func WithRateLimits(opts RateLimitOptions) Option {
	return func(a *API) {
		a.rateLimitOpts = &opts
	}
}

// WithPopupCompletePath sets where popup logins land after the callback.
func WithPopupCompletePath(path string) Option {
	return func(a *API) {
		a.popupPath = path
	}
}

// WithStorageTimeout bounds nonce ledger calls.
func WithStorageTimeout(d time.Duration) Option {
	return func(a *API) {
		a.storageTimeout = d
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. The global
// provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *API) {
		a.meterProvider = mp
	}
}

// WithAppHandler mounts h under /api. Requests reach it only with a valid
// session, which h can read with SessionFromContext.
func WithAppHandler(h http.Handler) Option {
	return func(a *API) {
		a.appHandler = h
	}
}

// WithAuditWebhook forwards audit events to url. authHeader, when set, has
// the form "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// New creates a new API instance. oauth, sessions, guard and ledger are
// required.
func New(oauth *oauthflow.Client, sessions *session.Codec, guard *csrf.Guard, ledger storage.NonceLedger, opts ...Option) *API {
	if oauth == nil || sessions == nil || guard == nil || ledger == nil {
		panic("api: New requires an oauth client, session codec, csrf guard and nonce ledger")
	}
	a := &API{
		oauth:          oauth,
		refresher:      oauthflow.NewRefresher(oauth),
		sessions:       sessions,
		csrf:           guard,
		ledger:         ledger,
		popupPath:      defaultPopupCompletePath,
		storageTimeout: defaultStorageTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	a.audit = newAuditLogger(a.logger)
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}

	m, err := newInstruments(a.meterProvider)
	if err != nil {
		a.logger.Warn("metrics disabled", "error", err)
		m, _ = newInstruments(noop.NewMeterProvider())
	}
	a.metrics = m

	rl := RateLimitOptions{}
	if a.rateLimitOpts != nil {
		rl = *a.rateLimitOpts
	}
	a.limits = newRateLimiter(rl, a.logger, a.metrics)

	guard.OnReject(a.onCSRFReject)
	return a
}

// Close stops background work started by New.
func (a *API) Close() {
	if a.limits != nil {
		a.limits.stop()
	}
	if a.audit != nil && a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}

// Router returns a chi.Router with all routes and the protective middleware
// chain mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.loadSession)
	r.Use(a.rateLimit)
	r.Use(a.csrf.Middleware(a.sessionID))

	r.Get("/health", a.Health)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.LoginRedirect)
		r.Post("/login", a.Login)
		r.Get("/callback", a.Callback)
		r.Post("/refresh", a.Refresh)
		r.Post("/logout", a.Logout)
		r.Get("/session", a.Session)
	})

	if a.appHandler != nil {
		r.With(a.requireSession).Mount("/api", a.appHandler)
	}
	return r
}
