package cmd

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/kserw/forceauth-sub002/api"
	"github.com/kserw/forceauth-sub002/config"
	"github.com/kserw/forceauth-sub002/csrf"
	"github.com/kserw/forceauth-sub002/internal/util"
	"github.com/kserw/forceauth-sub002/keyring"
	"github.com/kserw/forceauth-sub002/oauthflow"
	"github.com/kserw/forceauth-sub002/ratelimit"
	"github.com/kserw/forceauth-sub002/session"
	"github.com/kserw/forceauth-sub002/storage"
)

var (
	configPath string
	port       int
	backend    string
	devMode    bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the login and session service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, flagOverrides(cmd))
		if err != nil {
			return err
		}
		logger := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		slog.SetDefault(logger)
		return runServer(cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&backend, "storage", "", "Storage backend: memory, bbolt, postgres or valkey")
	serverCmd.Flags().BoolVar(&devMode, "dev", false, "Development mode: plain cookies, console logs, ephemeral secret")
}

// flagOverrides applies only the flags set on the command line so YAML and
// environment values survive otherwise.
func flagOverrides(cmd *cobra.Command) func(*config.Config) {
	return func(c *config.Config) {
		if cmd.Flags().Changed("port") {
			c.Server.Port = port
		}
		if cmd.Flags().Changed("storage") {
			c.Storage.Backend = backend
		}
		if !devMode {
			return
		}
		c.Session.InsecureCookies = true
		c.Log.Format = "console"
		c.Log.Level = "debug"
		if c.Secret == "" && c.SecretFile == "" {
			if secret, err := util.RandomBytes(config.MinSecretLength); err == nil {
				c.Secret = base64.StdEncoding.EncodeToString(secret)
			}
		}
	}
}

func runServer(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	secret, err := cfg.SecretBytes()
	if err != nil {
		return err
	}
	keys, err := keyring.New(secret)
	util.WipeBytes(secret)
	if err != nil {
		return fmt.Errorf("failed to load master secret: %w", err)
	}
	defer keys.Destroy()

	sessionKey, err := keys.Derive(keyring.PurposeSession)
	if err != nil {
		return err
	}
	stateKey, err := keys.Derive(keyring.PurposeState)
	if err != nil {
		return err
	}

	store, pr, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if pr != nil {
		go runPruner(ctx, pr, 5*time.Minute, cfg.Storage.Timeout, logger)
	}

	states, err := oauthflow.NewStateCodec(stateKey, cfg.State.TTL)
	if err != nil {
		return err
	}
	client := oauthflow.NewClient(oauthflow.Config{
		ProductionURL:       cfg.Provider.ProductionURL,
		SandboxURL:          cfg.Provider.SandboxURL,
		Scopes:              cfg.Provider.Scopes,
		AllowedRedirectURIs: cfg.Provider.AllowedRedirectURIs,
		Timeout:             cfg.Provider.Timeout,
		Logger:              logger,
	}, states)

	sessions, err := session.NewCodec(sessionKey, session.Options{
		CookieName: cfg.Session.CookieName,
		Path:       cfg.Session.Path,
		MaxAge:     cfg.Session.MaxAge,
		Insecure:   !cfg.SecureCookies(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	guard := csrf.New(store, csrf.Options{
		HeaderName:  cfg.CSRF.HeaderName,
		ExemptPaths: cfg.CSRF.ExemptPaths,
		TTL:         cfg.Session.MaxAge,
		Timeout:     cfg.Storage.Timeout,
		Logger:      logger,
	})

	limits, err := rateLimitOptions(cfg.RateLimit, store)
	if err != nil {
		return err
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithRateLimits(limits),
		api.WithPopupCompletePath(cfg.Session.PopupCompletePath),
		api.WithStorageTimeout(cfg.Storage.Timeout),
		api.WithAlertFunc(func(alert api.AlertEvent) {
			logger.Warn("security alert", "type", alert.Type, "count", alert.Count, "threshold", alert.Threshold, "message", alert.Message)
		}),
	}
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader))
	}
	a := api.New(client, sessions, guard, store, opts...)
	defer a.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", a.Router())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	useTLS := cfg.Server.TLSCert != "" && cfg.Server.TLSKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(os.Stdout)
	logger.Info("server started",
		"port", cfg.Server.Port,
		"tls", useTLS,
		"storage", cfg.Storage.Backend,
		"secure_cookies", cfg.SecureCookies(),
	)
	if !cfg.SecureCookies() {
		logger.Warn("session cookies are sent without the Secure attribute")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

// rateLimitOptions maps configuration onto the API's request budgets. The
// distributed counter shares store with the nonce ledger and CSRF bindings.
func rateLimitOptions(cfg config.RateLimitConfig, store storage.CounterStore) (api.RateLimitOptions, error) {
	trusted, err := ratelimit.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return api.RateLimitOptions{}, fmt.Errorf("parse trusted proxies: %w", err)
	}
	opts := api.RateLimitOptions{
		Local: ratelimit.LocalConfig{
			Window:      cfg.Window,
			GlobalLimit: cfg.GlobalLimit,
			AuthLimit:   cfg.AuthLimit,
			APILimit:    cfg.APILimit,
		},
		TrustedProxies: trusted,
	}
	if d := cfg.Distributed; d.Enabled {
		opts.Store = store
		opts.Limit = d.Limit
		opts.AuthLimit = d.AuthLimit
		opts.Window = d.Window
		opts.Timeout = d.Timeout
		opts.FailClosedAuth = d.FailClosedAuth
	}
	return opts, nil
}
