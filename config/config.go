// Package config builds the single process-wide configuration value. It is
// constructed once at startup and passed by pointer into every component;
// nothing in the service reads configuration from ambient global state.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "FORCEAUTH_"

	// MinSecretLength is the minimum decoded length of the master secret.
	MinSecretLength = 32
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendPostgres = "postgres"
	BackendValkey   = "valkey"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Provider  ProviderConfig  `yaml:"provider"`
	State     StateConfig     `yaml:"state"`
	Session   SessionConfig   `yaml:"session"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Audit     AuditConfig     `yaml:"audit"`

	// SecretFile points at a file holding the base64 master secret. The
	// FORCEAUTH_SECRET environment variable takes precedence.
	SecretFile string `yaml:"secret_file"`
	// Secret is the base64-encoded master secret. Never read from YAML.
	Secret string `yaml:"-" validate:"required"`
}

type ServerConfig struct {
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text console"`
}

// ProviderConfig describes the identity provider's login hosts.
type ProviderConfig struct {
	ProductionURL       string        `yaml:"production_url" validate:"required,url"`
	SandboxURL          string        `yaml:"sandbox_url" validate:"required,url"`
	Scopes              []string      `yaml:"scopes" validate:"min=1"`
	Timeout             time.Duration `yaml:"timeout" validate:"gt=0"`
	AllowedRedirectURIs []string      `yaml:"allowed_redirect_uris" validate:"dive,url"`
}

type StateConfig struct {
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`
}

type SessionConfig struct {
	CookieName        string        `yaml:"cookie_name" validate:"required"`
	Path              string        `yaml:"path" validate:"required,startswith=/"`
	MaxAge            time.Duration `yaml:"max_age" validate:"gt=0"`
	InsecureCookies   bool          `yaml:"insecure_cookies"`
	PopupCompletePath string        `yaml:"popup_complete_path" validate:"required,startswith=/"`
}

type CSRFConfig struct {
	HeaderName  string   `yaml:"header_name" validate:"required"`
	ExemptPaths []string `yaml:"exempt_paths"`
}

type RateLimitConfig struct {
	Window         time.Duration     `yaml:"window" validate:"gt=0"`
	GlobalLimit    int               `yaml:"global_limit" validate:"gt=0"`
	AuthLimit      int               `yaml:"auth_limit" validate:"gt=0"`
	APILimit       int               `yaml:"api_limit" validate:"gt=0"`
	TrustedProxies []string          `yaml:"trusted_proxies" validate:"dive,cidr|ip"`
	Distributed    DistributedConfig `yaml:"distributed"`
}

// DistributedConfig controls the storage-backed window counter.
type DistributedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Limit          int           `yaml:"limit" validate:"gt=0"`
	AuthLimit      int           `yaml:"auth_limit" validate:"gt=0"`
	Window         time.Duration `yaml:"window" validate:"gt=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	FailClosedAuth bool          `yaml:"fail_closed_auth"`
}

type StorageConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=memory bbolt postgres valkey"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	BBoltPath   string        `yaml:"bbolt_path" validate:"required_if=Backend bbolt"`
	PostgresDSN string        `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`
	Valkey      ValkeyConfig  `yaml:"valkey"`
}

type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"min=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AuditConfig forwards audit events to an external collector when
// WebhookURL is set. WebhookAuthHeader has the form "Header: Value".
type AuditConfig struct {
	WebhookURL        string `yaml:"webhook_url" validate:"omitempty,url"`
	WebhookAuthHeader string `yaml:"webhook_auth_header"`
}

// Default returns a configuration populated with production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8443},
		Log:    LogConfig{Level: "info", Format: "json"},
		Provider: ProviderConfig{
			ProductionURL: "https://login.salesforce.com",
			SandboxURL:    "https://test.salesforce.com",
			Scopes:        []string{"api", "refresh_token", "id"},
			Timeout:       10 * time.Second,
		},
		State: StateConfig{TTL: 10 * time.Minute},
		Session: SessionConfig{
			CookieName:        "forceauth_session",
			Path:              "/",
			MaxAge:            2 * time.Hour,
			PopupCompletePath: "/auth/popup-complete",
		},
		CSRF: CSRFConfig{
			HeaderName:  "X-CSRF-Token",
			ExemptPaths: []string{"/auth/callback", "/health"},
		},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			GlobalLimit: 100,
			AuthLimit:   5,
			APILimit:    30,
			Distributed: DistributedConfig{
				Limit:     100,
				AuthLimit: 5,
				Window:    time.Minute,
				Timeout:   250 * time.Millisecond,
			},
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Timeout: 2 * time.Second,
			Valkey:  ValkeyConfig{KeyPrefix: "forceauth:"},
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, applies
// FORCEAUTH_* environment overrides, then each override in order (command
// line flags), resolves the master secret and validates the result.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	for _, fn := range overrides {
		fn(&cfg)
	}
	if err := cfg.resolveSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and the master secret length.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Storage.Backend == BackendValkey && c.Storage.Valkey.Address == "" {
		return errors.New("validate config: storage.valkey.address is required for the valkey backend")
	}
	if c.RateLimit.Distributed.Enabled && c.Storage.Backend == BackendMemory {
		return errors.New("validate config: distributed rate limiting needs a shared storage backend")
	}
	if _, err := c.SecretBytes(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// SecretBytes decodes the master secret. Both standard and URL-safe base64
// are accepted, padded or not.
func (c *Config) SecretBytes() ([]byte, error) {
	s := strings.TrimSpace(c.Secret)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			if len(b) < MinSecretLength {
				return nil, fmt.Errorf("master secret must decode to at least %d bytes, got %d", MinSecretLength, len(b))
			}
			return b, nil
		}
	}
	return nil, errors.New("master secret is not valid base64")
}

// SecureCookies reports whether cookies must carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return !c.Session.InsecureCookies
}

func (c *Config) resolveSecret() error {
	if c.Secret != "" || c.SecretFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.SecretFile)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	c.Secret = strings.TrimSpace(string(data))
	return nil
}

func applyEnv(c *Config) error {
	if v, ok := lookupEnv("SECRET"); ok {
		c.Secret = v
	}
	if v, ok := lookupEnv("SECRET_FILE"); ok {
		c.SecretFile = v
	}
	if v, ok := lookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sPORT: %w", envPrefix, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookupEnv("LOG_FORMAT"); ok {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := lookupEnv("STORAGE_BACKEND"); ok {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v, ok := lookupEnv("BBOLT_PATH"); ok {
		c.Storage.BBoltPath = v
	}
	if v, ok := lookupEnv("POSTGRES_DSN"); ok {
		c.Storage.PostgresDSN = v
	}
	if v, ok := lookupEnv("VALKEY_ADDR"); ok {
		c.Storage.Valkey.Address = v
	}
	if v, ok := lookupEnv("VALKEY_PASSWORD"); ok {
		c.Storage.Valkey.Password = v
	}
	if v, ok := lookupEnv("INSECURE_COOKIES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sINSECURE_COOKIES: %w", envPrefix, err)
		}
		c.Session.InsecureCookies = b
	}
	if v, ok := lookupEnv("TRUSTED_PROXIES"); ok {
		c.RateLimit.TrustedProxies = splitList(v)
	}
	if v, ok := lookupEnv("AUDIT_WEBHOOK_URL"); ok {
		c.Audit.WebhookURL = v
	}
	if v, ok := lookupEnv("AUDIT_WEBHOOK_AUTH_HEADER"); ok {
		c.Audit.WebhookAuthHeader = v
	}
	if v, ok := lookupEnv("ALLOWED_REDIRECT_URIS"); ok {
		c.Provider.AllowedRedirectURIs = splitList(v)
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
