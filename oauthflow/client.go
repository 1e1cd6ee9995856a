// Package oauthflow runs the provider side of the login flow: PKCE, the
// signed state parameter, the authorization URL, the code exchange and the
// refresh grant. Every request is made as a public client; no client secret
// is ever sent.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kserw/forceauth-sub002/internal/util"
)

// Environment selects the provider login host.
type Environment string

const (
	Production Environment = "production"
	Sandbox    Environment = "sandbox"
)

const (
	DefaultProductionURL = "https://login.salesforce.com"
	DefaultSandboxURL    = "https://test.salesforce.com"
	DefaultTimeout       = 10 * time.Second

	authorizePath = "/services/oauth2/authorize"
	tokenPath     = "/services/oauth2/token"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"api", "refresh_token", "id"}

// ParseEnvironment accepts "production", "sandbox" or empty (production).
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case "", Production:
		return Production, nil
	case Sandbox:
		return Sandbox, nil
	}
	return "", &ValidationError{Field: "environment", Message: "must be production or sandbox"}
}

// Config describes the identity provider.
type Config struct {
	ProductionURL       string
	SandboxURL          string
	Scopes              []string
	AllowedRedirectURIs []string
	Timeout             time.Duration
	HTTPClient          *http.Client
	Logger              *slog.Logger
}

// Client builds authorization URLs and talks to the token endpoint.
type Client struct {
	cfg        Config
	states     *StateCodec
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient returns a Client that signs state with states.
func NewClient(cfg Config, states *StateCodec) *Client {
	if cfg.ProductionURL == "" {
		cfg.ProductionURL = DefaultProductionURL
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = DefaultSandboxURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:        cfg,
		states:     states,
		httpClient: hc,
		logger:     logger.With("component", "oauthflow"),
		now:        time.Now,
	}
}

// States returns the codec used to sign flow state.
func (c *Client) States() *StateCodec { return c.states }

func (c *Client) baseURL(env Environment) string {
	if env == Sandbox {
		return strings.TrimRight(c.cfg.SandboxURL, "/")
	}
	return strings.TrimRight(c.cfg.ProductionURL, "/")
}

func (c *Client) oauthConfig(env Environment, clientID, redirectURI string) *oauth2.Config {
	base := c.baseURL(env)
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + authorizePath,
			TokenURL:  base + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// withHTTPClient bounds ctx by the provider timeout and attaches the client
// that x/oauth2 should use.
func (c *Client) withHTTPClient(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), cancel
}

// AuthRequest is the input to AuthURL.
type AuthRequest struct {
	Environment  string
	ClientID     string
	RedirectURI  string
	ReturnURL    string
	Popup        bool
	CredentialID string
}

// AuthURLResult carries the provider URL and the signed state embedded in it.
type AuthURLResult struct {
	AuthURL string
	State   string
}

// AuthURL validates req and returns the provider authorization URL.
func (c *Client) AuthURL(ctx context.Context, req AuthRequest) (AuthURLResult, error) {
	if err := ctx.Err(); err != nil {
		return AuthURLResult{}, err
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return AuthURLResult{}, &ValidationError{Field: "clientId", Message: "is required"}
	}
	if strings.TrimSpace(req.RedirectURI) == "" {
		return AuthURLResult{}, &ValidationError{Field: "redirectUri", Message: "is required"}
	}
	env, err := ParseEnvironment(req.Environment)
	if err != nil {
		return AuthURLResult{}, err
	}
	if err := c.checkRedirectURI(req.RedirectURI); err != nil {
		return AuthURLResult{}, err
	}
	returnURL, err := SanitizeReturnURL(req.ReturnURL)
	if err != nil {
		return AuthURLResult{}, err
	}

	pkce, err := NewPKCEChallenge()
	if err != nil {
		return AuthURLResult{}, err
	}
	nonce, err := util.RandomToken(nonceBytes)
	if err != nil {
		return AuthURLResult{}, fmt.Errorf("generating state nonce: %w", err)
	}
	state, err := c.states.Sign(FlowState{
		Environment:  string(env),
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		ReturnURL:    returnURL,
		Nonce:        nonce,
		CodeVerifier: pkce.Verifier,
		Popup:        req.Popup,
		CredentialID: req.CredentialID,
		IssuedAt:     c.now().UTC(),
	})
	if err != nil {
		return AuthURLResult{}, err
	}

	u := c.oauthConfig(env, req.ClientID, req.RedirectURI).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
	)
	return AuthURLResult{AuthURL: u, State: state}, nil
}

func (c *Client) checkRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "redirectUri", Message: "must be an absolute URL"}
	}
	if len(c.cfg.AllowedRedirectURIs) > 0 && !slices.Contains(c.cfg.AllowedRedirectURIs, raw) {
		return &ValidationError{Field: "redirectUri", Message: "is not an allowed redirect URI"}
	}
	return nil
}

// SanitizeReturnURL accepts only same-origin absolute paths. Empty becomes "/".
func SanitizeReturnURL(raw string) (string, error) {
	if raw == "" {
		return "/", nil
	}
	invalid := &ValidationError{Field: "returnUrl", Message: "must be a local path"}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return "", invalid
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", invalid
	}
	return raw, nil
}

// ExchangeCode redeems an authorization code using the PKCE verifier.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, clientID, redirectURI string, env Environment) (Tokens, error) {
	if code == "" {
		return Tokens{}, &ValidationError{Field: "code", Message: "is required"}
	}
	if clientID == "" {
		return Tokens{}, &ValidationError{Field: "clientId", Message: "is required"}
	}
	ctx, cancel := c.withHTTPClient(ctx)
	defer cancel()

	tok, err := c.oauthConfig(env, clientID, redirectURI).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return Tokens{}, exchangeError(re)
		}
		return Tokens{}, upstreamError("token exchange", err)
	}
	return tokensFromOAuth2(tok, c.now()), nil
}

func exchangeError(re *oauth2.RetrieveError) *TokenExchangeError {
	e := &TokenExchangeError{ErrorCode: re.ErrorCode, Description: re.ErrorDescription}
	if re.Response != nil {
		e.StatusCode = re.Response.StatusCode
	}
	if e.ErrorCode == "" {
		e.ErrorCode = "token_exchange_failed"
	}
	return e
}

func upstreamError(op string, err error) *UpstreamError {
	return &UpstreamError{Op: op, Err: err, Retryable: isTimeout(err)}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
