package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kserw/forceauth-sub002/internal/util"
)

const (
	// DefaultCookieName is used when Options.CookieName is empty.
	DefaultCookieName = "forceauth_session"
	// DefaultMaxAge matches the provider's default session timeout.
	DefaultMaxAge = 2 * time.Hour

	// maxCookieLen bounds decode work on hostile input. Browsers cap a
	// cookie at roughly 4 KiB.
	maxCookieLen = 8192
)

// Options configures a Codec.
type Options struct {
	CookieName string
	Path       string
	MaxAge     time.Duration
	// Insecure drops the Secure attribute. Local development only.
	Insecure bool
	Logger   *slog.Logger
	Now      func() time.Time
}

// Codec encrypts session data into cookie values and back.
//
// Wire form: hex(nonce) ":" hex(tag) ":" hex(ciphertext), AES-256-GCM with
// the cookie name as additional authenticated data.
type Codec struct {
	key    []byte
	name   string
	path   string
	maxAge time.Duration
	secure bool
	logger *slog.Logger
	now    func() time.Time
}

// NewCodec returns a Codec using a 32-byte key.
func NewCodec(key []byte, opts Options) (*Codec, error) {
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", util.AESKeySize, len(key))
	}
	c := &Codec{
		key:    util.CopyBytes(key),
		name:   opts.CookieName,
		path:   opts.Path,
		maxAge: opts.MaxAge,
		secure: !opts.Insecure,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if c.name == "" {
		c.name = DefaultCookieName
	}
	if c.path == "" {
		c.path = "/"
	}
	if c.maxAge <= 0 {
		c.maxAge = DefaultMaxAge
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// CookieName returns the name of the session cookie.
func (c *Codec) CookieName() string { return c.name }

// MaxAge returns the configured session lifetime.
func (c *Codec) MaxAge() time.Duration { return c.maxAge }

// Encode encrypts d with a fresh nonce.
func (c *Codec) Encode(d Data) (string, error) {
	plain, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding session: %w", err)
	}
	defer util.WipeBytes(plain)

	nonce, tag, ct, err := util.SealDetached(plain, c.key, []byte(c.name))
	if err != nil {
		return "", fmt.Errorf("encrypting session: %w", err)
	}
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decode returns the session in value. Any defect in the value (wrong shape,
// bad hex, failed authentication, missing fields, expiry) yields false.
func (c *Codec) Decode(value string) (Data, bool) {
	if value == "" || len(value) > maxCookieLen {
		return Data{}, false
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return Data{}, false
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != util.GCMNonceSize {
		return Data{}, false
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != util.GCMTagSize {
		return Data{}, false
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil || len(ct) == 0 {
		return Data{}, false
	}

	plain, err := util.OpenDetached(nonce, tag, ct, c.key, []byte(c.name))
	if err != nil {
		c.logger.Debug("session cookie failed authentication")
		return Data{}, false
	}
	defer util.WipeBytes(plain)

	var d Data
	if err := json.Unmarshal(plain, &d); err != nil {
		return Data{}, false
	}
	if !d.valid() {
		return Data{}, false
	}
	if c.now().Sub(d.IssuedAt) > c.maxAge {
		return Data{}, false
	}
	return d, true
}

// FromRequest decodes the session cookie on r, if any.
func (c *Codec) FromRequest(r *http.Request) (Data, bool) {
	ck, err := r.Cookie(c.name)
	if err != nil {
		return Data{}, false
	}
	return c.Decode(ck.Value)
}

// Cookie encodes d into a Set-Cookie value.
func (c *Codec) Cookie(d Data) (*http.Cookie, error) {
	v, err := c.Encode(d)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     c.name,
		Value:    v,
		Path:     c.path,
		MaxAge:   c.cookieMaxAge(d),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// cookieMaxAge ends the browser cookie when Decode would start rejecting d.
func (c *Codec) cookieMaxAge(d Data) int {
	remaining := c.maxAge
	if !d.IssuedAt.IsZero() {
		remaining = min(d.IssuedAt.Add(c.maxAge).Sub(c.now()), c.maxAge)
	}
	return max(1, int(remaining/time.Second))
}

// ClearCookie returns a cookie that deletes the session cookie.
func (c *Codec) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     c.path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Summarize returns the token-free view of d.
func (c *Codec) Summarize(d Data) Summary {
	s := Summary{
		InstanceURL: d.InstanceURL,
		Environment: d.Environment,
		IssuedAt:    d.IssuedAt,
		ExpiresAt:   d.IssuedAt.Add(c.maxAge),
	}
	if d.Identity != nil {
		s.UserID = d.Identity.UserID
		s.OrgID = d.Identity.OrgID
	}
	return s
}
