package oauthflow

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kserw/forceauth-sub002/session"
)

// Tokens is the useful part of a token endpoint response.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	InstanceURL  string
	IdentityURL  string
	IssuedAt     time.Time
	Identity     *session.Identity
}

// tokensFromOAuth2 reads the provider-specific fields that x/oauth2 leaves
// in Extra: instance_url, id and issued_at (epoch milliseconds as a string).
func tokensFromOAuth2(tok *oauth2.Token, now time.Time) Tokens {
	t := Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		InstanceURL:  extraString(tok, "instance_url"),
		IdentityURL:  extraString(tok, "id"),
		IssuedAt:     now.UTC(),
	}
	if ms, err := strconv.ParseInt(extraString(tok, "issued_at"), 10, 64); err == nil && ms > 0 {
		t.IssuedAt = time.UnixMilli(ms).UTC()
	}
	t.Identity = ParseIdentityURL(t.IdentityURL)
	return t
}

func extraString(tok *oauth2.Token, key string) string {
	if s, ok := tok.Extra(key).(string); ok {
		return s
	}
	return ""
}

// ParseIdentityURL extracts org and user ids from a URL of the form
// https://host/id/{orgId}/{userId}. It returns nil for anything else.
func ParseIdentityURL(raw string) *session.Identity {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "id" || parts[1] == "" || parts[2] == "" {
		return nil
	}
	return &session.Identity{OrgID: parts[1], UserID: parts[2], IdentityURL: raw}
}
