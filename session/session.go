// Package session defines the per-user session record and the codec that
// turns it into an encrypted, authenticated cookie value.
//
// The cookie is the only place a session lives. Any server instance holding
// the master secret can read it, so no session state is shared between
// processes.
package session

import (
	"time"
)

// Identity describes the signed-in user as reported by the provider.
type Identity struct {
	UserID      string `json:"userId"`
	OrgID       string `json:"orgId"`
	IdentityURL string `json:"identityUrl,omitempty"`
}

// Data is the decrypted content of a session cookie.
type Data struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	InstanceURL  string    `json:"instanceUrl"`
	ClientID     string    `json:"clientId,omitempty"`
	Environment  string    `json:"environment"`
	IssuedAt     time.Time `json:"issuedAt"`
	Identity     *Identity `json:"identity,omitempty"`
}

// valid reports whether the fields every request depends on are present.
// RefreshToken and ClientID are optional; refresh reports their absence.
func (d Data) valid() bool {
	return d.ID != "" && d.AccessToken != "" && d.InstanceURL != "" && !d.IssuedAt.IsZero()
}

// Summary is the token-free view of a session returned to browsers.
type Summary struct {
	InstanceURL string    `json:"instanceUrl"`
	Environment string    `json:"environment"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	UserID      string    `json:"userId,omitempty"`
	OrgID       string    `json:"orgId,omitempty"`
}
