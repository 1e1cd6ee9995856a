package oauthflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kserw/forceauth-sub002/internal/util"
)

const (
	// DefaultStateTTL bounds how long a login may take.
	DefaultStateTTL = 10 * time.Minute

	// maxClockSkew tolerates small clock differences between instances.
	maxClockSkew = time.Minute

	maxStateLen = 4096
	nonceBytes  = 32
)

// FlowState is the data carried through the provider redirect in the
// OAuth state parameter.
//
// ClientID and RedirectURI travel with the state because the code exchange
// must repeat them and the service keeps no server-side flow record.
type FlowState struct {
	Environment  string    `json:"environment"`
	ClientID     string    `json:"clientId"`
	RedirectURI  string    `json:"redirectUri"`
	ReturnURL    string    `json:"returnUrl"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"codeVerifier"`
	Popup        bool      `json:"popup"`
	CredentialID string    `json:"credentialId,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// StateCodec signs and verifies FlowState values with HMAC-SHA256.
//
// Wire form: base64url(json) "." base64url(mac). The MAC covers the exact
// JSON bytes, so verification never depends on re-serialization.
type StateCodec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateCodec returns a codec keyed by key. A zero ttl selects DefaultStateTTL.
func NewStateCodec(key []byte, ttl time.Duration) (*StateCodec, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("state key must be at least 32 bytes, got %d", len(key))
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateCodec{key: util.CopyBytes(key), ttl: ttl, now: time.Now}, nil
}

// TTL returns the maximum accepted state age.
func (c *StateCodec) TTL() time.Duration { return c.ttl }

func (c *StateCodec) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write(payload)
	return h.Sum(nil)
}

// Sign serializes s and appends its MAC.
func (c *StateCodec) Sign(s FlowState) (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(c.mac(payload)), nil
}

// Verify checks the MAC in constant time, then the age of the state.
func (c *StateCodec) Verify(token string) (FlowState, error) {
	if token == "" || len(token) > maxStateLen {
		return FlowState{}, ErrInvalidState
	}
	payloadPart, macPart, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(macPart, ".") {
		return FlowState{}, ErrInvalidState
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return FlowState{}, ErrInvalidState
	}
	sig, err := enc.DecodeString(macPart)
	if err != nil {
		return FlowState{}, ErrInvalidState
	}
	if !hmac.Equal(sig, c.mac(payload)) {
		return FlowState{}, ErrInvalidState
	}

	var s FlowState
	if err := json.Unmarshal(payload, &s); err != nil {
		return FlowState{}, ErrInvalidState
	}
	if s.Nonce == "" || s.CodeVerifier == "" || s.Environment == "" || s.ClientID == "" || s.IssuedAt.IsZero() {
		return FlowState{}, ErrInvalidState
	}

	age := c.now().Sub(s.IssuedAt)
	if age < -maxClockSkew {
		return FlowState{}, ErrInvalidState
	}
	if age > c.ttl {
		return FlowState{}, ErrExpiredState
	}
	return s, nil
}
