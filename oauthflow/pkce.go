package oauthflow

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/kserw/forceauth-sub002/internal/util"
)

// verifierBytes yields an 86-character base64url verifier, inside the
// 43..128 range RFC 7636 allows.
const verifierBytes = 64

// MethodS256 is the only challenge method issued.
const MethodS256 = "S256"

// PKCEChallenge is a verifier and its derived S256 challenge.
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCEChallenge generates a fresh verifier and challenge.
func NewPKCEChallenge() (PKCEChallenge, error) {
	v, err := util.RandomToken(verifierBytes)
	if err != nil {
		return PKCEChallenge{}, fmt.Errorf("generating code verifier: %w", err)
	}
	return PKCEChallenge{
		Verifier:  v,
		Challenge: oauth2.S256ChallengeFromVerifier(v),
		Method:    MethodS256,
	}, nil
}
