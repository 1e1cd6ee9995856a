package api

import "time"

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// LoginRequest starts a login. Environment is "production" (default) or
// "sandbox"; ReturnURL must be a local path.
type LoginRequest struct {
	ClientID     string `json:"clientId"`
	RedirectURI  string `json:"redirectUri"`
	Environment  string `json:"environment,omitempty"`
	ReturnURL    string `json:"returnUrl,omitempty"`
	Popup        bool   `json:"popup,omitempty"`
	CredentialID string `json:"credentialId,omitempty"`
}

type LoginResponse struct {
	AuthURL string `json:"authUrl"`
}

type RefreshResponse struct {
	InstanceURL string    `json:"instanceUrl"`
	IssuedAt    time.Time `json:"issuedAt"`
}

type LogoutResponse struct {
	Status string `json:"status"`
}
