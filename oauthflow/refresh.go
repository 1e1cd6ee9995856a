package oauthflow

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/kserw/forceauth-sub002/session"
)

const (
	reasonMissingRefreshToken = "missing refresh token; please re-authenticate"
	reasonMissingClientID     = "missing client id; please re-authenticate"
	reasonRefreshRejected     = "refresh token rejected; please re-authenticate"
)

// Refresher obtains new access tokens with the refresh grant.
//
// Concurrent refreshes of the same session inside one process share a single
// provider call. Separate processes may still race; the provider accepts
// either request and the later cookie wins.
type Refresher struct {
	client *Client
	group  singleflight.Group
}

// NewRefresher returns a Refresher that uses client's provider settings.
func NewRefresher(client *Client) *Refresher {
	return &Refresher{client: client}
}

// Refresh returns d with a new access token, instance URL and issue time.
// The refresh token is replaced only when the provider issues a new one.
func (r *Refresher) Refresh(ctx context.Context, d session.Data) (session.Data, error) {
	if d.RefreshToken == "" {
		return session.Data{}, &AuthenticationError{Reason: reasonMissingRefreshToken}
	}
	if d.ClientID == "" {
		return session.Data{}, &AuthenticationError{Reason: reasonMissingClientID}
	}
	env, err := ParseEnvironment(d.Environment)
	if err != nil {
		return session.Data{}, &AuthenticationError{Reason: "unknown environment; please re-authenticate", Err: err}
	}

	key := d.ID
	if key == "" {
		key = d.RefreshToken
	}
	// The shared call must not die with whichever caller started it; the
	// provider timeout still bounds it.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.refresh(shared, env, d)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return session.Data{}, res.Err
		}
		return res.Val.(session.Data), nil
	case <-ctx.Done():
		return session.Data{}, ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context, env Environment, d session.Data) (session.Data, error) {
	ctx, cancel := r.client.withHTTPClient(ctx)
	defer cancel()

	cfg := r.client.oauthConfig(env, d.ClientID, "")
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: d.RefreshToken}).Token()
	if err != nil {
		return session.Data{}, r.classify(err)
	}

	t := tokensFromOAuth2(tok, r.client.now())
	d.AccessToken = t.AccessToken
	d.IssuedAt = t.IssuedAt
	if t.InstanceURL != "" {
		d.InstanceURL = t.InstanceURL
	}
	if t.RefreshToken != "" {
		d.RefreshToken = t.RefreshToken
	}
	if t.Identity != nil {
		d.Identity = t.Identity
	}
	r.client.logger.Debug("access token refreshed", "session_id", d.ID, "environment", env)
	return d, nil
}

func (r *Refresher) classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return upstreamError("token refresh", err)
	}
	xe := exchangeError(re)
	if xe.ErrorCode == "invalid_grant" || (xe.StatusCode >= 400 && xe.StatusCode < http.StatusInternalServerError) {
		return &AuthenticationError{Reason: reasonRefreshRejected, Err: xe}
	}
	return &UpstreamError{Op: "token refresh", Err: xe}
}
