package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/generalapi/identity/internal/auth"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v1/userinfo"

// ErrProviderDisabled is returned when the Google bridge is used without
// client credentials configured.
var ErrProviderDisabled = errors.New("google login is not configured")

// GoogleBridge exchanges Google OAuth authorization codes for verified
// user identities and hands them to the identity service. Google accounts
// skip local email verification because the provider already proved
// ownership of the address.
type GoogleBridge struct {
	identity *Identity
	conf     *oauth2.Config
}

// NewGoogleBridge wires the bridge. Empty clientID disables it; the
// handlers then answer with ErrProviderDisabled.
func NewGoogleBridge(identity *Identity, clientID, clientSecret, redirectURL string) *GoogleBridge {
	if clientID == "" {
		return &GoogleBridge{identity: identity}
	}
	return &GoogleBridge{
		identity: identity,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint:     google.Endpoint,
		},
	}
}

// LoginURL returns the Google consent-screen URL the frontend should send
// the user to, plus the random state value bound into it. The caller keeps
// the state (a cookie, in our case) and checks it again on the callback so
// an attacker cannot splice their own authorization code into a victim's
// session.
func (g *GoogleBridge) LoginURL() (url, state string, err error) {
	if g.conf == nil {
		return "", "", ErrProviderDisabled
	}
	state, err = auth.RandomURLToken(16)
	if err != nil {
		return "", "", err
	}
	return g.conf.AuthCodeURL(state, oauth2.AccessTypeOffline), state, nil
}

type googleUserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Callback exchanges the authorization code, fetches the user's profile and
// signs the user in, creating a verified local account on first contact.
func (g *GoogleBridge) Callback(ctx context.Context, code string) (TokenPair, error) {
	if g.conf == nil {
		return TokenPair{}, ErrProviderDisabled
	}
	tok, err := g.conf.Exchange(ctx, code)
	if err != nil {
		return TokenPair{}, fmt.Errorf("exchange code: %w", err)
	}

	resp, err := g.conf.Client(ctx, tok).Get(googleUserInfoURL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TokenPair{}, fmt.Errorf("fetch userinfo: unexpected status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TokenPair{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return TokenPair{}, errors.New("userinfo response carried no email")
	}

	return g.identity.LoginWithProvider(ctx, info.Email, info.Name)
}
