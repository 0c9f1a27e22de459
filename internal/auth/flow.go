package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/purdue-af/cluster-session-broker/internal/types"
	"golang.org/x/oauth2"
)

const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	stateLength = 32
)

// NewPKCE returns a fresh code verifier and the challenge derived from it.
func NewPKCE(method string) (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	if method == PKCEMethodPlain {
		return verifier, verifier
	}
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// NewState returns a random anti-CSRF state value.
func NewState() (string, error) {
	bytes := make([]byte, stateLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// PKCEMethod returns the configured code challenge method.
func (p *OIDCProvider) PKCEMethod() string {
	return p.pkceMethod
}

func (p *OIDCProvider) oauth2Config(cfg *ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  p.redirectURL,
		Scopes:       p.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}
}

// AuthorizationURL builds the redirect URL for the authorization-code flow with PKCE
func (p *OIDCProvider) AuthorizationURL(cfg *ProviderConfig, state, codeChallenge string) (string, error) {
	if state == "" || codeChallenge == "" {
		return "", fmt.Errorf("state and code challenge are required")
	}
	if cfg.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("provider has no authorization endpoint")
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", p.pkceMethod),
	}
	for k, v := range p.extraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return p.oauth2Config(cfg).AuthCodeURL(state, opts...), nil
}

// ExchangeCode processes the OIDC callback and exchanges the code for tokens
func (p *OIDCProvider) ExchangeCode(ctx context.Context, cfg *ProviderConfig, callbackURL, codeVerifier, expectedState string) (*types.TokenBundle, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()

	if e := q.Get("error"); e != "" {
		return nil, fmt.Errorf("authorization failed: %s: %s", e, q.Get("error_description"))
	}

	state := q.Get("state")
	if expectedState == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		return nil, ErrStateMismatch
	}

	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("missing code parameter in callback")
	}
	if codeVerifier == "" {
		return nil, fmt.Errorf("missing code verifier")
	}

	tok, err := p.oauth2Config(cfg).Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	now := p.now()
	return NormalizeTokenResponse(tokenResponseFrom(tok, now), now)
}

// Refresh exchanges a refresh token for a new token bundle
func (p *OIDCProvider) Refresh(ctx context.Context, cfg *ProviderConfig, refreshToken string) (*types.TokenBundle, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	ts := p.oauth2Config(cfg).TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	now := p.now()
	return NormalizeTokenResponse(tokenResponseFrom(tok, now), now)
}

// EndSessionURL builds the RP-initiated logout URL
func (p *OIDCProvider) EndSessionURL(cfg *ProviderConfig, idTokenHint, postLogoutRedirect string) (string, error) {
	if cfg.EndSessionEndpoint == "" {
		return "", ErrEndSessionUnsupported
	}

	u, err := url.Parse(cfg.EndSessionEndpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("client_id", p.clientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// tokenResponseFrom extracts the raw token endpoint fields from an oauth2 token.
func tokenResponseFrom(tok *oauth2.Token, now time.Time) TokenResponse {
	resp := TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}

	switch v := tok.Extra("expires_in").(type) {
	case float64:
		resp.ExpiresIn = int64(v)
	case string:
		resp.ExpiresIn, _ = strconv.ParseInt(v, 10, 64)
	}
	if resp.ExpiresIn <= 0 && !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	return resp
}
