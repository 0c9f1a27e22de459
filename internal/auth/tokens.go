package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/purdue-af/cluster-session-broker/internal/types"
)

const (
	// DefaultTokenLifetime applies to token-only logins whose expiry cannot be decoded.
	DefaultTokenLifetime = 5 * time.Minute
	// MaxTokenLifetime caps every token-only login regardless of its claims.
	MaxTokenLifetime = 24 * time.Hour
)

// TokenResponse holds the raw token endpoint fields.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// NormalizeTokenResponse converts a token endpoint response into a bundle with
// absolute expiries. An expiry decoded from a signed access token takes
// precedence over expires_in.
func NormalizeTokenResponse(resp TokenResponse, now time.Time) (*types.TokenBundle, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access token")
	}

	accessExpiry, ok := decodeExpiry(resp.AccessToken)
	if !ok {
		if resp.ExpiresIn <= 0 {
			return nil, fmt.Errorf("%w: access token is opaque and expires_in is missing", ErrUnknownExpiry)
		}
		accessExpiry = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	bundle := &types.TokenBundle{
		AccessToken:          resp.AccessToken,
		AccessTokenExpiresAt: accessExpiry,
		RefreshToken:         resp.RefreshToken,
	}

	if resp.IDToken == "" {
		bundle.IDTokenExpiresAt = accessExpiry
		return bundle, nil
	}

	idExpiry, ok := decodeExpiry(resp.IDToken)
	if !ok {
		return nil, fmt.Errorf("%w: id token has no exp claim", ErrUnknownExpiry)
	}
	bundle.IDToken = resp.IDToken
	bundle.IDTokenExpiresAt = idExpiry
	return bundle, nil
}

// DeriveTokenInfo builds a bundle for a caller-supplied bearer token.
func DeriveTokenInfo(token string, now time.Time) (*types.TokenBundle, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}

	expiry, ok := decodeExpiry(token)
	if !ok {
		expiry = now.Add(DefaultTokenLifetime)
	}
	expiry = capExpiry(expiry, now)

	return &types.TokenBundle{
		IDToken:              token,
		IDTokenExpiresAt:     expiry,
		AccessToken:          token,
		AccessTokenExpiresAt: expiry,
	}, nil
}

// NormalizeTokenLogin builds a bundle from tokens supplied by the caller
// rather than the token endpoint. Every expiry is capped at MaxTokenLifetime,
// and an id token must carry its own exp claim.
func NormalizeTokenLogin(resp TokenResponse, now time.Time) (*types.TokenBundle, error) {
	bundle, err := DeriveTokenInfo(resp.AccessToken, now)
	if err != nil {
		return nil, err
	}
	bundle.RefreshToken = resp.RefreshToken

	if resp.IDToken == "" {
		return bundle, nil
	}
	idExpiry, ok := decodeExpiry(resp.IDToken)
	if !ok {
		return nil, fmt.Errorf("%w: id token has no exp claim", ErrUnknownExpiry)
	}
	bundle.IDToken = resp.IDToken
	bundle.IDTokenExpiresAt = capExpiry(idExpiry, now)
	return bundle, nil
}

func capExpiry(expiry, now time.Time) time.Time {
	if ceiling := now.Add(MaxTokenLifetime); expiry.After(ceiling) {
		return ceiling
	}
	return expiry
}

// looksLikeJWT reports whether token has three non-empty dot-separated segments.
func looksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// decodeExpiry reads the exp claim without verifying the signature.
func decodeExpiry(token string) (time.Time, bool) {
	if !looksLikeJWT(token) {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
