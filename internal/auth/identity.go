package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	"golang.org/x/oauth2"
	"k8s.io/klog/v2"
)

// ClockSkew is tolerated on every time-based claim.
const ClockSkew = 30 * time.Second

var allowedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256"}

// KeySetCache holds the signature verification key set of one issuer.
// It is rebuilt only when the issuer or JWKS location changes.
type KeySetCache struct {
	mu     sync.Mutex
	key    string
	keySet oidc.KeySet
	build  func(ctx context.Context, jwksURI string) oidc.KeySet
}

// NewKeySetCache creates a cache. A nil build function uses go-oidc's remote key set.
func NewKeySetCache(build func(ctx context.Context, jwksURI string) oidc.KeySet) *KeySetCache {
	if build == nil {
		build = func(ctx context.Context, jwksURI string) oidc.KeySet {
			return oidc.NewRemoteKeySet(ctx, jwksURI)
		}
	}
	return &KeySetCache{build: build}
}

// Get returns the key set for issuer and jwksURI, building it on first use.
func (c *KeySetCache) Get(ctx context.Context, issuer, jwksURI string) oidc.KeySet {
	key := issuer + "::" + jwksURI

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keySet == nil || c.key != key {
		c.keySet = c.build(ctx, jwksURI)
		c.key = key
	}
	return c.keySet
}

// ValidateAndGetIdentity verifies a token locally when possible and falls back
// to the userinfo endpoint for tokens issued to another audience or not signed.
func (p *OIDCProvider) ValidateAndGetIdentity(ctx context.Context, cfg *ProviderConfig, token string) (*types.IdentityClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}

	if looksLikeJWT(token) && cfg.JWKSURI != "" {
		claims, err := p.verifyLocally(ctx, cfg, token)
		switch {
		case err == nil:
			return claims, nil
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			klog.V(2).InfoS("Token audience does not match client, resolving identity via userinfo")
		default:
			return nil, fmt.Errorf("token verification failed: %w", err)
		}
	}

	return p.userInfo(ctx, cfg, token)
}

func (p *OIDCProvider) verifyLocally(ctx context.Context, cfg *ProviderConfig, token string) (*types.IdentityClaims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	if alg := parsed.Method.Alg(); !slices.Contains(allowedAlgorithms, alg) {
		return nil, fmt.Errorf("%w: algorithm %q not allowed", jwt.ErrTokenSignatureInvalid, alg)
	}

	// Background context: the key set outlives this request and refetches on rotation.
	keySet := p.keySets.Get(p.clientContext(context.Background()), cfg.Issuer, cfg.JWKSURI)
	payload, err := keySet.VerifySignature(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jwt.ErrTokenSignatureInvalid, err)
	}

	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", jwt.ErrTokenMalformed, err)
	}
	if err := validateClaims(claims, cfg.Issuer, p.clientID, p.now()); err != nil {
		return nil, err
	}

	return claimsFromMap(claims), nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string, now time.Time) error {
	iss, err := claims.GetIssuer()
	if err != nil || iss != issuer {
		return fmt.Errorf("%w: got %q", jwt.ErrTokenInvalidIssuer, iss)
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains(aud, audience) {
		return fmt.Errorf("%w: %v", jwt.ErrTokenInvalidAudience, []string(aud))
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("%w: exp", jwt.ErrTokenRequiredClaimMissing)
	}
	if !now.Before(exp.Add(ClockSkew)) {
		return jwt.ErrTokenExpired
	}

	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil && now.Add(ClockSkew).Before(nbf.Time) {
		return jwt.ErrTokenNotValidYet
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil && now.Add(ClockSkew).Before(iat.Time) {
		return jwt.ErrTokenUsedBeforeIssued
	}
	return nil
}

func (p *OIDCProvider) userInfo(ctx context.Context, cfg *ProviderConfig, token string) (*types.IdentityClaims, error) {
	if cfg.provider == nil {
		return nil, fmt.Errorf("provider metadata has not been discovered")
	}

	info, err := cfg.provider.UserInfo(p.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}

	raw := map[string]interface{}{}
	if err := info.Claims(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return claimsFromMap(raw), nil
}

func claimsFromMap(raw map[string]interface{}) *types.IdentityClaims {
	claims := &types.IdentityClaims{
		Groups: NormalizeGroups(raw["groups"]),
	}
	claims.Subject, _ = raw["sub"].(string)
	claims.Email, _ = raw["email"].(string)
	claims.Name, _ = raw["name"].(string)
	if claims.Name == "" {
		claims.Name, _ = raw["preferred_username"].(string)
	}
	return claims
}

// NormalizeGroups accepts a group claim as a list, a JSON-encoded array string,
// or a list holding one JSON-encoded array string and returns a plain list.
func NormalizeGroups(raw interface{}) []string {
	switch v := raw.(type) {
	case nil:
		return []string{}
	case string:
		return groupsFromString(v)
	case []string:
		if len(v) == 1 && isJSONArray(v[0]) {
			return groupsFromString(v[0])
		}
		return append([]string{}, v...)
	case []interface{}:
		if len(v) == 1 {
			if s, ok := v[0].(string); ok && isJSONArray(s) {
				return groupsFromString(s)
			}
		}
		groups := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				groups = append(groups, s)
			}
		}
		return groups
	default:
		return []string{}
	}
}

func isJSONArray(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "[")
}

func groupsFromString(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}
	if !isJSONArray(s) {
		return []string{s}
	}

	var decoded []interface{}
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		klog.V(2).InfoS("Ignoring malformed groups claim", "err", err)
		return []string{}
	}
	return NormalizeGroups(decoded)
}
