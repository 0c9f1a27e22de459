package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	"k8s.io/klog/v2"
)

var (
	// ErrProviderUnreachable is returned when provider metadata cannot be fetched.
	ErrProviderUnreachable = errors.New("identity provider unreachable")
	// ErrStateMismatch is returned when the callback state does not match the login state.
	ErrStateMismatch = errors.New("authorization state mismatch")
	// ErrUnknownExpiry is returned when no expiry can be determined for a token.
	ErrUnknownExpiry = errors.New("token expiry unknown")
	// ErrNoRefreshToken is returned when a refresh is attempted without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrEndSessionUnsupported is returned when the provider has no end-session endpoint.
	ErrEndSessionUnsupported = errors.New("provider does not support end-session")
)

// Provider defines the interface for OIDC identity providers
type Provider interface {
	// Discover fetches and caches the provider metadata
	Discover(ctx context.Context) (*ProviderConfig, error)

	// AuthorizationURL builds the redirect URL for the authorization-code flow with PKCE
	AuthorizationURL(cfg *ProviderConfig, state, codeChallenge string) (string, error)

	// ExchangeCode completes the code exchange after validating the callback state
	ExchangeCode(ctx context.Context, cfg *ProviderConfig, callbackURL, codeVerifier, expectedState string) (*types.TokenBundle, error)

	// Refresh exchanges a refresh token for a new token bundle
	Refresh(ctx context.Context, cfg *ProviderConfig, refreshToken string) (*types.TokenBundle, error)

	// ValidateAndGetIdentity verifies a token and resolves the user's identity claims
	ValidateAndGetIdentity(ctx context.Context, cfg *ProviderConfig, token string) (*types.IdentityClaims, error)

	// EndSessionURL builds the RP-initiated logout URL
	EndSessionURL(cfg *ProviderConfig, idTokenHint, postLogoutRedirect string) (string, error)

	// PKCEMethod returns the code challenge method to pair with AuthorizationURL
	PKCEMethod() string
}

// ProviderConfig is the discovered provider metadata.
type ProviderConfig struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	EndSessionEndpoint    string
	JWKSURI               string

	provider *oidc.Provider
}

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// PKCEMethod is "S256" or "plain".
	PKCEMethod string
	// ExtraAuthParams are appended to every authorization URL.
	ExtraAuthParams map[string]string
	HTTPClient      *http.Client
}

// OIDCProvider implements Provider against a standards-compliant OIDC issuer.
type OIDCProvider struct {
	issuer          string
	clientID        string
	clientSecret    string
	redirectURL     string
	scopes          []string
	pkceMethod      string
	extraAuthParams map[string]string
	httpClient      *http.Client

	keySets *KeySetCache
	now     func() time.Time

	mu         sync.Mutex
	discovered *ProviderConfig
}

// NewOIDCProvider creates a new OIDC provider
func NewOIDCProvider(config OIDCConfig) *OIDCProvider {
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}
	method := config.PKCEMethod
	if method == "" {
		method = PKCEMethodS256
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &OIDCProvider{
		issuer:          config.Issuer,
		clientID:        config.ClientID,
		clientSecret:    config.ClientSecret,
		redirectURL:     config.RedirectURL,
		scopes:          scopes,
		pkceMethod:      method,
		extraAuthParams: config.ExtraAuthParams,
		httpClient:      httpClient,
		keySets:         NewKeySetCache(nil),
		now:             time.Now,
	}
}

// Discover fetches provider metadata once and caches it for the life of the provider.
func (p *OIDCProvider) Discover(ctx context.Context) (*ProviderConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.discovered != nil {
		return p.discovered, nil
	}

	provider, err := oidc.NewProvider(p.clientContext(ctx), p.issuer)
	if err != nil {
		klog.ErrorS(err, "OIDC discovery failed", "issuer", p.issuer)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	var metadata struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
		JWKSURI            string `json:"jwks_uri"`
	}
	if err := provider.Claims(&metadata); err != nil {
		return nil, fmt.Errorf("failed to decode provider metadata: %w", err)
	}

	endpoint := provider.Endpoint()
	p.discovered = &ProviderConfig{
		Issuer:                p.issuer,
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		UserInfoEndpoint:      provider.UserInfoEndpoint(),
		EndSessionEndpoint:    metadata.EndSessionEndpoint,
		JWKSURI:               metadata.JWKSURI,
		provider:              provider,
	}
	klog.V(2).InfoS("OIDC provider discovered", "issuer", p.issuer, "jwks", metadata.JWKSURI != "")
	return p.discovered, nil
}

// clientContext makes oidc and oauth2 use the provider's HTTP client.
func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.httpClient)
}
