package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClientID = "test-client"

type fakeIssuer struct {
	*httptest.Server
	key           *rsa.PrivateKey
	userinfoCalls atomic.Int32
	tokenCalls    atomic.Int32
	tokenResponse func(form url.Values) map[string]interface{}
	noJWKS        bool
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]interface{}{
			"issuer":                 f.URL,
			"authorization_endpoint": f.URL + "/authorize",
			"token_endpoint":         f.URL + "/token",
			"userinfo_endpoint":      f.URL + "/userinfo",
			"end_session_endpoint":   f.URL + "/logout",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		}
		if !f.noJWKS {
			doc["jwks_uri"] = f.URL + "/jwks"
		}
		writeJSON(w, doc)
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		f.userinfoCalls.Add(1)
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]interface{}{
			"sub":    "userinfo-subject",
			"email":  "jane@example.org",
			"name":   "Jane",
			"groups": `["admins","devs"]`,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		if f.tokenResponse == nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, f.tokenResponse(r.PostForm))
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return signWith(t, f.key, claims)
}

func signWith(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestProvider(issuer string) *OIDCProvider {
	return NewOIDCProvider(OIDCConfig{
		Issuer:       issuer,
		ClientID:     testClientID,
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:8080/auth/callback",
	})
}

func TestOIDCProvider_Discover(t *testing.T) {
	issuer := newFakeIssuer(t)
	p := newTestProvider(issuer.URL)

	cfg, err := p.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, issuer.URL, cfg.Issuer)
	assert.Equal(t, issuer.URL+"/token", cfg.TokenEndpoint)
	assert.Equal(t, issuer.URL+"/userinfo", cfg.UserInfoEndpoint)
	assert.Equal(t, issuer.URL+"/logout", cfg.EndSessionEndpoint)
	assert.Equal(t, issuer.URL+"/jwks", cfg.JWKSURI)

	again, err := p.Discover(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, again)
}

func TestOIDCProvider_DiscoverUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := newTestProvider(srv.URL).Discover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnreachable)
}

func TestOIDCProvider_AuthorizationURL(t *testing.T) {
	issuer := newFakeIssuer(t)
	p := newTestProvider(issuer.URL)
	cfg, err := p.Discover(context.Background())
	require.NoError(t, err)

	verifier, challenge := NewPKCE(PKCEMethodS256)
	assert.NotEqual(t, verifier, challenge)

	raw, err := p.AuthorizationURL(cfg, "state-1", challenge)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, challenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	_, err = p.AuthorizationURL(cfg, "", challenge)
	assert.Error(t, err)
}

func TestOIDCProvider_ExchangeCode(t *testing.T) {
	issuer := newFakeIssuer(t)
	idExpiry := time.Now().Add(time.Hour).Truncate(time.Second)
	idToken := issuer.sign(t, jwt.MapClaims{
		"iss": issuer.URL, "aud": testClientID, "sub": "u1", "exp": idExpiry.Unix(),
	})
	issuer.tokenResponse = func(form url.Values) map[string]interface{} {
		assert.Equal(t, "authorization_code", form.Get("grant_type"))
		assert.Equal(t, "the-code", form.Get("code"))
		assert.Equal(t, "the-verifier", form.Get("code_verifier"))
		return map[string]interface{}{
			"access_token":  "opaque-access",
			"token_type":    "Bearer",
			"expires_in":    600,
			"refresh_token": "refresh-1",
			"id_token":      idToken,
		}
	}

	p := newTestProvider(issuer.URL)
	cfg, err := p.Discover(context.Background())
	require.NoError(t, err)

	t.Run("state mismatch is rejected before exchange", func(t *testing.T) {
		_, err := p.ExchangeCode(context.Background(), cfg,
			"http://localhost:8080/auth/callback?code=the-code&state=evil", "the-verifier", "expected")
		assert.ErrorIs(t, err, ErrStateMismatch)
		assert.Equal(t, int32(0), issuer.tokenCalls.Load())
	})

	t.Run("missing state is rejected", func(t *testing.T) {
		_, err := p.ExchangeCode(context.Background(), cfg,
			"http://localhost:8080/auth/callback?code=the-code", "the-verifier", "expected")
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("provider error is surfaced", func(t *testing.T) {
		_, err := p.ExchangeCode(context.Background(), cfg,
			"http://localhost:8080/auth/callback?error=access_denied&state=expected", "the-verifier", "expected")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "access_denied")
	})

	t.Run("valid callback", func(t *testing.T) {
		before := time.Now()
		bundle, err := p.ExchangeCode(context.Background(), cfg,
			"http://localhost:8080/auth/callback?code=the-code&state=expected", "the-verifier", "expected")
		require.NoError(t, err)
		assert.Equal(t, "opaque-access", bundle.AccessToken)
		assert.Equal(t, "refresh-1", bundle.RefreshToken)
		assert.Equal(t, idToken, bundle.IDToken)
		assert.True(t, idExpiry.Equal(bundle.IDTokenExpiresAt))
		assert.WithinDuration(t, before.Add(10*time.Minute), bundle.AccessTokenExpiresAt, 5*time.Second)
	})
}

func TestOIDCProvider_Refresh(t *testing.T) {
	issuer := newFakeIssuer(t)
	p := newTestProvider(issuer.URL)
	cfg, err := p.Discover(context.Background())
	require.NoError(t, err)

	_, err = p.Refresh(context.Background(), cfg, "")
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	// No token response configured: the endpoint answers invalid_grant.
	_, err = p.Refresh(context.Background(), cfg, "refresh-1")
	assert.Error(t, err)

	issuer.tokenResponse = func(form url.Values) map[string]interface{} {
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "refresh-1", form.Get("refresh_token"))
		return map[string]interface{}{
			"access_token":  "new-access",
			"token_type":    "Bearer",
			"expires_in":    300,
			"refresh_token": "refresh-2",
		}
	}
	bundle, err := p.Refresh(context.Background(), cfg, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", bundle.AccessToken)
	assert.Equal(t, "refresh-2", bundle.RefreshToken)
	assert.Equal(t, bundle.AccessTokenExpiresAt, bundle.IDTokenExpiresAt)
}

func TestOIDCProvider_ValidateAndGetIdentity(t *testing.T) {
	issuer := newFakeIssuer(t)
	p := newTestProvider(issuer.URL)
	cfg, err := p.Discover(context.Background())
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).Unix()

	t.Run("signed token for this client is verified locally", func(t *testing.T) {
		issuer.userinfoCalls.Store(0)
		token := issuer.sign(t, jwt.MapClaims{
			"iss": issuer.URL, "aud": testClientID, "sub": "u1", "exp": exp,
			"email": "u1@example.org", "groups": []string{`["a","b"]`},
		})
		claims, err := p.ValidateAndGetIdentity(context.Background(), cfg, token)
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.Subject)
		assert.Equal(t, "u1@example.org", claims.Email)
		assert.Equal(t, []string{"a", "b"}, claims.Groups)
		assert.Equal(t, int32(0), issuer.userinfoCalls.Load())
	})

	t.Run("audience mismatch falls back to userinfo", func(t *testing.T) {
		issuer.userinfoCalls.Store(0)
		token := issuer.sign(t, jwt.MapClaims{
			"iss": issuer.URL, "aud": "some-api", "sub": "u1", "exp": exp,
		})
		claims, err := p.ValidateAndGetIdentity(context.Background(), cfg, token)
		require.NoError(t, err)
		assert.Equal(t, "userinfo-subject", claims.Subject)
		assert.Equal(t, []string{"admins", "devs"}, claims.Groups)
		assert.Equal(t, int32(1), issuer.userinfoCalls.Load())
	})

	t.Run("bad signature fails hard", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		token := signWith(t, other, jwt.MapClaims{
			"iss": issuer.URL, "aud": testClientID, "sub": "u1", "exp": exp,
		})
		_, err = p.ValidateAndGetIdentity(context.Background(), cfg, token)
		assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("wrong issuer fails hard", func(t *testing.T) {
		token := issuer.sign(t, jwt.MapClaims{
			"iss": "https://elsewhere", "aud": testClientID, "sub": "u1", "exp": exp,
		})
		_, err := p.ValidateAndGetIdentity(context.Background(), cfg, token)
		assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
	})

	t.Run("expired beyond skew fails hard", func(t *testing.T) {
		token := issuer.sign(t, jwt.MapClaims{
			"iss": issuer.URL, "aud": testClientID, "sub": "u1", "exp": time.Now().Add(-time.Minute).Unix(),
		})
		_, err := p.ValidateAndGetIdentity(context.Background(), cfg, token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("opaque token goes to userinfo", func(t *testing.T) {
		issuer.userinfoCalls.Store(0)
		claims, err := p.ValidateAndGetIdentity(context.Background(), cfg, "opaque-token")
		require.NoError(t, err)
		assert.Equal(t, "jane@example.org", claims.Email)
		assert.Equal(t, int32(1), issuer.userinfoCalls.Load())
	})
}

func TestOIDCProvider_EndSessionURL(t *testing.T) {
	p := newTestProvider("https://issuer.example")

	_, err := p.EndSessionURL(&ProviderConfig{}, "id", "")
	assert.ErrorIs(t, err, ErrEndSessionUnsupported)

	raw, err := p.EndSessionURL(&ProviderConfig{EndSessionEndpoint: "https://issuer.example/logout"}, "id-token", "http://localhost/")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "id-token", u.Query().Get("id_token_hint"))
	assert.Equal(t, "http://localhost/", u.Query().Get("post_logout_redirect_uri"))
	assert.Equal(t, testClientID, u.Query().Get("client_id"))
}
