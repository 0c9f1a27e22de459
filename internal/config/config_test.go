package config

import (
	"testing"
	"time"

	"github.com/purdue-af/cluster-session-broker/internal/k8s"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("OIDC_CLIENT_ID", "broker")
	t.Setenv("OIDC_REDIRECT_URL", "https://broker.example/auth/callback")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, k8s.ModeKubeconfig, cfg.ClusterConfigMode)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.TokenRefreshWindow)
	assert.Equal(t, "https://cilogon.org", cfg.OIDC.Issuer)
	assert.Equal(t, []string{"openid", "profile", "email", "offline_access"}, cfg.OIDC.Scopes)
	assert.Equal(t, "S256", cfg.OIDC.PKCEMethod)
	assert.True(t, cfg.SecureCookies)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CLUSTER_CONFIG_MODE", "incluster")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("TOKEN_REFRESH_WINDOW", "90s")
	t.Setenv("OIDC_SCOPES", "openid email")
	t.Setenv("OIDC_PKCE_METHOD", "plain")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("COOKIE_SECURE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, k8s.ModeInCluster, cfg.ClusterConfigMode)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 90*time.Second, cfg.TokenRefreshWindow)
	assert.Equal(t, []string{"openid", "email"}, cfg.OIDC.Scopes)
	assert.Equal(t, "plain", cfg.OIDC.PKCEMethod)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.SecureCookies)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing client id", map[string]string{"OIDC_CLIENT_ID": ""}, "OIDC_CLIENT_ID"},
		{"relative redirect", map[string]string{"OIDC_REDIRECT_URL": "/callback"}, "OIDC_REDIRECT_URL"},
		{"unknown mode", map[string]string{"CLUSTER_CONFIG_MODE": "ambient"}, "CLUSTER_CONFIG_MODE"},
		{"unknown pkce method", map[string]string{"OIDC_PKCE_METHOD": "S512"}, "OIDC_PKCE_METHOD"},
		{"bad duration", map[string]string{"SESSION_TTL": "forever"}, "SESSION_TTL"},
		{"bad bool", map[string]string{"COOKIE_SECURE": "maybe"}, "COOKIE_SECURE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
