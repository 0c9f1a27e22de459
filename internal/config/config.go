// Package config loads broker settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/purdue-af/cluster-session-broker/internal/auth"
	"github.com/purdue-af/cluster-session-broker/internal/guard"
	"github.com/purdue-af/cluster-session-broker/internal/k8s"
	"k8s.io/klog/v2"
)

const insecureDefaultSecret = "change-me-in-production"

// Config holds all broker configuration.
type Config struct {
	ListenAddr            string
	ClusterConfigMode     k8s.LoadMode
	KubeconfigPath        string
	SessionTTL            time.Duration
	SessionSecret         string
	TokenRefreshWindow    time.Duration
	PostLogoutRedirectURL string
	AllowedOrigins        []string
	SecureCookies         bool
	OIDC                  OIDCConfig
}

// OIDCConfig holds the identity provider client settings.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	PKCEMethod   string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		klog.InfoS("Ignoring unreadable .env file", "err", err.Error())
	}

	sessionTTL, err := getDuration("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	refreshWindow, err := getDuration("TOKEN_REFRESH_WINDOW", guard.DefaultRefreshWindow)
	if err != nil {
		return nil, err
	}
	secureCookies, err := strconv.ParseBool(getEnv("COOKIE_SECURE", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid COOKIE_SECURE: %w", err)
	}

	config := &Config{
		ListenAddr:            getEnv("LISTEN_ADDR", ":8080"),
		ClusterConfigMode:     k8s.LoadMode(getEnv("CLUSTER_CONFIG_MODE", string(k8s.ModeKubeconfig))),
		KubeconfigPath:        getEnv("KUBECONFIG", ""),
		SessionTTL:            sessionTTL,
		SessionSecret:         getEnv("SESSION_SECRET", insecureDefaultSecret),
		TokenRefreshWindow:    refreshWindow,
		PostLogoutRedirectURL: getEnv("POST_LOGOUT_REDIRECT_URL", ""),
		AllowedOrigins:        splitList(getEnv("ALLOWED_ORIGINS", "")),
		SecureCookies:         secureCookies,
		OIDC: OIDCConfig{
			Issuer:       getEnv("OIDC_ISSUER", "https://cilogon.org"),
			ClientID:     getEnv("OIDC_CLIENT_ID", ""),
			ClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("OIDC_REDIRECT_URL", ""),
			Scopes:       splitList(getEnv("OIDC_SCOPES", "openid,profile,email,offline_access")),
			PKCEMethod:   getEnv("OIDC_PKCE_METHOD", auth.PKCEMethodS256),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.SessionSecret == insecureDefaultSecret {
		klog.InfoS("SESSION_SECRET is not set, using an insecure development default")
	}
	return config, nil
}

// Validate checks required settings and their formats.
func (c *Config) Validate() error {
	var problems []string

	switch c.ClusterConfigMode {
	case k8s.ModeKubeconfig, k8s.ModeInCluster:
	default:
		problems = append(problems, fmt.Sprintf("CLUSTER_CONFIG_MODE must be %q or %q", k8s.ModeKubeconfig, k8s.ModeInCluster))
	}
	if c.OIDC.ClientID == "" {
		problems = append(problems, "OIDC_CLIENT_ID is required")
	}
	if !isAbsoluteURL(c.OIDC.Issuer) {
		problems = append(problems, "OIDC_ISSUER must be an absolute URL")
	}
	if !isAbsoluteURL(c.OIDC.RedirectURL) {
		problems = append(problems, "OIDC_REDIRECT_URL must be an absolute URL")
	}
	if c.PostLogoutRedirectURL != "" && !isAbsoluteURL(c.PostLogoutRedirectURL) {
		problems = append(problems, "POST_LOGOUT_REDIRECT_URL must be an absolute URL")
	}
	switch c.OIDC.PKCEMethod {
	case auth.PKCEMethodS256, auth.PKCEMethodPlain:
	default:
		problems = append(problems, "OIDC_PKCE_METHOD must be S256 or plain")
	}
	if c.SessionTTL <= 0 || c.TokenRefreshWindow <= 0 {
		problems = append(problems, "SESSION_TTL and TOKEN_REFRESH_WINDOW must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, part)
	}
	return out
}

// getEnv gets environment variable with fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
