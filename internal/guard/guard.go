// Package guard gates protected requests on a valid session and keeps the
// session's tokens fresh.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/purdue-af/cluster-session-broker/internal/auth"
	"github.com/purdue-af/cluster-session-broker/internal/metrics"
	"github.com/purdue-af/cluster-session-broker/internal/session"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// DefaultRefreshWindow is how long before expiry a token is refreshed.
const DefaultRefreshWindow = 5 * time.Minute

var (
	// ErrUnauthenticated is returned when the session has no user.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrSessionExpired is returned when the session's credentials can no longer be used.
	ErrSessionExpired = errors.New("session expired, please re-authenticate")
	// ErrRefreshFailed is returned when the provider refused to refresh. It is an ErrSessionExpired.
	ErrRefreshFailed = fmt.Errorf("%w: token refresh failed", ErrSessionExpired)
)

// TokenRefresher is the part of the identity provider the guard needs.
type TokenRefresher interface {
	Discover(ctx context.Context) (*auth.ProviderConfig, error)
	Refresh(ctx context.Context, cfg *auth.ProviderConfig, refreshToken string) (*types.TokenBundle, error)
}

// Guard validates sessions before cluster access.
type Guard struct {
	store     session.Store
	provider  TokenRefresher
	window    time.Duration
	now       func() time.Time
	refreshes singleflight.Group
}

// New creates a guard. A non-positive window selects DefaultRefreshWindow.
func New(store session.Store, provider TokenRefresher, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	return &Guard{
		store:    store,
		provider: provider,
		window:   window,
		now:      time.Now,
	}
}

// Authorize returns the session identified by sessionID once its access token
// is known to be valid, refreshing tokens that are close to expiry.
func (g *Guard) Authorize(ctx context.Context, sessionID string) (*types.Session, error) {
	sess, err := g.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Authenticated() {
		metrics.ReportSessionRejected("unauthenticated")
		return nil, ErrUnauthenticated
	}

	now := g.now()
	if !sess.User.Tokens.AccessTokenValid(now) {
		klog.V(2).InfoS("Access token expired, destroying session", "subject", sess.User.Claims.Subject)
		g.destroy(ctx, sessionID)
		metrics.ReportSessionRejected("expired")
		return nil, ErrSessionExpired
	}

	if !g.needsRefresh(sess.User.Tokens, now) {
		return sess, nil
	}
	return g.refresh(ctx, sessionID)
}

func (g *Guard) load(ctx context.Context, sessionID string) (*types.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	sess, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// needsRefresh reports whether either token enters the refresh window.
// Sessions without a refresh token ride out their remaining lifetime.
func (g *Guard) needsRefresh(tokens types.TokenBundle, now time.Time) bool {
	if tokens.RefreshToken == "" {
		return false
	}
	deadline := now.Add(g.window)
	if !deadline.Before(tokens.AccessTokenExpiresAt) {
		return true
	}
	return tokens.IDToken != "" && !deadline.Before(tokens.IDTokenExpiresAt)
}

type persistError struct{ err error }

func (e *persistError) Error() string { return "failed to persist refreshed tokens: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// refresh renews both tokens with one provider call. Concurrent callers for
// the same session share a single in-flight refresh.
func (g *Guard) refresh(ctx context.Context, sessionID string) (*types.Session, error) {
	// A caller going away must not abort a refresh other callers are waiting on.
	shared := context.WithoutCancel(ctx)

	v, err, _ := g.refreshes.Do(sessionID, func() (interface{}, error) {
		current, err := g.load(shared, sessionID)
		if err != nil {
			return nil, &persistError{err}
		}
		if !current.Authenticated() {
			return nil, ErrUnauthenticated
		}
		if !g.needsRefresh(current.User.Tokens, g.now()) {
			return current, nil
		}

		cfg, err := g.provider.Discover(shared)
		if err != nil {
			return nil, err
		}
		bundle, err := g.provider.Refresh(shared, cfg, current.User.Tokens.RefreshToken)
		metrics.ReportTokenRefresh(err)
		if err != nil {
			return nil, err
		}
		if bundle.RefreshToken == "" {
			bundle.RefreshToken = current.User.Tokens.RefreshToken
		}

		current.User.Tokens = *bundle
		if err := g.store.Set(shared, sessionID, current); err != nil {
			return nil, &persistError{err}
		}
		klog.V(2).InfoS("Refreshed session tokens", "subject", current.User.Claims.Subject,
			"accessExpiresAt", bundle.AccessTokenExpiresAt)
		return current, nil
	})

	var perr *persistError
	switch {
	case err == nil:
		return v.(*types.Session).Clone(), nil
	case errors.Is(err, ErrUnauthenticated):
		metrics.ReportSessionRejected("unauthenticated")
		return nil, err
	case errors.As(err, &perr):
		return nil, err
	default:
		klog.ErrorS(err, "Token refresh failed, destroying session")
		g.destroy(ctx, sessionID)
		metrics.ReportSessionRejected("refresh_failed")
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
}

func (g *Guard) destroy(ctx context.Context, sessionID string) {
	if err := g.store.Destroy(context.WithoutCancel(ctx), sessionID); err != nil {
		klog.ErrorS(err, "Failed to destroy session")
	}
}
