package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/purdue-af/cluster-session-broker/internal/auth"
	"github.com/purdue-af/cluster-session-broker/internal/k8s"
	"github.com/purdue-af/cluster-session-broker/internal/session"
	"github.com/purdue-af/cluster-session-broker/internal/tunnel"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	"k8s.io/klog/v2"
)

// SessionCookieName is the cookie carrying the signed session id.
const SessionCookieName = "broker_session"

// SessionGuard authorizes a session id before cluster access.
type SessionGuard interface {
	Authorize(ctx context.Context, sessionID string) (*types.Session, error)
}

// ClusterBinder binds an authenticated session to the ambient cluster.
type ClusterBinder interface {
	Bind(session *types.Session) (*types.ClusterBinding, error)
}

// AccessReviewer answers permission checks.
type AccessReviewer interface {
	CanI(ctx context.Context, binding *types.ClusterBinding, verb string, desc types.ResourceDescriptor, namespace, name string) (*k8s.AccessResult, error)
}

// Dependencies are the components the handlers are built from.
type Dependencies struct {
	Provider auth.Provider
	Store    session.Store
	Cookie   *session.Cookie
	Guard    SessionGuard
	Binder   ClusterBinder
	Reviewer AccessReviewer
	Tunnels  tunnel.ManagerInterface
}

// Options tune handler behaviour.
type Options struct {
	// RedirectURL is the registered OIDC callback; callbacks are resolved against it.
	RedirectURL           string
	PostLogoutRedirectURL string
	SessionTTL            time.Duration
	SecureCookies         bool
}

type Handlers struct {
	provider auth.Provider
	store    session.Store
	cookie   *session.Cookie
	guard    SessionGuard
	binder   ClusterBinder
	reviewer AccessReviewer
	tunnels  tunnel.ManagerInterface
	options  Options

	newClient func(*types.ClusterBinding) (k8s.ClientInterface, error)
	now       func() time.Time
}

func NewHandlers(deps Dependencies, options Options) *Handlers {
	return &Handlers{
		provider: deps.Provider,
		store:    deps.Store,
		cookie:   deps.Cookie,
		guard:    deps.Guard,
		binder:   deps.Binder,
		reviewer: deps.Reviewer,
		tunnels:  deps.Tunnels,
		options:  options,
		newClient: func(b *types.ClusterBinding) (k8s.ClientInterface, error) {
			return k8s.NewClient(b)
		},
		now: time.Now,
	}
}

func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	// Health check
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Auth endpoints
	authGroup := router.Group("/auth")
	authGroup.GET("/login", handlers.Login)
	authGroup.GET("/callback", handlers.Callback)
	authGroup.POST("/token", handlers.TokenLogin)
	authGroup.POST("/logout", handlers.Logout)
	authGroup.GET("/me", handlers.RequireSession(), handlers.Me)

	// Cluster endpoints
	apiGroup := router.Group("/api", handlers.RequireSession(), handlers.RequireBinding())
	apiGroup.GET("/resources", handlers.ListResources)
	apiGroup.POST("/resources", handlers.CreateResource)
	apiGroup.GET("/resources/:name", handlers.GetResource)
	apiGroup.PUT("/resources/:name", handlers.ReplaceResource)
	apiGroup.PATCH("/resources/:name", handlers.PatchResource)
	apiGroup.DELETE("/resources/:name", handlers.DeleteResource)
	apiGroup.POST("/permissions", handlers.CheckPermission)
	apiGroup.GET("/whoami", handlers.WhoAmI)
	apiGroup.GET("/namespaces", handlers.ListNamespaces)

	// Watch tunnel endpoint
	apiGroup.GET("/watch", handlers.HandleWatch)
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": h.now().Unix(),
	})
}

// Login starts the authorization-code flow with PKCE.
func (h *Handlers) Login(c *gin.Context) {
	ctx := c.Request.Context()
	cfg, err := h.provider.Discover(ctx)
	if err != nil {
		klog.ErrorS(err, "OIDC discovery failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "identity provider unavailable"})
		return
	}

	state, err := auth.NewState()
	if err != nil {
		klog.ErrorS(err, "Failed to generate login state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start login"})
		return
	}
	verifier, challenge := auth.NewPKCE(h.provider.PKCEMethod())

	authURL, err := h.provider.AuthorizationURL(cfg, state, challenge)
	if err != nil {
		klog.ErrorS(err, "Failed to build authorization URL")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start login"})
		return
	}

	sessionID := session.NewSessionID()
	pending := &types.Session{Login: &types.LoginState{
		State:        state,
		CodeVerifier: verifier,
		ReturnPath:   safeReturnPath(c.Query("return_to")),
	}}
	if err := h.store.Set(ctx, sessionID, pending); err != nil {
		klog.ErrorS(err, "Failed to store login state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start login"})
		return
	}
	if !h.setSessionCookie(c, sessionID) {
		return
	}

	c.Redirect(http.StatusFound, authURL)
}

// Callback completes the flow and rotates the session id.
func (h *Handlers) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	pendingID := h.sessionIDFromCookie(c)
	pending, err := h.loadSession(ctx, pendingID)
	if err != nil || pending == nil || pending.Login == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no login in progress"})
		return
	}

	cfg, err := h.provider.Discover(ctx)
	if err != nil {
		klog.ErrorS(err, "OIDC discovery failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "identity provider unavailable"})
		return
	}

	bundle, err := h.provider.ExchangeCode(ctx, cfg, h.callbackURL(c), pending.Login.CodeVerifier, pending.Login.State)
	if err != nil {
		h.destroySession(ctx, pendingID)
		if errors.Is(err, auth.ErrStateMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
			return
		}
		klog.ErrorS(err, "Code exchange failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	user, err := h.resolveUser(ctx, cfg, bundle)
	if err != nil {
		h.destroySession(ctx, pendingID)
		klog.ErrorS(err, "Failed to resolve identity")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	returnPath := pending.Login.ReturnPath
	if _, ok := h.startSession(c, user); !ok {
		return
	}
	h.destroySession(ctx, pendingID)

	if returnPath == "" {
		returnPath = "/"
	}
	c.Redirect(http.StatusFound, returnPath)
}

// TokenLoginRequest logs in with a token obtained out of band.
type TokenLoginRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenLogin creates a session from a bearer token, e.g. one issued to a CLI.
func (h *Handlers) TokenLogin(c *gin.Context) {
	var req TokenLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	cfg, err := h.provider.Discover(ctx)
	if err != nil {
		klog.ErrorS(err, "OIDC discovery failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "identity provider unavailable"})
		return
	}

	now := h.now()
	bundle, err := auth.NormalizeTokenLogin(auth.TokenResponse{
		AccessToken:  req.AccessToken,
		IDToken:      req.IDToken,
		RefreshToken: req.RefreshToken,
	}, now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token: " + err.Error()})
		return
	}
	if !bundle.AccessTokenValid(now) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
		return
	}

	user, err := h.resolveUser(ctx, cfg, bundle)
	if err != nil {
		klog.V(2).InfoS("Token login rejected", "err", err.Error())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
		return
	}

	if _, ok := h.startSession(c, user); !ok {
		return
	}
	c.JSON(http.StatusOK, meResponse(user))
}

// Logout destroys the session and returns the provider's end-session URL when it has one.
func (h *Handlers) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := h.sessionIDFromCookie(c)
	sess, _ := h.loadSession(ctx, sessionID)

	response := gin.H{"message": "logged out"}
	if sess.Authenticated() {
		if cfg, err := h.provider.Discover(ctx); err == nil {
			logoutURL, err := h.provider.EndSessionURL(cfg, sess.User.Tokens.IDToken, h.options.PostLogoutRedirectURL)
			if err == nil {
				response["logout_url"] = logoutURL
			} else if !errors.Is(err, auth.ErrEndSessionUnsupported) {
				klog.ErrorS(err, "Failed to build end-session URL")
			}
		}
	}

	if sessionID != "" {
		h.destroySession(ctx, sessionID)
		if h.tunnels != nil {
			_ = h.tunnels.CloseTunnel(sessionID)
		}
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, response)
}

// Me returns the current user.
func (h *Handlers) Me(c *gin.Context) {
	c.JSON(http.StatusOK, meResponse(currentSession(c).User))
}

func meResponse(user *types.User) gin.H {
	return gin.H{
		"subject":          user.Claims.Subject,
		"name":             user.Claims.Name,
		"email":            user.Claims.Email,
		"groups":           user.Claims.Groups,
		"token_expires_at": user.Tokens.AccessTokenExpiresAt.UTC().Format(time.RFC3339),
	}
}

// resolveUser validates the id token when there is one, otherwise the access token.
func (h *Handlers) resolveUser(ctx context.Context, cfg *auth.ProviderConfig, bundle *types.TokenBundle) (*types.User, error) {
	token := bundle.IDToken
	if token == "" {
		token = bundle.AccessToken
	}
	claims, err := h.provider.ValidateAndGetIdentity(ctx, cfg, token)
	if err != nil {
		return nil, err
	}
	if claims.Groups == nil {
		claims.Groups = []string{}
	}
	return &types.User{Claims: *claims, Tokens: *bundle}, nil
}

// startSession stores a fresh authenticated session and sets its cookie.
func (h *Handlers) startSession(c *gin.Context, user *types.User) (string, bool) {
	sessionID := session.NewSessionID()
	if err := h.store.Set(c.Request.Context(), sessionID, &types.Session{User: user}); err != nil {
		klog.ErrorS(err, "Failed to store session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return "", false
	}
	if !h.setSessionCookie(c, sessionID) {
		return "", false
	}
	klog.InfoS("User logged in", "subject", user.Claims.Subject, "email", user.Claims.Email)
	return sessionID, true
}

func (h *Handlers) loadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	return h.store.Get(ctx, sessionID)
}

func (h *Handlers) destroySession(ctx context.Context, sessionID string) {
	if err := h.store.Destroy(ctx, sessionID); err != nil {
		klog.ErrorS(err, "Failed to destroy session")
	}
}

func (h *Handlers) callbackURL(c *gin.Context) string {
	base := h.options.RedirectURL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return base + "?" + c.Request.URL.RawQuery
}

func (h *Handlers) sessionIDFromCookie(c *gin.Context) string {
	value, err := c.Cookie(SessionCookieName)
	if err != nil || value == "" {
		return ""
	}
	sessionID, err := h.cookie.Verify(value)
	if err != nil {
		klog.V(2).InfoS("Ignoring invalid session cookie", "err", err.Error())
		return ""
	}
	return sessionID
}

func (h *Handlers) setSessionCookie(c *gin.Context, sessionID string) bool {
	value, err := h.cookie.Sign(sessionID)
	if err != nil {
		klog.ErrorS(err, "Failed to sign session cookie")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return false
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, value, int(h.options.SessionTTL.Seconds()), "/", "", h.options.SecureCookies, true)
	return true
}

func (h *Handlers) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, "", -1, "/", "", h.options.SecureCookies, true)
}

// safeReturnPath only allows local absolute paths.
func safeReturnPath(path string) string {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.HasPrefix(path, "/\\") {
		return ""
	}
	return path
}
