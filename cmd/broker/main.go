package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/purdue-af/cluster-session-broker/internal/auth"
	"github.com/purdue-af/cluster-session-broker/internal/config"
	"github.com/purdue-af/cluster-session-broker/internal/guard"
	"github.com/purdue-af/cluster-session-broker/internal/k8s"
	"github.com/purdue-af/cluster-session-broker/internal/session"
	"github.com/purdue-af/cluster-session-broker/internal/tunnel"
	"github.com/purdue-af/cluster-session-broker/pkg/api"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		os.Exit(1)
	}

	// Initialize components
	binder, err := k8s.NewBinder(cfg.ClusterConfigMode, cfg.KubeconfigPath)
	if err != nil {
		klog.ErrorS(err, "Failed to load cluster configuration")
		os.Exit(1)
	}

	oidcProvider := auth.NewOIDCProvider(auth.OIDCConfig{
		Issuer:       cfg.OIDC.Issuer,
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		RedirectURL:  cfg.OIDC.RedirectURL,
		Scopes:       cfg.OIDC.Scopes,
		PKCEMethod:   cfg.OIDC.PKCEMethod,
	})
	sessionStore := session.NewInMemoryStore(cfg.SessionTTL)
	tunnelManager := tunnel.NewManager(cfg.AllowedOrigins)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sessionStore.Run(ctx)

	// Discovery failures at startup are not fatal; requests retry it.
	if _, err := oidcProvider.Discover(ctx); err != nil {
		klog.ErrorS(err, "Initial OIDC discovery failed", "issuer", cfg.OIDC.Issuer)
	}

	// Initialize API handlers
	handlers := api.NewHandlers(api.Dependencies{
		Provider: oidcProvider,
		Store:    sessionStore,
		Cookie:   session.NewCookie(cfg.SessionSecret, cfg.SessionTTL),
		Guard:    guard.New(sessionStore, oidcProvider, cfg.TokenRefreshWindow),
		Binder:   binder,
		Reviewer: k8s.NewAccessReviewer(),
		Tunnels:  tunnelManager,
	}, api.Options{
		RedirectURL:           cfg.OIDC.RedirectURL,
		PostLogoutRedirectURL: cfg.PostLogoutRedirectURL,
		SessionTTL:            cfg.SessionTTL,
		SecureCookies:         cfg.SecureCookies,
	})

	// Setup Gin router
	router := gin.Default()
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	// Register routes
	api.RegisterRoutes(router, handlers)

	// Start server
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		klog.InfoS("Starting broker server", "addr", cfg.ListenAddr, "clusterConfigMode", cfg.ClusterConfigMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Failed to start server")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	klog.InfoS("Shutting down server")
	stop()

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Server forced to shutdown")
	}

	klog.InfoS("Server exited")
}

// corsMiddleware allows credentialed requests from the configured origins only.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
