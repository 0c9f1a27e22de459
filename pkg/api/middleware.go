package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/purdue-af/cluster-session-broker/internal/guard"
	"github.com/purdue-af/cluster-session-broker/internal/k8s"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"
)

const (
	sessionKey   = "session"
	sessionIDKey = "session_id"
	bindingKey   = "binding"

	loginPath = "/auth/login"
)

// RequireSession rejects requests without a valid, fresh session.
func (h *Handlers) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := h.sessionIDFromCookie(c)
		sess, err := h.guard.Authorize(c.Request.Context(), sessionID)
		switch {
		case errors.Is(err, guard.ErrSessionExpired), errors.Is(err, guard.ErrUnauthenticated):
			respondError(c, err)
			c.Abort()
			return
		case err != nil:
			klog.ErrorS(err, "Session lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
			return
		}

		c.Set(sessionKey, sess)
		c.Set(sessionIDKey, sessionID)
		c.Next()
	}
}

// RequireBinding binds the session to the cluster. It must follow RequireSession.
func (h *Handlers) RequireBinding() gin.HandlerFunc {
	return func(c *gin.Context) {
		binding, err := h.binder.Bind(currentSession(c))
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}

		c.Set(bindingKey, binding)
		c.Next()
	}
}

func currentSession(c *gin.Context) *types.Session {
	return c.MustGet(sessionKey).(*types.Session)
}

func currentBinding(c *gin.Context) *types.ClusterBinding {
	return c.MustGet(bindingKey).(*types.ClusterBinding)
}

// respondError maps internal failures onto HTTP responses.
func respondError(c *gin.Context, err error) {
	var status apierrors.APIStatus
	switch {
	case errors.Is(err, guard.ErrSessionExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": guard.ErrSessionExpired.Error(), "login_url": loginPath})
	case errors.Is(err, guard.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": guard.ErrUnauthenticated.Error(), "login_url": loginPath})
	case errors.As(err, &status) && status.Status().Code != 0:
		// Covers both executor APIErrors and typed clientset errors.
		s := status.Status()
		c.JSON(int(s.Code), gin.H{"error": s.Message, "reason": s.Reason})
	case k8s.IsBindingError(err):
		klog.ErrorS(err, "Cluster binding failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cluster access is not configured"})
	default:
		klog.ErrorS(err, "Request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "cluster request failed"})
	}
}
