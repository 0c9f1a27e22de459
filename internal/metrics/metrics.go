package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TokenRefreshMetrics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_token_refresh_total",
		Help: "Number of identity provider token refreshes by result",
	}, []string{"result"})
	SessionRejectMetrics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_session_rejected_total",
		Help: "Number of protected requests rejected by the session guard",
	}, []string{"reason"})
	ClusterRequestMetrics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_cluster_requests_total",
		Help: "Number of cluster API requests by method and status code class",
	}, []string{"method", "code"})
	ActiveWatchMetrics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_watches",
		Help: "Number of open watch subscriptions",
	})
)

func init() {
	prometheus.MustRegister(TokenRefreshMetrics, SessionRejectMetrics, ClusterRequestMetrics, ActiveWatchMetrics)
}

// ReportTokenRefresh records the outcome of one refresh attempt.
func ReportTokenRefresh(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	TokenRefreshMetrics.With(prometheus.Labels{"result": result}).Inc()
}

// ReportSessionRejected records a guard rejection.
func ReportSessionRejected(reason string) {
	SessionRejectMetrics.With(prometheus.Labels{"reason": reason}).Inc()
}

// ReportClusterRequest records one cluster API call. code is "error" when no response was received.
func ReportClusterRequest(method, code string) {
	ClusterRequestMetrics.With(prometheus.Labels{"method": method, "code": code}).Inc()
}
