package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "bore_active_sessions", Help: "Currently live control sessions"})
	PendingConnections    = promauto.NewGauge(prometheus.GaugeOpts{Name: "bore_pending_connections", Help: "Public connections deposited but not yet claimed"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_tunnel_established_total", Help: "Pending connections successfully claimed by a client"})
	TunnelExpiredTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_tunnel_expired_total", Help: "Pending connections that hit their TTL before being claimed"})
	AuthFailureTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_auth_failure_total", Help: "Failed challenge-response authentications"})
	RateLimitedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_rate_limited_total", Help: "Connections rejected by the abuse-mitigation rate limiter"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bore_errors_total", Help: "Errors by kind"}, []string{"kind"})
	TunnelDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bore_tunnel_duration_seconds", Help: "Lifetime of an established tunnel, in seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
