// Package metrics provides Prometheus instrumentation for the Worklane settlement core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklane",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "worklane",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentsTotal counts payment transactions by terminal status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklane",
			Name:      "payments_total",
			Help:      "Total payment transactions by terminal status.",
		},
		[]string{"status"},
	)

	// WebhookEventsTotal counts inbound provider webhook events by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklane",
			Name:      "webhook_events_total",
			Help:      "Inbound payment webhook events by result (applied, duplicate, unknown).",
		},
		[]string{"result"},
	)

	// EscrowCreatedTotal counts escrows opened.
	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worklane",
		Name:      "escrow_created_total",
		Help:      "Total escrows created.",
	})

	// EscrowReleasedTotal counts escrows released to sellers.
	EscrowReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worklane",
		Name:      "escrow_released_total",
		Help:      "Total escrows released (seller wallet credited).",
	})

	// EscrowRefundedTotal counts escrows refunded.
	EscrowRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worklane",
		Name:      "escrow_refunded_total",
		Help:      "Total escrows refunded.",
	})

	// EscrowHeldDuration observes time from escrow creation to resolution.
	EscrowHeldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "worklane",
		Name:      "escrow_held_duration_seconds",
		Help:      "Time from escrow creation to release or refund in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800},
	})

	// CommissionCentsTotal accumulates platform commission in minor units.
	CommissionCentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worklane",
		Name:      "commission_cents_total",
		Help:      "Cumulative platform commission collected, in cents.",
	})

	// SweepOrdersTotal counts auto-confirmation sweep outcomes per order.
	SweepOrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklane",
			Name:      "sweep_orders_total",
			Help:      "Orders processed by the auto-confirmation sweep, by outcome.",
		},
		[]string{"outcome"},
	)

	// WalletCreditsTotal counts wallet credit operations.
	WalletCreditsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worklane",
		Name:      "wallet_credits_total",
		Help:      "Total wallet credit operations.",
	})

	// WalletDebitsTotal counts wallet debit operations.
	WalletDebitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "worklane",
		Name:      "wallet_debits_total",
		Help:      "Total wallet debit operations.",
	})

	// NotifyDeliveriesTotal counts outbound notification deliveries by result.
	NotifyDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklane",
			Name:      "notify_deliveries_total",
			Help:      "Outbound notification deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "worklane",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "worklane", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "worklane", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "worklane", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "worklane", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "worklane", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "worklane", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentsTotal,
		WebhookEventsTotal,
		EscrowCreatedTotal,
		EscrowReleasedTotal,
		EscrowRefundedTotal,
		EscrowHeldDuration,
		CommissionCentsTotal,
		SweepOrdersTotal,
		WalletCreditsTotal,
		WalletDebitsTotal,
		NotifyDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
