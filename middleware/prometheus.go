package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"method", "path"})
)

// PrometheusMiddleware records request counts and latency per route.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Metrics is the Prometheus-backed metrics sink for the generation domain.
type Metrics struct {
	sessionsActive prometheus.Gauge
	imagesCreated  *prometheus.CounterVec
	creditGrants   *prometheus.CounterVec
}

// NewMetrics registers the domain collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "imagegen_sessions_active",
			Help: "Sessions that generated within the idle window.",
		}),
		imagesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imagegen_images_created_total",
			Help: "Images returned to users, split by explicit classification.",
		}, []string{"nsfw"}),
		creditGrants: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imagegen_credit_grants_total",
			Help: "Credits granted, by source.",
		}, []string{"source"}),
	}
}

// SetActiveSessions implements domain.Metrics.
func (m *Metrics) SetActiveSessions(n int) {
	m.sessionsActive.Set(float64(n))
}

// AddImages implements domain.Metrics.
func (m *Metrics) AddImages(total, nsfw int) {
	if nsfw > 0 {
		m.imagesCreated.WithLabelValues("true").Add(float64(nsfw))
	}
	if safe := total - nsfw; safe > 0 {
		m.imagesCreated.WithLabelValues("false").Add(float64(safe))
	}
}

// AddCreditGrant implements domain.Metrics.
func (m *Metrics) AddCreditGrant(source string, amount int) {
	if amount <= 0 {
		return
	}
	m.creditGrants.WithLabelValues(source).Add(float64(amount))
}
