package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SandboxesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opensandboxd_sandboxes_active",
			Help: "Number of currently active sandboxes by state",
		},
		[]string{"state", "template"},
	)

	SandboxCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opensandboxd_sandbox_create_duration_seconds",
			Help:    "Time to create a sandbox",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"template"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opensandboxd_exec_duration_seconds",
			Help:    "Time to execute a command in a sandbox",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
		},
		[]string{},
	)

	PTYSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opensandboxd_pty_sessions_active",
			Help: "Number of active PTY sessions",
		},
	)

	AgentSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opensandboxd_agent_sessions_active",
			Help: "Number of attached agent control-stream sessions",
		},
	)

	PodmanOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opensandboxd_podman_op_duration_seconds",
			Help:    "Time for podman operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensandboxd_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	SandboxCreatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensandboxd_sandbox_creates_total",
			Help: "Total sandbox creations",
		},
		[]string{"template", "status"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensandboxd_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"type", "result"},
	)

	ReaperTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensandboxd_reaper_ticks_total",
			Help: "Total reaper sweep ticks",
		},
		[]string{},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesActive,
		SandboxCreateDuration,
		ExecDuration,
		PTYSessionsActive,
		AgentSessionsActive,
		PodmanOpDuration,
		HTTPRequestsTotal,
		SandboxCreatesTotal,
		AuthAttemptsTotal,
		ReaperTicksTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}
