package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/governor/internal/gateway"
	"github.com/AlexKimmel/governor/internal/ratelimit"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	ThrottleDelay   *prometheus.HistogramVec
	FailOpen        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_requests_total",
				Help: "Total HTTP requests seen by the governor",
			},
			[]string{"method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_request_duration_seconds",
				Help:    "Request duration in seconds, throttle delay included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_decisions_total",
				Help: "Admission decisions per rule and action",
			},
			[]string{"rule", "action"},
		),
		ThrottleDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_throttle_delay_seconds",
				Help:    "Delay imposed on throttled requests",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"rule"},
		),
		FailOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_fail_open_total",
				Help: "Requests allowed because the counter store was unavailable",
			},
			[]string{"rule"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.ThrottleDelay, m.FailOpen)
	return m
}

// ObserveDecision records one admission decision. It matches the gate's
// OnDecision hook.
func (m *Metrics) ObserveDecision(rule string, d ratelimit.Decision) {
	m.Decisions.WithLabelValues(rule, d.Action.String()).Inc()
	if d.Action == ratelimit.Throttle {
		m.ThrottleDelay.WithLabelValues(rule).Observe(d.Delay.Seconds())
	}
	if d.FailedOpen {
		m.FailOpen.WithLabelValues(rule).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush keeps streaming responses from the upstream working through the
// recorder.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records per-request metrics.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
