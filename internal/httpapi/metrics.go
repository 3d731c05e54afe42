package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dreamrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dreamrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dreamrelay",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	framesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dreamrelay",
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Frames received over the worker link",
		},
	)

	frameBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dreamrelay",
			Subsystem: "relay",
			Name:      "frame_bytes_total",
			Help:      "Frame payload bytes received over the worker link",
		},
	)

	framesBroadcastTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dreamrelay",
			Subsystem: "relay",
			Name:      "frames_broadcast_total",
			Help:      "Frame broadcasts delivered (one per viewer per frame)",
		},
	)

	viewersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dreamrelay",
			Subsystem: "relay",
			Name:      "viewers",
			Help:      "Connected streaming viewers",
		},
	)

	viewerDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dreamrelay",
			Subsystem: "relay",
			Name:      "viewer_drops_total",
			Help:      "Viewers dropped for not keeping up with broadcasts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration, httpInflight,
		framesReceivedTotal, frameBytesTotal, framesBroadcastTotal,
		viewersGauge, viewerDropsTotal,
	)
}

// RelayMetrics adapts the prometheus set to the hub's metrics hooks.
type RelayMetrics struct{}

func (RelayMetrics) ViewerConnected()    { viewersGauge.Inc() }
func (RelayMetrics) ViewerDisconnected() { viewersGauge.Dec() }
func (RelayMetrics) ViewerDropped()      { viewerDropsTotal.Inc() }
func (RelayMetrics) FrameReceived(sizeBytes int) {
	framesReceivedTotal.Inc()
	frameBytesTotal.Add(float64(sizeBytes))
}
func (RelayMetrics) FrameBroadcast(viewerCount int) {
	framesBroadcastTotal.Add(float64(viewerCount))
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event-stream endpoint working behind the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePatternOrPath(r)
		method := r.Method
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		statusLabel := itoa(sr.status)
		dur := time.Since(start).Seconds()
		httpRequestsTotal.WithLabelValues(path, method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, method, statusLabel).Observe(dur)
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// fast integer to ascii for small set of status codes
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
