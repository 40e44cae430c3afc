package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

type MetricsMiddleware struct {
	set              *metrics.Set
	prefix           string
	requestCounter   *metrics.Counter
	responseTimeHist *metrics.Histogram
	requestSizeHist  *metrics.Histogram
	responseSizeHist *metrics.Histogram
	controlCounter   *metrics.Counter
}

// NewMetricsMiddleware registers the HTTP metrics in the global set. Control
// API requests are those whose path starts with controlPrefix.
func NewMetricsMiddleware(controlPrefix string) *MetricsMiddleware {
	return newMetricsMiddleware(nil, controlPrefix)
}

func newMetricsMiddleware(set *metrics.Set, controlPrefix string) *MetricsMiddleware {
	m := &MetricsMiddleware{set: set, prefix: controlPrefix}
	m.requestCounter = m.counter("http_requests_total")
	m.responseTimeHist = m.histogram("http_response_time_seconds")
	m.requestSizeHist = m.histogram("http_request_size_bytes")
	m.responseSizeHist = m.histogram("http_response_size_bytes")
	m.controlCounter = m.counter("edgeworker_control_requests_total")
	return m
}

func (m *MetricsMiddleware) counter(name string) *metrics.Counter {
	if m.set != nil {
		return m.set.GetOrCreateCounter(name)
	}
	return metrics.GetOrCreateCounter(name)
}

func (m *MetricsMiddleware) histogram(name string) *metrics.Histogram {
	if m.set != nil {
		return m.set.GetOrCreateHistogram(name)
	}
	return metrics.GetOrCreateHistogram(name)
}

func (m *MetricsMiddleware) WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if r.ContentLength > 0 {
			m.requestSizeHist.Update(float64(r.ContentLength))
		}

		lrw := newLoggingResponseWriter(w)

		m.requestCounter.Inc()
		next.ServeHTTP(lrw, r)

		m.responseTimeHist.Update(time.Since(start).Seconds())
		m.counter(fmt.Sprintf(`http_response_status_total{code="%d"}`, lrw.statusCode)).Inc()
		m.responseSizeHist.Update(float64(lrw.length))

		if m.prefix != "" && strings.HasPrefix(r.URL.Path, m.prefix) {
			m.controlCounter.Inc()
			return
		}
		if source := lrw.Header().Get(SourceHeader); source != "" {
			m.counter(fmt.Sprintf(`edgeworker_responses_total{source=%q}`, source)).Inc()
		}
	})
}

func (m *MetricsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.set != nil {
		m.set.WritePrometheus(w)
		return
	}
	metrics.WritePrometheus(w, true)
}
