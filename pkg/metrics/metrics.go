package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petoiwire",
			Subsystem: "driver",
			Name:      "dispatches_total",
			Help:      "Commands dispatched to the device.",
		},
		[]string{"class", "mode", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "petoiwire",
			Subsystem: "driver",
			Name:      "dispatch_duration_seconds",
			Help:      "Round-trip time of device commands.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"class"},
	)
	parseMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petoiwire",
			Subsystem: "telemetry",
			Name:      "parse_misses_total",
			Help:      "Responses that did not match the expected telemetry layout.",
		},
		[]string{"parser"},
	)
	cancellations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "petoiwire",
			Subsystem: "program",
			Name:      "cancellations_total",
			Help:      "Program runs stopped by a cancellation request.",
		},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(dispatches, dispatchDuration, parseMisses, cancellations)
	})
}

// Handler serves the default registry for a /metrics endpoint.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordDispatch(class, mode string, err error, duration time.Duration) {
	Register()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	dispatches.WithLabelValues(class, mode, outcome).Inc()
	dispatchDuration.WithLabelValues(class).Observe(duration.Seconds())
}

func RecordParseMiss(parser string) {
	Register()
	parseMisses.WithLabelValues(parser).Inc()
}

func RecordCancellation() {
	Register()
	cancellations.Inc()
}
