package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ampy"

// Outcomes recorded on the request and refresh counters.
const (
	OutcomeSuccess    = "success"
	OutcomeConnection = "connection_error"
	OutcomeProtocol   = "protocol_error"
)

// Recorder collects the operational metrics of the query engine. A nil
// Recorder is valid and records nothing.
type Recorder struct {
	exporterRequests *prometheus.CounterVec
	exporterDuration *prometheus.HistogramVec
	cacheRequests    *prometheus.CounterVec
	indexRefreshes   *prometheus.CounterVec
	indexedStreams   *prometheus.GaugeVec
}

// New returns a Recorder with its collectors registered on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		exporterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "requests_total",
			Help:      "Total requests made to the metric exporter.",
		}, []string{"kind", "outcome"}),
		exporterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "request_duration_seconds",
			Help:      "Duration of the requests made to the metric exporter.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Total cache fetches by cache name and result.",
		}, []string{"cache", "result"}),
		indexRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "refreshes_total",
			Help:      "Total stream index refreshes by collection and outcome.",
		}, []string{"collection", "outcome"}),
		indexedStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "streams",
			Help:      "Number of streams currently indexed per collection.",
		}, []string{"collection"}),
	}

	if reg != nil {
		reg.MustRegister(
			r.exporterRequests,
			r.exporterDuration,
			r.cacheRequests,
			r.indexRefreshes,
			r.indexedStreams,
		)
	}

	return r
}

// ExporterRequest records one finished exporter request.
func (r *Recorder) ExporterRequest(kind, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.exporterRequests.WithLabelValues(kind, outcome).Inc()
	r.exporterDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// CacheFetch records a hit or a miss on the named cache.
func (r *Recorder) CacheFetch(cache string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheRequests.WithLabelValues(cache, result).Inc()
}

// IndexRefresh records one stream index refresh and the resulting
// index size.
func (r *Recorder) IndexRefresh(collection, outcome string, streams int) {
	if r == nil {
		return
	}
	r.indexRefreshes.WithLabelValues(collection, outcome).Inc()
	if outcome == OutcomeSuccess {
		r.indexedStreams.WithLabelValues(collection).Set(float64(streams))
	}
}
