package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.ExporterRequest("history", OutcomeSuccess, time.Second)
		r.CacheFetch("views", true)
		r.IndexRefresh("amp-icmp", OutcomeSuccess, 10)
	})
}

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ExporterRequest("history", OutcomeSuccess, 50*time.Millisecond)
	r.ExporterRequest("history", OutcomeConnection, time.Second)
	r.CacheFetch("views", true)
	r.CacheFetch("views", false)
	r.CacheFetch("views", false)
	r.IndexRefresh("amp-icmp", OutcomeSuccess, 42)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.exporterRequests.WithLabelValues("history", OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.exporterRequests.WithLabelValues("history", OutcomeConnection)))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.cacheRequests.WithLabelValues("views", "hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.cacheRequests.WithLabelValues("views", "miss")))
	assert.Equal(t, float64(42), testutil.ToFloat64(r.indexedStreams.WithLabelValues("amp-icmp")))
}
