package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Broadcasts        prometheus.Counter
	Deliveries        prometheus.Counter
	BufferedEnvelopes prometheus.Gauge
	WavesStarted      prometheus.Counter
	WavesCompleted    prometheus.Counter
	WaveReach         prometheus.Histogram
	LinkSends         prometheus.Counter
	LinkRetries       prometheus.Counter
	LinkDuplicates    prometheus.Counter
	PendingUnicasts   prometheus.Gauge
	Neighbors         prometheus.Gauge
	AutosaveWrites    prometheus.Counter
	AutosaveErrors    prometheus.Counter
	ErrorCount        prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Broadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_broadcasts_total",
			Help: "Total number of locally originated broadcasts",
		}),
		Deliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_deliveries_total",
			Help: "Total number of causally delivered remote operations",
		}),
		BufferedEnvelopes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "p2pdocs_buffered_envelopes",
			Help: "Envelopes waiting on causal dependencies",
		}),
		WavesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_waves_started_total",
			Help: "Total number of echo waves initiated locally",
		}),
		WavesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_waves_completed_total",
			Help: "Total number of echo waves that closed at this originator",
		}),
		WaveReach: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2pdocs_wave_reach_peers",
			Help:    "Peers reached per completed wave",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		LinkSends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_link_sends_total",
			Help: "Total number of unicast messages sent",
		}),
		LinkRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_link_retries_total",
			Help: "Total number of unicast retransmissions",
		}),
		LinkDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_link_duplicates_total",
			Help: "Total number of duplicate unicasts suppressed",
		}),
		PendingUnicasts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "p2pdocs_pending_unicasts",
			Help: "Unacknowledged unicast messages awaiting retry",
		}),
		Neighbors: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "p2pdocs_neighbors",
			Help: "Number of direct neighbors",
		}),
		AutosaveWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_autosave_writes_total",
			Help: "Total number of document snapshot writes",
		}),
		AutosaveErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_autosave_errors_total",
			Help: "Total number of failed document snapshot writes",
		}),
		ErrorCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "p2pdocs_errors_total",
			Help: "Total number of errors",
		}),
	}
}
