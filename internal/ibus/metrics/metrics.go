// Package metrics instruments the bus with Prometheus counters and
// histograms (SPEC_FULL.md §3 domain stack): per-controller frame counts
// and the time-synchronization grant latency.
//
// Grounded on
// _examples/Jeeves-Cluster-Organization-jeeves-core/coreengine/observability/metrics.go,
// which declares package-level promauto CounterVec/HistogramVec instances
// labeled by the dimension that varies per call (pipeline, agent, status)
// rather than registering a fresh collector per instance. Recorder follows
// the same shape: one process-wide registration per metric, labeled by
// participant/controller/protocol, so creating many Participants in one
// process (as the test suite does) never double-registers a collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibus_controller_frames_total",
			Help: "Total number of frames observed by a bus controller",
		},
		[]string{"participant", "protocol", "controller"},
	)

	controllersRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ibus_controllers_registered",
			Help: "Number of controllers currently registered per protocol",
		},
		[]string{"participant", "protocol"},
	)

	grantLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ibus_timesync_grant_latency_seconds",
			Help:    "Time spent waiting for a time-sync grant before a simulation task runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"participant"},
	)
)

// Recorder is the per-participant handle for emitting metrics. All state
// lives in the package-level collectors above; Recorder only supplies the
// participant label.
type Recorder struct {
	participant string
}

// New returns a Recorder that labels every metric with participantName.
func New(participantName string) *Recorder {
	return &Recorder{participant: participantName}
}

// RegisterController increments the registered-controller gauge for
// protocol (e.g. "can", "lin", "flexray").
func (r *Recorder) RegisterController(protocol, _ string) {
	controllersRegistered.WithLabelValues(r.participant, protocol).Inc()
}

// ObserveFrame counts one frame/transmission/event seen by controller on
// protocol.
func (r *Recorder) ObserveFrame(protocol, controller string) {
	framesTotal.WithLabelValues(r.participant, protocol, controller).Inc()
}

// ObserveGrantLatency records how long this participant waited between
// requesting a time-sync grant and receiving it (spec §4.2).
func (r *Recorder) ObserveGrantLatency(d time.Duration) {
	grantLatencySeconds.WithLabelValues(r.participant).Observe(d.Seconds())
}
