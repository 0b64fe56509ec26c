package metrics

import (
	"callsignal/internal/calls"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns the service's collectors. One Recorder satisfies the
// observer ports of the state machine, the ingress paths, the event channel
// and the availability coordinator.
type Recorder struct {
	transitions *prometheus.CounterVec
	candidates  *prometheus.CounterVec
	syncs       *prometheus.CounterVec
	connected   prometheus.Gauge
	reconnects  prometheus.Counter

	factory promauto.Factory
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		factory: f,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callsignal_transitions_total",
			Help: "Applied call session state transitions",
		}, []string{"from", "to"}),
		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callsignal_candidates_total",
			Help: "Incoming call candidates by ingress source and outcome",
		}, []string{"source", "verdict"}),
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callsignal_availability_syncs_total",
			Help: "Availability writes to the backend by outcome",
		}, []string{"outcome"}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "callsignal_event_channel_connected",
			Help: "1 while the event channel subscription is open",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "callsignal_event_channel_reconnects_total",
			Help: "Event channel resubscription attempts",
		}),
	}
}

// RegistrySize exports the processed-registry size as reported by fn.
func (r *Recorder) RegistrySize(fn func() int) {
	r.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "callsignal_registry_entries",
		Help: "Call ids currently held in the processed registry",
	}, func() float64 { return float64(fn()) })
}

func (r *Recorder) Transition(from, to calls.State) {
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (r *Recorder) Candidate(src calls.Source, outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	r.candidates.WithLabelValues(string(src), outcome).Inc()
}

func (r *Recorder) AvailabilitySync(outcome string) {
	r.syncs.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Connected(up bool) {
	if up {
		r.connected.Set(1)
		return
	}
	r.connected.Set(0)
}

func (r *Recorder) Reconnecting() { r.reconnects.Inc() }
