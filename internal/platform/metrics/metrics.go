package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the liveness tracker.
type Metrics struct {
	CheckIns            prometheus.Counter
	DeceasedTransitions *prometheus.CounterVec
	Enrollments         prometheus.Counter
	Verifications       prometheus.Counter
	SweepCycles         prometheus.Counter
	SweepStoreErrors    prometheus.Counter
	ArmedDeadlines      prometheus.Gauge
	VerificationPurges  prometheus.Counter
}

// New creates and registers all Prometheus metrics on the given registerer.
// Pass a fresh prometheus.NewRegistry() in tests to avoid duplicate
// registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CheckIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_checkins_total",
			Help: "Total number of accepted check-in requests.",
		}),
		DeceasedTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_deceased_transitions_total",
			Help: "Total number of principals transitioned to deceased, by cause.",
		}, []string{"cause"}),
		Enrollments: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_enrollments_total",
			Help: "Total number of verification entries issued.",
		}),
		Verifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_verifications_total",
			Help: "Total number of successful enrollment verifications.",
		}),
		SweepCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_sweep_cycles_total",
			Help: "Total number of deadline sweep cycles run.",
		}),
		SweepStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_sweep_store_errors_total",
			Help: "Total number of store failures during deadline sweeps.",
		}),
		ArmedDeadlines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_armed_deadlines",
			Help: "Number of principals with an armed check-in deadline.",
		}),
		VerificationPurges: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_verification_purges_total",
			Help: "Total number of expired-verification purge passes.",
		}),
	}
}
