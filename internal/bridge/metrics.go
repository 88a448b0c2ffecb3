package bridge

import "github.com/prometheus/client_golang/prometheus"

const (
	directionPageToExtension = "page_to_extension"
	directionExtensionToPage = "extension_to_page"
)

// Metrics counts bridge activity. A nil *Metrics records nothing.
type Metrics struct {
	Propagations         *prometheus.CounterVec
	GuardRejections      *prometheus.CounterVec
	ReconcileCorrections *prometheus.CounterVec
	WriteFailures        *prometheus.CounterVec
	CaptureTransitions   *prometheus.CounterVec
}

// NewMetrics creates the bridge collectors and registers them with reg when
// it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Propagations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncbridge",
			Name:      "propagations_total",
			Help:      "Values copied between the stores by change propagation.",
		}, []string{"direction"}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncbridge",
			Name:      "guard_rejections_total",
			Help:      "Writes dropped by a propagation guard.",
		}, []string{"reason"}),
		ReconcileCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncbridge",
			Name:      "reconcile_corrections_total",
			Help:      "Drifted values repaired by a reconciliation pass.",
		}, []string{"direction"}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncbridge",
			Name:      "write_failures_total",
			Help:      "Store writes that returned an error.",
		}, []string{"store"}),
		CaptureTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncbridge",
			Name:      "capture_transitions_total",
			Help:      "Capture slot state transitions.",
		}, []string{"slot", "state"}),
	}
	if reg != nil {
		reg.MustRegister(m.Propagations, m.GuardRejections, m.ReconcileCorrections, m.WriteFailures, m.CaptureTransitions)
	}
	return m
}

func (m *Metrics) propagated(direction string) {
	if m == nil {
		return
	}
	m.Propagations.WithLabelValues(direction).Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) corrected(direction string) {
	if m == nil {
		return
	}
	m.ReconcileCorrections.WithLabelValues(direction).Inc()
}

func (m *Metrics) writeFailed(store string) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(store).Inc()
}

func (m *Metrics) captured(slot string, state CaptureState) {
	if m == nil {
		return
	}
	m.CaptureTransitions.WithLabelValues(slot, state.String()).Inc()
}
