// Package metrics holds the Prometheus collectors of the offline cache.
// All methods are nil-safe so components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "offline_cache"

// Metrics for strategy outcomes, store health, background work and control commands.
type Metrics struct {
	responses          *prometheus.CounterVec
	storeErrors        *prometheus.CounterVec
	backgroundRefresh  *prometheus.CounterVec
	controlCommands    *prometheus.CounterVec
	namespacesDeleted  prometheus.Counter
	installFailures    prometheus.Counter
	generationsApplied prometheus.Counter
}

// New creates the collectors and registers them with the registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_total",
			Help:      "Responses produced by the strategy executor, by namespace and source",
		}, []string{"namespace", "source"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_errors_total",
			Help:      "Store operations that failed and were degraded to a miss",
		}, []string{"op"}),
		backgroundRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "background_refreshes_total",
			Help:      "Stale-while-revalidate refreshes, by result",
		}, []string{"result"}),
		controlCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_commands_total",
			Help:      "Control channel commands, by type and notification",
		}, []string{"type", "result"}),
		namespacesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "namespaces_deleted_total",
			Help:      "Namespaces deleted on activation because they left the registry",
		}),
		installFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "install_failures_total",
			Help:      "Manifest entries that could not be pre-warmed",
		}),
		generationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generations_activated_total",
			Help:      "Generations activated",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.responses, m.storeErrors, m.backgroundRefresh, m.controlCommands,
		m.namespacesDeleted, m.installFailures, m.generationsApplied,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Response(namespace, source string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(namespace, source).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) BackgroundRefresh(result string) {
	if m == nil {
		return
	}
	m.backgroundRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) ControlCommand(commandType, result string) {
	if m == nil {
		return
	}
	m.controlCommands.WithLabelValues(commandType, result).Inc()
}

func (m *Metrics) NamespacesDeleted(n int) {
	if m == nil {
		return
	}
	m.namespacesDeleted.Add(float64(n))
}

func (m *Metrics) InstallFailure() {
	if m == nil {
		return
	}
	m.installFailures.Inc()
}

func (m *Metrics) GenerationActivated() {
	if m == nil {
		return
	}
	m.generationsApplied.Inc()
}
