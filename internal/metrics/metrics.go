// Package metrics provides Prometheus metrics for dispatch, client pool and
// subscription reconciliation. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DispatchTotal      *prometheus.CounterVec   // requests by mode and status
	DispatchDuration   *prometheus.HistogramVec // end-to-end latency by mode
	TokensTotal        *prometheus.CounterVec   // per-token results
	BatchesTotal       *prometheus.CounterVec   // multicast batches by result
	DevicesDeactivated prometheus.Counter
	PoolInitsTotal     *prometheus.CounterVec // client constructions by result
	PoolReadyClients   prometheus.Gauge
	ReconcileTotal     *prometheus.CounterVec // local mirror writes by op and result
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Dispatch requests by mode and aggregated status",
		}, []string{"mode", "status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_request_duration_seconds",
			Help:    "Time taken to complete a dispatch request",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"mode"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tokens_total",
			Help: "Per-token delivery results",
		}, []string{"result"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_multicast_batches_total",
			Help: "Multicast batches by result (ok, transport_error)",
		}, []string{"result"}),
		DevicesDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_devices_deactivated_total",
			Help: "Devices deactivated after the provider reported their registration invalid",
		}),
		PoolInitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "client_pool_initializations_total",
			Help: "Provider client constructions by result",
		}, []string{"result"}),
		PoolReadyClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "client_pool_ready_clients",
			Help: "Provider clients currently ready in the pool",
		}),
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_reconcile_total",
			Help: "Local subscription mirror writes by operation and result (synced, not_synced)",
		}, []string{"op", "result"}),
	}

	for _, c := range []prometheus.Collector{
		m.DispatchTotal, m.DispatchDuration, m.TokensTotal, m.BatchesTotal,
		m.DevicesDeactivated, m.PoolInitsTotal, m.PoolReadyClients, m.ReconcileTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register dispatch metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) ObserveDispatch(mode, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(mode, status).Inc()
	m.DispatchDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTokens(success, failure int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("success").Add(float64(success))
	m.TokensTotal.WithLabelValues("failure").Add(float64(failure))
}

func (m *Metrics) ObserveBatch(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "transport_error"
	}
	m.BatchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDeactivated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DevicesDeactivated.Add(float64(n))
}

func (m *Metrics) ObservePoolInit(ok bool, ready int) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.PoolInitsTotal.WithLabelValues(result).Inc()
	m.PoolReadyClients.Set(float64(ready))
}

func (m *Metrics) SetPoolReady(ready int) {
	if m == nil {
		return
	}
	m.PoolReadyClients.Set(float64(ready))
}

func (m *Metrics) ObserveReconcile(op string, synced, notSynced int) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(op, "synced").Add(float64(synced))
	m.ReconcileTotal.WithLabelValues(op, "not_synced").Add(float64(notSynced))
}
