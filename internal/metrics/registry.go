package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edvin/ordertrack/internal/tenant"
)

// RegisterTenantRegistryMetrics exposes tenant connection registry state as
// Prometheus gauges.
func RegisterTenantRegistryMetrics(registry *tenant.Registry) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tenant_handles_open",
			Help: "Number of cached per-tenant connection handles",
		}, func() float64 {
			return float64(registry.OpenHandles())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tenant_handles_active_refs",
			Help: "Total reference count across all tenant handles",
		}, func() float64 {
			return float64(registry.ActiveRefs())
		}),
	)
}
