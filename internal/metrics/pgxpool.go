package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterDirectoryPoolMetrics exposes directory pool statistics as
// Prometheus gauges.
func RegisterDirectoryPoolMetrics(pool *pgxpool.Pool) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "directory_pool_acquired_conns",
			Help: "Number of currently acquired connections in the directory pool",
		}, func() float64 {
			return float64(pool.Stat().AcquiredConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "directory_pool_max_conns",
			Help: "Maximum number of connections in the directory pool",
		}, func() float64 {
			return float64(pool.Stat().MaxConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "directory_pool_total_conns",
			Help: "Total number of connections in the directory pool",
		}, func() float64 {
			return float64(pool.Stat().TotalConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "directory_pool_idle_conns",
			Help: "Number of idle connections in the directory pool",
		}, func() float64 {
			return float64(pool.Stat().IdleConns())
		}),
	)
}
