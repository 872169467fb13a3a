package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolStat is one exported pool statistic.
type poolStat struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	read      func(*pgxpool.Stat) float64
}

// PoolStatsCollector exports pgxpool statistics for one named pool. Values are
// read from the pool on each scrape.
type PoolStatsCollector struct {
	pool  *pgxpool.Pool
	stats []poolStat
}

// NewPoolStatsCollector creates a collector for pool. poolName becomes the
// constant "pool" label so several pools can share a registry.
func NewPoolStatsCollector(pool *pgxpool.Pool, namespace, poolName string) *PoolStatsCollector {
	labels := prometheus.Labels{"pool": poolName}
	gauge := func(name, help string, read func(*pgxpool.Stat) float64) poolStat {
		return poolStat{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, labels),
			valueType: prometheus.GaugeValue,
			read:      read,
		}
	}
	counter := func(name, help string, read func(*pgxpool.Stat) float64) poolStat {
		s := gauge(name, help, read)
		s.valueType = prometheus.CounterValue
		return s
	}

	return &PoolStatsCollector{
		pool: pool,
		stats: []poolStat{
			gauge("total_conns", "Connections currently open in the pool",
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			gauge("idle_conns", "Idle connections in the pool",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			gauge("acquired_conns", "Connections currently acquired from the pool",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			gauge("max_conns", "Maximum connections allowed in the pool",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			counter("acquires_total", "Successful connection acquires",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			counter("empty_acquires_total", "Acquires that waited because the pool was empty",
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			counter("canceled_acquires_total", "Acquires canceled by their context",
				func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) }),
			counter("acquire_wait_seconds_total", "Time spent waiting for a connection",
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

// Collect implements prometheus.Collector. A nil pool reports nothing.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}

	stat := c.pool.Stat()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.valueType, s.read(stat))
	}
}

// RegisterPoolStatsCollector registers a collector for pool with reg.
// Registering the same pool name twice is not an error.
func RegisterPoolStatsCollector(reg prometheus.Registerer, pool *pgxpool.Pool, namespace, poolName string) (*PoolStatsCollector, error) {
	collector := NewPoolStatsCollector(pool, namespace, poolName)
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
	}
	return collector, nil
}
