package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a read-only view of the registry counters
type Snapshot struct {
	HardSessions      int `json:"hard_sessions"`
	ActiveSessions    int `json:"active_sessions"`
	FreeSessions      int `json:"free_sessions"`
	StasisSessions    int `json:"stasis_sessions"`
	ActivePools       int `json:"active_pools"`
	InactivePools     int `json:"inactive_pools"`
	ActiveGroups      int `json:"active_groups"`
	InactiveGroups    int `json:"inactive_groups"`
	NonPooledSessions int `json:"non_pooled_sessions"`
}

// Snapshot collects the counters of every group and pool
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.RUnlock()

	var s Snapshot
	for _, g := range groups {
		g.collect(&s)
	}

	s.NonPooledSessions = int(r.nonPooled.Load())
	s.HardSessions += s.NonPooledSessions
	return s
}

// Collector exports registry snapshots as Prometheus gauges
type Collector struct {
	registry *Registry
	descs    []snapshotDesc
}

type snapshotDesc struct {
	desc  *prometheus.Desc
	value func(Snapshot) int
}

// NewCollector creates a collector polling registry on every scrape
func NewCollector(registry *Registry, namespace string) *Collector {
	gauge := func(name, help string, value func(Snapshot) int) snapshotDesc {
		return snapshotDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, nil, nil),
			value: value,
		}
	}

	return &Collector{
		registry: registry,
		descs: []snapshotDesc{
			gauge("hard_sessions", "Open physical sessions, pooled and non-pooled.", func(s Snapshot) int { return s.HardSessions }),
			gauge("active_sessions", "Sessions leased to callers.", func(s Snapshot) int { return s.ActiveSessions }),
			gauge("free_sessions", "Sessions idle in a pool.", func(s Snapshot) int { return s.FreeSessions }),
			gauge("stasis_sessions", "Sessions waiting for their transaction to resolve.", func(s Snapshot) int { return s.StasisSessions }),
			gauge("active_pools", "Pools holding sessions or pending requests.", func(s Snapshot) int { return s.ActivePools }),
			gauge("inactive_pools", "Empty pools awaiting pruning.", func(s Snapshot) int { return s.InactivePools }),
			gauge("active_groups", "Pool groups in the active state.", func(s Snapshot) int { return s.ActiveGroups }),
			gauge("inactive_groups", "Pool groups in the idle state.", func(s Snapshot) int { return s.InactiveGroups }),
			gauge("non_pooled_sessions", "Sessions opened with pooling disabled.", func(s Snapshot) int { return s.NonPooledSessions }),
		},
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.registry.Snapshot()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, float64(d.value(snap)))
	}
}

var _ prometheus.Collector = (*Collector)(nil)
