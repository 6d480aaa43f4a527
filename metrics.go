package pidstat

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// TrafficCollector exports the per-process counters of a Store.
type TrafficCollector struct {
	store *Store
	descs [4]*prometheus.Desc
}

// NewTrafficCollector creates a collector reading from store.
func NewTrafficCollector(store *Store) *TrafficCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("pidstat", "process", name), help, []string{"pid"}, nil)
	}
	return &TrafficCollector{
		store: store,
		descs: [4]*prometheus.Desc{
			SentPackets: desc("sent_packets_total", "TCP segments sent by the process."),
			SentBytes:   desc("sent_bytes_total", "TCP bytes sent by the process."),
			RecvPackets: desc("received_packets_total", "TCP segments received by the process."),
			RecvBytes:   desc("received_bytes_total", "TCP bytes received by the process."),
		},
	}
}

func (c *TrafficCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *TrafficCollector) Collect(ch chan<- prometheus.Metric) {
	for _, pid := range c.store.Pids() {
		counters, ok := c.store.PidTraffic(pid)
		if !ok {
			continue
		}
		label := strconv.Itoa(int(pid))
		for i, d := range c.descs {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(counters[i]), label)
		}
	}
}
