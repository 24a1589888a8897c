package vnet

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the live, per-queue counters the driver maintains. Every
// field is updated only by the thread that owns the corresponding path
// (the fast-path/dispatcher goroutines for TX fields, the poll-loop
// goroutine for RX fields); Snapshot copies them out for a caller that
// may be running concurrently, which can observe a torn read across
// fields but never a torn individual counter.
type Stats struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	RxDrops   atomic.Uint64
	RxErrors  atomic.Uint64
	RxCsum    atomic.Uint64
	RxCsumErr atomic.Uint64

	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	TxErrors  atomic.Uint64
	TxCsum    atomic.Uint64
	TxTSO     atomic.Uint64

	TxKicks     atomic.Uint64 // doorbells issued
	TxHostKicks atomic.Uint64 // doorbells the host's own flag reported as needed
	DispWakeups atomic.Uint64 // dispatcher wake-ups
	DispPackets atomic.Uint64 // packets sent via the dispatcher (staged) path
}

// Snapshot is a point-in-time copy of Stats, safe to read without
// further synchronization.
type Snapshot struct {
	RxPackets, RxBytes, RxDrops, RxErrors, RxCsum, RxCsumErr uint64
	TxPackets, TxBytes, TxErrors, TxCsum, TxTSO              uint64
	TxKicks, TxHostKicks, DispWakeups, DispPackets           uint64
}

// Snapshot copies out the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RxPackets:   s.RxPackets.Load(),
		RxBytes:     s.RxBytes.Load(),
		RxDrops:     s.RxDrops.Load(),
		RxErrors:    s.RxErrors.Load(),
		RxCsum:      s.RxCsum.Load(),
		RxCsumErr:   s.RxCsumErr.Load(),
		TxPackets:   s.TxPackets.Load(),
		TxBytes:     s.TxBytes.Load(),
		TxErrors:    s.TxErrors.Load(),
		TxCsum:      s.TxCsum.Load(),
		TxTSO:       s.TxTSO.Load(),
		TxKicks:     s.TxKicks.Load(),
		TxHostKicks: s.TxHostKicks.Load(),
		DispWakeups: s.DispWakeups.Load(),
		DispPackets: s.DispPackets.Load(),
	}
}

// PrometheusCollector adapts a *Stats into a prometheus.Collector,
// exposing every counter under the vnet_ namespace. This is additive
// instrumentation with no bearing on driver correctness.
type PrometheusCollector struct {
	stats *Stats

	rxPackets, rxBytes, rxDrops, rxErrors, rxCsum, rxCsumErr *prometheus.Desc
	txPackets, txBytes, txErrors, txCsum, txTSO              *prometheus.Desc
	txKicks, txHostKicks, dispWakeups, dispPackets           *prometheus.Desc
}

// NewPrometheusCollector wraps stats for registration with a
// prometheus.Registry.
func NewPrometheusCollector(stats *Stats) *PrometheusCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("vnet_"+name, help, nil, nil)
	}
	return &PrometheusCollector{
		stats:       stats,
		rxPackets:   desc("rx_packets_total", "received packets"),
		rxBytes:     desc("rx_bytes_total", "received bytes"),
		rxDrops:     desc("rx_drops_total", "dropped receive frames"),
		rxErrors:    desc("rx_errors_total", "receive errors"),
		rxCsum:      desc("rx_csum_total", "receive checksum validations that passed"),
		rxCsumErr:   desc("rx_csum_errors_total", "receive checksum validations that failed"),
		txPackets:   desc("tx_packets_total", "transmitted packets"),
		txBytes:     desc("tx_bytes_total", "transmitted bytes"),
		txErrors:    desc("tx_errors_total", "dropped malformed transmit packets"),
		txCsum:      desc("tx_csum_offload_total", "transmit packets with checksum offload requested"),
		txTSO:       desc("tx_tso_offload_total", "transmit packets with TSO requested"),
		txKicks:     desc("tx_doorbells_total", "doorbells issued"),
		txHostKicks: desc("tx_doorbells_needed_total", "doorbells the host reported as needed"),
		dispWakeups: desc("dispatcher_wakeups_total", "dispatcher thread wake-ups"),
		dispPackets: desc("dispatcher_packets_total", "packets sent via the dispatcher path"),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxPackets
	ch <- c.rxBytes
	ch <- c.rxDrops
	ch <- c.rxErrors
	ch <- c.rxCsum
	ch <- c.rxCsumErr
	ch <- c.txPackets
	ch <- c.txBytes
	ch <- c.txErrors
	ch <- c.txCsum
	ch <- c.txTSO
	ch <- c.txKicks
	ch <- c.txHostKicks
	ch <- c.dispWakeups
	ch <- c.dispPackets
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	emit := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	emit(c.rxPackets, snap.RxPackets)
	emit(c.rxBytes, snap.RxBytes)
	emit(c.rxDrops, snap.RxDrops)
	emit(c.rxErrors, snap.RxErrors)
	emit(c.rxCsum, snap.RxCsum)
	emit(c.rxCsumErr, snap.RxCsumErr)
	emit(c.txPackets, snap.TxPackets)
	emit(c.txBytes, snap.TxBytes)
	emit(c.txErrors, snap.TxErrors)
	emit(c.txCsum, snap.TxCsum)
	emit(c.txTSO, snap.TxTSO)
	emit(c.txKicks, snap.TxKicks)
	emit(c.txHostKicks, snap.TxHostKicks)
	emit(c.dispWakeups, snap.DispWakeups)
	emit(c.dispPackets, snap.DispPackets)
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
