// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Transaction metrics
	TxnCommitsTotal   prometheus.Counter
	TxnRollbacksTotal prometheus.Counter
	TxnDuration       prometheus.Histogram
	TxnActiveReaders  prometheus.Gauge

	// WAL metrics
	WALAppends      prometheus.Counter
	WALBytesWritten prometheus.Counter
	WALCheckpoints  prometheus.Counter
	WALRecoveredTxs prometheus.Counter

	// Allocator / GC metrics
	AllocatorCallsTotal prometheus.Counter
	AllocatorFreesTotal prometheus.Counter
	GCMergesTotal       prometheus.Counter
	GCPagesFreedTotal   prometheus.Counter
	OldestActiveTxID    prometheus.Gauge

	// Storage metrics
	DbSizeBytes   prometheus.Gauge
	MmapSizeBytes prometheus.Gauge
	TotalPages    prometheus.Gauge

	ServerStartTime time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{ServerStartTime: time.Now()}

	m.TxnCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_txn_commits_total",
		Help: "Total number of committed write transactions",
	})
	m.TxnRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_txn_rollbacks_total",
		Help: "Total number of rolled-back write transactions",
	})
	m.TxnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gavran_txn_duration_seconds",
		Help:    "Duration of transactions from create to close",
		Buckets: prometheus.DefBuckets,
	})
	m.TxnActiveReaders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gavran_txn_active_readers",
		Help: "Number of currently open read transactions",
	})

	m.WALAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_wal_appends_total",
		Help: "Total number of transaction records appended to the WAL",
	})
	m.WALBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_wal_bytes_written_total",
		Help: "Total bytes written to WAL files",
	})
	m.WALCheckpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_wal_checkpoints_total",
		Help: "Total number of WAL checkpoints (file resets)",
	})
	m.WALRecoveredTxs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_wal_recovered_transactions_total",
		Help: "Total number of transactions replayed during crash recovery",
	})

	m.AllocatorCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_allocator_calls_total",
		Help: "Total number of page allocation requests",
	})
	m.AllocatorFreesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_allocator_frees_total",
		Help: "Total number of page free requests",
	})
	m.GCMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_gc_merges_total",
		Help: "Total number of MVCC chain GC merge passes",
	})
	m.GCPagesFreedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavran_gc_pages_freed_total",
		Help: "Total number of page buffers released by GC",
	})
	m.OldestActiveTxID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gavran_oldest_active_tx_id",
		Help: "Lowest transaction id any open reader may still observe",
	})

	m.DbSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gavran_db_size_bytes",
		Help: "Current data file size in bytes",
	})
	m.MmapSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gavran_mmap_size_bytes",
		Help: "Current total mapped size in bytes",
	})
	m.TotalPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gavran_total_pages",
		Help: "Total number of pages in the data file",
	})

	return m
}

// RecordCommit records a committed write transaction's duration.
func (m *Metrics) RecordCommit(d time.Duration) {
	m.TxnCommitsTotal.Inc()
	m.TxnDuration.Observe(d.Seconds())
}

// RecordRollback records a rolled-back write transaction.
func (m *Metrics) RecordRollback() {
	m.TxnRollbacksTotal.Inc()
}

// UpdateStorageStats refreshes the gauge metrics describing file/mmap size.
func (m *Metrics) UpdateStorageStats(sizeBytes, mmapBytes int64, totalPages uint64) {
	m.DbSizeBytes.Set(float64(sizeBytes))
	m.MmapSizeBytes.Set(float64(mmapBytes))
	m.TotalPages.Set(float64(totalPages))
}
