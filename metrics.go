package dstate

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

var OpCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dstate",
	Name:      "operations",
}, []string{"store", "op", "result"})

var OpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "dstate",
	Name:      "operation_duration_seconds",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"store", "op"})

var CurrentIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dstate",
	Name:      "index",
}, []string{"store"})

var SlotsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dstate",
	Name:      "slots_deleted",
}, []string{"store", "op"})

// Collectors returns the package metrics, for registration by the caller.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{OpCount, OpDuration, CurrentIndex, SlotsDeleted}
}

// PebbleCollector exports storage metrics of the backing database.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	memtableSize            *prometheus.Desc
	memtableCount           *prometheus.Desc
	walFiles                *prometheus.Desc
	walSize                 *prometheus.Desc
	walBytesWritten         *prometheus.Desc
	diskSpaceUsage          *prometheus.Desc
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,
		compactionCount: prometheus.NewDesc(
			"dstate_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"dstate_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"dstate_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"dstate_pebble_memtable_count",
			"Current count of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"dstate_pebble_wal_files",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"dstate_pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"dstate_pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
		diskSpaceUsage: prometheus.NewDesc(
			"dstate_pebble_disk_space_usage_bytes",
			"Total disk space used by the database",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesWritten
	ch <- pc.diskSpaceUsage
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue, float64(metrics.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.compactionEstimatedDebt, prometheus.GaugeValue, float64(metrics.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(metrics.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.memtableCount, prometheus.GaugeValue, float64(metrics.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(pc.walFiles, prometheus.GaugeValue, float64(metrics.WAL.Files))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(metrics.WAL.Size))
	ch <- prometheus.MustNewConstMetric(pc.walBytesWritten, prometheus.CounterValue, float64(metrics.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(pc.diskSpaceUsage, prometheus.GaugeValue, float64(metrics.DiskSpaceUsage()))
}
