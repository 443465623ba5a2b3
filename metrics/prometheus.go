package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 摄取结果指标
	recordsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinsync_records_inserted_total",
			Help: "Total number of new records persisted",
		},
		[]string{"source", "kind"}, // source: exchange/csv, kind: trade/cashflow
	)

	recordsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinsync_records_updated_total",
			Help: "Total number of existing records enriched",
		},
		[]string{"source", "kind"},
	)

	recordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinsync_records_skipped_total",
			Help: "Total number of records skipped as duplicates or invalid",
		},
		[]string{"source", "kind", "reason"}, // reason: duplicate, invalid, persist_failed
	)

	// 任务指标
	jobTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinsync_job_total",
			Help: "Total number of sync jobs by terminal status",
		},
		[]string{"kind", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coinsync_job_duration_seconds",
			Help:    "Sync job duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	// 交易所请求指标
	apiCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinsync_api_call_total",
			Help: "Total number of exchange API calls",
		},
		[]string{"exchange", "endpoint", "status"},
	)

	apiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coinsync_api_call_duration_seconds",
			Help:    "Exchange API call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"exchange", "endpoint"},
	)

	// 分布式锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinsync_lock_acquire_total",
			Help: "Total number of account lock acquisitions",
		},
		[]string{"status"}, // status: success, conflict, error
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coinsync_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coinsync_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coinsync_process_cpu_percent",
			Help: "Process CPU usage percent",
		},
	)

	processMemoryPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coinsync_process_memory_percent",
			Help: "Process RSS as a percentage of system memory",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// RecordInserted 记录新增条数
func (pm *PrometheusMetrics) RecordInserted(source, kind string, n int) {
	if n > 0 {
		recordsInserted.WithLabelValues(source, kind).Add(float64(n))
	}
}

// RecordUpdated 记录补全条数
func (pm *PrometheusMetrics) RecordUpdated(source, kind string, n int) {
	if n > 0 {
		recordsUpdated.WithLabelValues(source, kind).Add(float64(n))
	}
}

// RecordSkipped 记录跳过条数
func (pm *PrometheusMetrics) RecordSkipped(source, kind, reason string, n int) {
	if n > 0 {
		recordsSkipped.WithLabelValues(source, kind, reason).Add(float64(n))
	}
}

// RecordJob 记录任务终态与耗时
func (pm *PrometheusMetrics) RecordJob(kind, status string, duration time.Duration) {
	jobTotal.WithLabelValues(kind, status).Inc()
	jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordAPICall 记录交易所 API 调用
func (pm *PrometheusMetrics) RecordAPICall(exchange, endpoint, status string, duration time.Duration) {
	apiCallTotal.WithLabelValues(exchange, endpoint, status).Inc()
	apiCallDuration.WithLabelValues(exchange, endpoint).Observe(duration.Seconds())
}

// RecordLockAcquire 记录账户锁获取结果
func (pm *PrometheusMetrics) RecordLockAcquire(status string) {
	lockAcquireTotal.WithLabelValues(status).Inc()
}

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置堆内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

// SetProcessUsage 设置进程 CPU / 内存占用
func (pm *PrometheusMetrics) SetProcessUsage(cpuPercent, memPercent float64) {
	processCPUPercent.Set(cpuPercent)
	processMemoryPercent.Set(memPercent)
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
