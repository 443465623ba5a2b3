package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetricsCollector 系统指标采集器
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSystemMetricsCollector 创建系统指标采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	ctx, cancel := context.WithCancel(context.Background())
	return &SystemMetricsCollector{
		pm:       GetPrometheusMetrics(),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动采集
func (smc *SystemMetricsCollector) Start() {
	go smc.collectLoop()
}

// Stop 停止采集
func (smc *SystemMetricsCollector) Stop() {
	if smc.cancel != nil {
		smc.cancel()
	}
}

func (smc *SystemMetricsCollector) collectLoop() {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	// 立即采集一次
	smc.collect()

	for {
		select {
		case <-smc.ctx.Done():
			return
		case <-ticker.C:
			smc.collect()
		}
	}
}

func (smc *SystemMetricsCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	smc.pm.SetGoroutineCount(runtime.NumGoroutine())
	smc.pm.SetMemoryAlloc(m.Alloc)

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}

	var memPercent float64
	if memInfo, err := p.MemoryInfo(); err == nil {
		if memStat, err := mem.VirtualMemory(); err == nil && memStat.Total > 0 {
			memPercent = float64(memInfo.RSS) / float64(memStat.Total) * 100
		}
	}

	smc.pm.SetProcessUsage(cpuPercent, memPercent)
}
