package metrics

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStats 一次系统采样
type SystemStats struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryPercent float64 `json:"memoryPercent"`
	ProcessRSS    uint64  `json:"processRss"`
}

// CollectSystem 采样并更新系统指标，由调度器周期调用
func (m *Metrics) CollectSystem(ctx context.Context) SystemStats {
	var stats SystemStats
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotal = vm.Total
		stats.MemoryUsed = vm.Used
		stats.MemoryPercent = vm.UsedPercent
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfoWithContext(ctx); err == nil {
			stats.ProcessRSS = info.RSS
		}
	}

	if m != nil {
		m.systemCPUUsage.Set(stats.CPUPercent)
		m.systemMemoryUsage.WithLabelValues("total").Set(float64(stats.MemoryTotal))
		m.systemMemoryUsage.WithLabelValues("used").Set(float64(stats.MemoryUsed))
		m.processRSS.Set(float64(stats.ProcessRSS))
	}
	return stats
}
