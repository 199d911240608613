package infrastructure

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is the host snapshot reported by the health endpoint.
type HostStats struct {
	Hostname          string  `json:"hostname,omitempty"`
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	CPUCount          int     `json:"cpu_count"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	Goroutines        int     `json:"goroutines"`
}

// CollectHostStats reads host metrics. Fields that cannot be read on the
// current platform are left zero.
func CollectHostStats(ctx context.Context) HostStats {
	stats := HostStats{Goroutines: runtime.NumGoroutine()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		stats.Hostname = info.Hostname
		stats.UptimeSeconds = info.Uptime
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCount = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotalBytes = vm.Total
		stats.MemoryUsedPercent = vm.UsedPercent
	}
	return stats
}
