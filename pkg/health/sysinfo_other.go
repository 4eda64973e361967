//go:build !linux

package health

import (
	"context"
	"runtime"
	"time"
)

// DiskCheck is a no-op on non-Linux platforms.
type DiskCheck struct {
	Path         string
	MinFreeBytes int64
	// MinFreePercent is the minimum percentage of free space required
	// (0-100). If set, this takes precedence over MinFreeBytes.
	MinFreePercent float64
}

func (c *DiskCheck) Name() string { return "disk" }

func (c *DiskCheck) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Status:    StatusUnknown,
		Message:   "disk stats only available on Linux",
		Timestamp: time.Now(),
	}
}

// SystemMemoryCheck falls back to Go runtime memory stats on non-Linux
// platforms.
type SystemMemoryCheck struct {
	MaxUsagePercent float64
}

func (c *SystemMemoryCheck) Name() string { return "system_memory" }

func (c *SystemMemoryCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Timestamp: time.Now(),
		Metadata:  make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	result.Metadata["heap_alloc_bytes"] = m.HeapAlloc
	result.Metadata["heap_sys_bytes"] = m.HeapSys
	result.Metadata["platform"] = runtime.GOOS

	result.Status = StatusHealthy
	result.Message = "system memory check (limited on " + runtime.GOOS + ")"
	return result
}
