// Package monitor samples process and host resources with gopsutil.
package monitor

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/classwatch/classwatch/internal/logger"
)

const bytesPerMB = 1024 * 1024

// ProcessMemory is a snapshot of the current process's memory.
type ProcessMemory struct {
	RSS       uint64
	VMS       uint64
	HeapInUse uint64
}

// ResidentMB returns RSS in whole megabytes.
func (p ProcessMemory) ResidentMB() uint64 {
	return p.RSS / bytesPerMB
}

// SampleProcessMemory reads RSS/VMS for this process plus Go heap in use.
func SampleProcessMemory() (ProcessMemory, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out := ProcessMemory{HeapInUse: ms.HeapInuse}

	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return out, fmt.Errorf("failed to get process instance: %w", err)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return out, fmt.Errorf("failed to get process memory info: %w", err)
	}
	out.RSS = info.RSS
	out.VMS = info.VMS
	return out, nil
}

// HostInfo summarizes the machine classwatch runs on.
type HostInfo struct {
	LogicalCPUs       int
	TotalMemoryMB     uint64
	AvailableMemoryMB uint64
}

// SampleHost reads CPU count and system memory.
func SampleHost() (HostInfo, error) {
	var info HostInfo
	cpus, err := cpu.Counts(true)
	if err != nil {
		return info, fmt.Errorf("failed to count CPUs: %w", err)
	}
	info.LogicalCPUs = cpus

	vm, err := mem.VirtualMemory()
	if err != nil {
		return info, fmt.Errorf("failed to get virtual memory stats: %w", err)
	}
	info.TotalMemoryMB = vm.Total / bytesPerMB
	info.AvailableMemoryMB = vm.Available / bytesPerMB
	return info, nil
}

// LogHost logs host resources once at startup. Failures are logged, not returned.
func LogHost(log logger.Logger) {
	info, err := SampleHost()
	if err != nil {
		log.Warn("Failed to sample host resources", logger.Error(err))
		return
	}
	log.Info("Host resources",
		logger.Int("logical_cpus", info.LogicalCPUs),
		logger.Uint64("memory_total_mb", info.TotalMemoryMB),
		logger.Uint64("memory_available_mb", info.AvailableMemoryMB))
}
