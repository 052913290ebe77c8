package async

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/AITrekker/Jarvis/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WindowsActive int     `json:"windows_active"`  // Windows currently executing
	SlotsTotal    int     `json:"slots_total"`     // K
	WindowsDone   int     `json:"windows_done"`    // Windows completed since start
	WindowsFailed int     `json:"windows_failed"`  // Windows failed since start
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
}

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends K based on available memory
// Assumes each concurrent window runs one local inference needing ~5GB (llama3.2:3b)
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerLLMWorker = 5.0 // GB per concurrent LLM inference
	const memoryBuffer = 2.0       // GB reserved for system/browser/IDE

	if availableGB < memoryBuffer {
		return 1 // Always allow at least 1 worker
	}

	usableMemory := availableGB - memoryBuffer
	recommended := int(usableMemory / memoryPerLLMWorker)

	if recommended < 1 {
		return 1
	}
	if recommended > 10 {
		return 10 // Cap at reasonable maximum
	}

	return recommended
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()

	return SystemMetrics{
		WindowsActive: len(wp.running),
		SlotsTotal:    wp.cfg.MaxConcurrent,
		WindowsDone:   wp.processed,
		WindowsFailed: wp.failed,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
	}
}

// memoryStats is replaced in tests
var memoryStats = getMemoryStats

// checkMemoryPressure validates K against available memory
// Returns warning message if K may be too high, empty string if OK
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := memoryStats()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	wp.mu.Lock()
	k := wp.cfg.MaxConcurrent
	wp.mu.Unlock()

	if k > recommended {
		return fmt.Sprintf(
			"max_concurrent_windows (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider lowering it to prevent memory pressure.",
			k, recommended, totalGB-availableGB, totalGB)
	}

	return ""
}
