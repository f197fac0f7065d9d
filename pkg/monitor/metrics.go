package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"lbshare/pkg/logger"
)

// Metrics holds transfer counters for a running server or client.
type Metrics struct {
	// Raw bytes moved (uncompressed size of completed transfers)
	TransferBytes int64
	// Completed transfers
	TransferCount int64
	// Failed transfers
	FailureCount int64
	// Process start time
	Start time.Time
}

// Global metrics instance
var Global = &Metrics{
	Start: time.Now(),
}

// LogPeriodic logs runtime and throughput metrics at the given interval.
func LogPeriodic(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		elapsed := time.Since(Global.Start).Seconds()
		var throughput float64
		if elapsed > 0 {
			throughput = float64(atomic.LoadInt64(&Global.TransferBytes)) / elapsed / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Throughput=%.2fMB/s | Transfers=%d | Failures=%d",
			runtime.NumGoroutine(),
			m.HeapAlloc/1024/1024,
			throughput,
			atomic.LoadInt64(&Global.TransferCount),
			atomic.LoadInt64(&Global.FailureCount),
		)
	}
}

// RecordTransfer records a completed transfer of the given raw size.
func RecordTransfer(bytes int64, duration time.Duration) {
	atomic.AddInt64(&Global.TransferBytes, bytes)
	atomic.AddInt64(&Global.TransferCount, 1)

	var speed float64
	if secs := duration.Seconds(); secs > 0 {
		speed = float64(bytes) / secs / 1024 / 1024
	}
	logger.Sugar.Infof("[Transfer] Size=%dKB | Duration=%.2fs | Speed=%.2fMB/s",
		bytes/1024, duration.Seconds(), speed)
}

// RecordFailure records a transfer that ended in a terminal error.
func RecordFailure() {
	atomic.AddInt64(&Global.FailureCount, 1)
}
