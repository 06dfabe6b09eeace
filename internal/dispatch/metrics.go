package dispatch

import (
	"sync/atomic"
	"time"
)

type EngineMetrics struct {
	totalSent        int64
	totalFailed      int64
	totalNoTransport int64
	totalRequeued    int64
	totalDurationNs  int64
	lastResetNs      int64
}

func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		lastResetNs: time.Now().UnixNano(),
	}
}

func (m *EngineMetrics) RecordSent(duration time.Duration) {
	atomic.AddInt64(&m.totalSent, 1)
	atomic.AddInt64(&m.totalDurationNs, int64(duration))
}

func (m *EngineMetrics) RecordFailed() {
	atomic.AddInt64(&m.totalFailed, 1)
}

func (m *EngineMetrics) RecordNoTransport() {
	atomic.AddInt64(&m.totalNoTransport, 1)
}

func (m *EngineMetrics) RecordRequeued() {
	atomic.AddInt64(&m.totalRequeued, 1)
}

func (m *EngineMetrics) GetStats() map[string]interface{} {
	sent := atomic.LoadInt64(&m.totalSent)
	failed := atomic.LoadInt64(&m.totalFailed)
	noTransport := atomic.LoadInt64(&m.totalNoTransport)
	requeued := atomic.LoadInt64(&m.totalRequeued)
	durationNs := atomic.LoadInt64(&m.totalDurationNs)
	lastResetNs := atomic.LoadInt64(&m.lastResetNs)

	elapsed := time.Since(time.Unix(0, lastResetNs)).Seconds()

	ratePerSecond := 0.0
	if elapsed > 0 {
		ratePerSecond = float64(sent) / elapsed
	}

	avgDuration := time.Duration(0)
	if sent > 0 {
		avgDuration = time.Duration(durationNs / sent)
	}

	return map[string]interface{}{
		"total_sent":         sent,
		"total_failed":       failed,
		"total_no_transport": noTransport,
		"total_requeued":     requeued,
		"rate_per_second":    ratePerSecond,
		"avg_send_ms":        avgDuration.Milliseconds(),
		"uptime_seconds":     elapsed,
	}
}

func (m *EngineMetrics) Reset() {
	atomic.StoreInt64(&m.totalSent, 0)
	atomic.StoreInt64(&m.totalFailed, 0)
	atomic.StoreInt64(&m.totalNoTransport, 0)
	atomic.StoreInt64(&m.totalRequeued, 0)
	atomic.StoreInt64(&m.totalDurationNs, 0)
	atomic.StoreInt64(&m.lastResetNs, time.Now().UnixNano())
}
