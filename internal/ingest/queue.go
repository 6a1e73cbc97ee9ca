package ingest

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/CellMechLab/barytech/internal/monitoring"
)

// Queue is the raw ingress queue: the single bridge between the broker
// client's callback goroutine and the data plane. Single producer (broker
// callback), single consumer (dispatcher).
type Queue struct {
	ch     chan []byte
	stats  *monitoring.Stats
	logger zerolog.Logger

	dropLogCounter int64
}

// NewQueue builds a queue with a hard upper bound. The bound exists to give
// memory growth an explicit ceiling; under normal operation offers never
// fail.
func NewQueue(size int, stats *monitoring.Stats, logger zerolog.Logger) *Queue {
	return &Queue{
		ch:     make(chan []byte, size),
		stats:  stats,
		logger: logger,
	}
}

// Offer hands a payload to the data plane without blocking. When the hard
// bound is reached the payload is discarded and counted; the broker thread
// is never stalled on decode work.
func (q *Queue) Offer(payload []byte) bool {
	select {
	case q.ch <- payload:
		return true
	default:
		q.stats.AddMQTTErrors(1)
		q.stats.RecordLoss(monitoring.LossStageQueueFull, 1)

		// Sampled: every 100th drop, to keep a flood from drowning the log.
		if n := atomic.AddInt64(&q.dropLogCounter, 1); n%100 == 1 {
			q.logger.Warn().
				Int64("total_drops", n).
				Int("queue_cap", cap(q.ch)).
				Msg("Ingress queue full, dropping payload")
		}
		return false
	}
}

// DrainUpTo returns between 0 and n payloads. It waits at most wait for the
// first payload, then collects whatever else is immediately available.
func (q *Queue) DrainUpTo(n int, wait time.Duration) [][]byte {
	if n <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out [][]byte
	select {
	case payload := <-q.ch:
		out = append(out, payload)
	case <-timer.C:
		monitoring.IngressQueueLength.Set(float64(len(q.ch)))
		return nil
	}

	for len(out) < n {
		select {
		case payload := <-q.ch:
			out = append(out, payload)
		default:
			monitoring.IngressQueueLength.Set(float64(len(q.ch)))
			return out
		}
	}
	monitoring.IngressQueueLength.Set(float64(len(q.ch)))
	return out
}

// Len reports the current queue depth.
func (q *Queue) Len() int { return len(q.ch) }
