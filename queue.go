package vigil

import (
	"sync"

	"github.com/rs/zerolog"
)

// analysisQueue buffers requests for background threat analysis. When full,
// the oldest entry is dropped so fresh traffic keeps flowing; the decision
// path never blocks on analysis.
type analysisQueue struct {
	mu      sync.Mutex
	items   []*RequestContext
	cap     int
	metrics *Metrics
	log     zerolog.Logger
}

func newAnalysisQueue(capacity int, metrics *Metrics, log zerolog.Logger) *analysisQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &analysisQueue{
		cap:     capacity,
		metrics: metrics,
		log:     componentLogger(log, "queue"),
	}
}

func (q *analysisQueue) Enqueue(rc *RequestContext) {
	q.mu.Lock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		if q.metrics != nil {
			q.metrics.QueueDropped.Inc()
		}
	}
	q.items = append(q.items, rc)
	depth := len(q.items)
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(depth))
	}
}

// Drain removes and returns up to max queued requests, oldest first.
func (q *analysisQueue) Drain(max int) []*RequestContext {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n := len(q.items)
	if max > 0 && n > max {
		n = max
	}
	batch := make([]*RequestContext, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.items)))
	}
	return batch
}

func (q *analysisQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
