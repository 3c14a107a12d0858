package vigil

import (
	"hash/fnv"
	"sync"
	"time"
)

// Period names one counting window.
type Period string

const (
	PeriodBurst  Period = "burst"
	PeriodSecond Period = "second"
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Duration returns the window length. The burst window is a fixed short
// window checked independently of the longer limits.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodBurst:
		return 10 * time.Second
	case PeriodSecond:
		return time.Second
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	}
	return time.Minute
}

// ViolationType is the rejection label reported when this window is exceeded.
func (p Period) ViolationType() string {
	return string(p) + "_exceeded"
}

// WindowCount is the state of one (rule,key,period) counter.
type WindowCount struct {
	Count       int
	WindowStart time.Time
}

const counterShards = 32

type counterShard struct {
	mu       sync.Mutex
	windows  map[string]*windowEntry
	inflight map[string]int
}

type windowEntry struct {
	count  int
	start  time.Time
	period time.Duration
}

// CounterStore keeps per-(rule,key,period) window counters and per-key
// in-flight counts. Keys are sharded so concurrent requests for distinct
// sources do not contend on one lock.
type CounterStore struct {
	shards [counterShards]*counterShard
	now    func() time.Time
}

func NewCounterStore() *CounterStore {
	s := &CounterStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &counterShard{
			windows:  make(map[string]*windowEntry),
			inflight: make(map[string]int),
		}
	}
	return s
}

func (s *CounterStore) shardFor(key string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%counterShards]
}

func windowKey(ruleID, key string, period Period) string {
	return ruleID + "|" + key + "|" + string(period)
}

// Peek returns the current count without incrementing. A window older than
// its period reads as empty.
func (s *CounterStore) Peek(ruleID, key string, period Period) WindowCount {
	sh := s.shardFor(key)
	now := s.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.windows[windowKey(ruleID, key, period)]
	if !ok || now.Sub(entry.start) > entry.period {
		return WindowCount{Count: 0, WindowStart: now}
	}
	return WindowCount{Count: entry.count, WindowStart: entry.start}
}

// Increment bumps the counter, resetting first when the window expired, and
// returns the post-increment state.
func (s *CounterStore) Increment(ruleID, key string, period Period) WindowCount {
	sh := s.shardFor(key)
	now := s.now()
	wk := windowKey(ruleID, key, period)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.windows[wk]
	if !ok || now.Sub(entry.start) > entry.period {
		entry = &windowEntry{count: 0, start: now, period: period.Duration()}
		sh.windows[wk] = entry
	}
	entry.count++
	return WindowCount{Count: entry.count, WindowStart: entry.start}
}

// InFlight returns the current concurrency count for a key.
func (s *CounterStore) InFlight(key string) int {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.inflight[key]
}

// Acquire increments the in-flight count for a key.
func (s *CounterStore) Acquire(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.inflight[key]++
	sh.mu.Unlock()
}

// Release decrements the in-flight count, never below zero. Callers must
// release exactly once per acquired request on every exit path.
func (s *CounterStore) Release(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	if n := sh.inflight[key]; n <= 1 {
		delete(sh.inflight, key)
	} else {
		sh.inflight[key] = n - 1
	}
	sh.mu.Unlock()
}

// Cleanup drops windows that have been idle for more than twice their period
// and returns how many were removed.
func (s *CounterStore) Cleanup() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, entry := range sh.windows {
			if now.Sub(entry.start) > 2*entry.period {
				delete(sh.windows, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
