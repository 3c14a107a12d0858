package vigil

import (
	"sync"
	"time"
)

// AdaptiveConfig bounds the learned per-minute thresholds.
type AdaptiveConfig struct {
	Enabled      bool          `koanf:"enabled"`
	MinSamples   int           `koanf:"minSamples" validate:"min=2"`
	MaxSamples   int           `koanf:"maxSamples" validate:"min=10"`
	MinThreshold int           `koanf:"minThreshold" validate:"min=1"`
	MaxThreshold int           `koanf:"maxThreshold" validate:"gtefield=MinThreshold"`
	IdleEviction time.Duration `koanf:"idleEviction"`
}

// AdaptiveLearner derives a per-(rule,key) request-rate baseline from recent
// inter-arrival intervals and proposes adjusted limits. Estimates are
// refreshed by Recompute on the background scheduler so the hot path only
// reads a cached value.
type AdaptiveLearner struct {
	mu      sync.Mutex
	cfg     AdaptiveConfig
	entries map[string]*arrivalHistory
	now     func() time.Time
}

type arrivalHistory struct {
	arrivals []time.Time
	estimate int // learned requests/minute, 0 while below MinSamples
	lastSeen time.Time
}

func NewAdaptiveLearner(cfg AdaptiveConfig) *AdaptiveLearner {
	return &AdaptiveLearner{
		cfg:     cfg,
		entries: make(map[string]*arrivalHistory),
		now:     time.Now,
	}
}

func learnerKey(ruleID, key string) string { return ruleID + "|" + key }

// Observe records one arrival for a (rule,key).
func (l *AdaptiveLearner) Observe(ruleID, key string, at time.Time) {
	if !l.cfg.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lk := learnerKey(ruleID, key)
	entry, ok := l.entries[lk]
	if !ok {
		entry = &arrivalHistory{}
		l.entries[lk] = entry
	}
	entry.arrivals = append(entry.arrivals, at)
	if len(entry.arrivals) > l.cfg.MaxSamples {
		entry.arrivals = entry.arrivals[len(entry.arrivals)-l.cfg.MaxSamples:]
	}
	entry.lastSeen = at
}

// AdjustedLimit proposes a per-minute limit for the (rule,key): the learned
// baseline clamped to [MinThreshold,MaxThreshold], or the base limit while
// fewer than MinSamples arrivals exist.
func (l *AdaptiveLearner) AdjustedLimit(ruleID, key string, base int) int {
	if !l.cfg.Enabled {
		return base
	}
	l.mu.Lock()
	entry, ok := l.entries[learnerKey(ruleID, key)]
	var est int
	if ok {
		est = entry.estimate
	}
	l.mu.Unlock()
	if est <= 0 {
		return base
	}
	if est < l.cfg.MinThreshold {
		est = l.cfg.MinThreshold
	}
	if est > l.cfg.MaxThreshold {
		est = l.cfg.MaxThreshold
	}
	return est
}

// Recompute refreshes every cached estimate from the mean inter-arrival
// interval of the retained samples.
func (l *AdaptiveLearner) Recompute() {
	if !l.cfg.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		entry.estimate = estimatePerMinute(entry.arrivals, l.cfg.MinSamples)
	}
}

func estimatePerMinute(arrivals []time.Time, minSamples int) int {
	if len(arrivals) < minSamples || len(arrivals) < 2 {
		return 0
	}
	var total time.Duration
	for i := 1; i < len(arrivals); i++ {
		total += arrivals[i].Sub(arrivals[i-1])
	}
	mean := total / time.Duration(len(arrivals)-1)
	if mean <= 0 {
		return 0
	}
	return int(float64(time.Minute) / float64(mean))
}

// Cleanup evicts histories idle for longer than IdleEviction.
func (l *AdaptiveLearner) Cleanup() int {
	if l.cfg.IdleEviction <= 0 {
		return 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, entry := range l.entries {
		if now.Sub(entry.lastSeen) > l.cfg.IdleEviction {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}
