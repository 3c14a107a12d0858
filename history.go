package vigil

import (
	"sync"
	"time"
)

// requestSample is one observed request for a source.
type requestSample struct {
	at        time.Time
	latency   time.Duration
	status    int
	path      string
	userAgent string
}

// HistorySnapshot is the aggregated recent history for one source.
type HistorySnapshot struct {
	Samples          int
	Window           time.Duration
	RequestsPerMin   float64
	ErrorRate        float64
	UniquePaths      int
	UniqueUserAgents int
	PathDiversity    float64
	Timestamps       []time.Time
	Latencies        []time.Duration
}

// SourceHistory keeps a bounded sliding window of request observations per
// source key. The behavior analyzer and the time-series detector both read
// from it so one request is tracked once.
type SourceHistory struct {
	mu         sync.Mutex
	window     time.Duration
	maxSamples int
	sources    map[string]*sourceRecord
	now        func() time.Time
}

type sourceRecord struct {
	samples []requestSample
}

func NewSourceHistory(window time.Duration, maxSamples int) *SourceHistory {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if maxSamples <= 0 {
		maxSamples = 100
	}
	return &SourceHistory{
		window:     window,
		maxSamples: maxSamples,
		sources:    make(map[string]*sourceRecord),
		now:        time.Now,
	}
}

// Track records one request observation for the source key.
func (h *SourceHistory) Track(key string, rc *RequestContext) {
	if key == "" {
		return
	}
	at := rc.ReceivedAt
	if at.IsZero() {
		at = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.sources[key]
	if !ok {
		rec = &sourceRecord{}
		h.sources[key] = rec
	}
	rec.samples = append(rec.samples, requestSample{
		at:        at,
		latency:   rc.ResponseTime,
		status:    rc.StatusCode,
		path:      rc.Path,
		userAgent: rc.Headers["User-Agent"],
	})
	rec.trim(at.Add(-h.window), h.maxSamples)
}

func (r *sourceRecord) trim(cutoff time.Time, maxSamples int) {
	idx := 0
	for idx < len(r.samples) && r.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		r.samples = r.samples[idx:]
	}
	if len(r.samples) > maxSamples {
		r.samples = r.samples[len(r.samples)-maxSamples:]
	}
}

// Snapshot aggregates the retained window for a source key.
func (h *SourceHistory) Snapshot(key string) HistorySnapshot {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HistorySnapshot{Window: h.window}
	rec, ok := h.sources[key]
	if !ok {
		return snap
	}
	rec.trim(now.Add(-h.window), h.maxSamples)
	if len(rec.samples) == 0 {
		return snap
	}

	paths := make(map[string]struct{})
	agents := make(map[string]struct{})
	errors := 0
	snap.Timestamps = make([]time.Time, 0, len(rec.samples))
	snap.Latencies = make([]time.Duration, 0, len(rec.samples))
	for _, s := range rec.samples {
		if s.path != "" {
			paths[s.path] = struct{}{}
		}
		if s.userAgent != "" {
			agents[s.userAgent] = struct{}{}
		}
		if s.status >= 400 {
			errors++
		}
		snap.Timestamps = append(snap.Timestamps, s.at)
		snap.Latencies = append(snap.Latencies, s.latency)
	}

	snap.Samples = len(rec.samples)
	snap.UniquePaths = len(paths)
	snap.UniqueUserAgents = len(agents)
	snap.ErrorRate = float64(errors) / float64(snap.Samples)
	snap.PathDiversity = float64(snap.UniquePaths) / float64(snap.Samples)
	snap.RequestsPerMin = float64(snap.Samples) / h.window.Minutes()
	return snap
}

// Cleanup drops sources whose entire history fell out of the window.
func (h *SourceHistory) Cleanup() int {
	now := h.now()
	cutoff := now.Add(-h.window)
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for key, rec := range h.sources {
		rec.trim(cutoff, h.maxSamples)
		if len(rec.samples) == 0 {
			delete(h.sources, key)
			removed++
		}
	}
	return removed
}
