package vigil

import (
	"time"

	"github.com/rs/zerolog"
)

// TimeSeriesConfig tunes the inter-arrival and latency anomaly tests.
type TimeSeriesConfig struct {
	MinSamples            int     `koanf:"minSamples" validate:"min=2"`
	RapidIntervalFraction float64 `koanf:"rapidIntervalFraction" validate:"gt=0,lt=1"`
	RapidRatio            float64 `koanf:"rapidRatio" validate:"gt=0,lt=1"`
	SlowLatencyFactor     float64 `koanf:"slowLatencyFactor" validate:"gt=1"`
	SlowRatio             float64 `koanf:"slowRatio" validate:"gt=0,lt=1"`
}

// TimeSeriesDetector flags burst and slowdown anomalies from a source's
// recorded inter-arrival intervals and response latencies.
type TimeSeriesDetector struct {
	cfg     TimeSeriesConfig
	history *SourceHistory
	log     zerolog.Logger
}

func NewTimeSeriesDetector(history *SourceHistory, cfg TimeSeriesConfig, log zerolog.Logger) *TimeSeriesDetector {
	return &TimeSeriesDetector{
		cfg:     cfg,
		history: history,
		log:     componentLogger(log, "timeseries"),
	}
}

// Evaluate inspects the source's history. Both tests require MinSamples
// observations before they produce anything.
func (d *TimeSeriesDetector) Evaluate(rc *RequestContext) []DetectionResult {
	snap := d.history.Snapshot(rc.ClientKey())
	if snap.Samples < d.cfg.MinSamples {
		return nil
	}

	var results []DetectionResult
	if res, ok := d.rapidRequests(snap, rc); ok {
		results = append(results, res)
	}
	if res, ok := d.slowRequests(snap, rc); ok {
		results = append(results, res)
	}
	return results
}

func (d *TimeSeriesDetector) rapidRequests(snap HistorySnapshot, rc *RequestContext) (DetectionResult, bool) {
	intervals := make([]time.Duration, 0, len(snap.Timestamps)-1)
	var total time.Duration
	for i := 1; i < len(snap.Timestamps); i++ {
		iv := snap.Timestamps[i].Sub(snap.Timestamps[i-1])
		intervals = append(intervals, iv)
		total += iv
	}
	if len(intervals) == 0 {
		return DetectionResult{}, false
	}
	mean := total / time.Duration(len(intervals))
	if mean <= 0 {
		return DetectionResult{}, false
	}
	short := 0
	cutoff := time.Duration(float64(mean) * d.cfg.RapidIntervalFraction)
	for _, iv := range intervals {
		if iv < cutoff {
			short++
		}
	}
	ratio := float64(short) / float64(len(intervals))
	if ratio <= d.cfg.RapidRatio {
		return DetectionResult{}, false
	}
	return DetectionResult{
		Engine:     "timeseries",
		AttackType: "rapid_requests",
		Detected:   true,
		Confidence: clampScore(ratio / d.cfg.RapidRatio * 60),
		RiskScore:  clampScore(50 + ratio*50),
		Severity:   "high",
		Evidence: []Evidence{{
			Pattern:  "inter_arrival_burst",
			Location: "timeseries",
			Excerpt:  formatIndicator("short_interval_ratio", ratio, d.cfg.RapidRatio),
			At:       rc.ReceivedAt,
		}},
		Actions: []string{"throttle_source"},
	}, true
}

func (d *TimeSeriesDetector) slowRequests(snap HistorySnapshot, rc *RequestContext) (DetectionResult, bool) {
	var total time.Duration
	counted := 0
	for _, lat := range snap.Latencies {
		if lat > 0 {
			total += lat
			counted++
		}
	}
	if counted < d.cfg.MinSamples {
		return DetectionResult{}, false
	}
	mean := total / time.Duration(counted)
	if mean <= 0 {
		return DetectionResult{}, false
	}
	slow := 0
	cutoff := time.Duration(float64(mean) * d.cfg.SlowLatencyFactor)
	for _, lat := range snap.Latencies {
		if lat > cutoff {
			slow++
		}
	}
	ratio := float64(slow) / float64(counted)
	if ratio <= d.cfg.SlowRatio {
		return DetectionResult{}, false
	}
	return DetectionResult{
		Engine:     "timeseries",
		AttackType: "slow_requests",
		Detected:   true,
		Confidence: clampScore(ratio / d.cfg.SlowRatio * 60),
		RiskScore:  clampScore(40 + ratio*50),
		Severity:   "medium",
		Evidence: []Evidence{{
			Pattern:  "latency_degradation",
			Location: "timeseries",
			Excerpt:  formatIndicator("slow_latency_ratio", ratio, d.cfg.SlowRatio),
			At:       rc.ReceivedAt,
		}},
		Actions: []string{"investigate_source"},
	}, true
}
