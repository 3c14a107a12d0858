package vigil

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// BehaviorIndicator is one numeric signal inside a profile. The indicator
// exceeds when Value(...) > Threshold.
type BehaviorIndicator struct {
	Name      string
	Threshold float64
	Value     func(snap HistorySnapshot, rc *RequestContext) float64
}

// BehaviorProfile is a composite detector: it fires when at least FireRatio
// of its indicators exceed their thresholds over the trailing window.
type BehaviorProfile struct {
	Name       string
	AttackType string
	Severity   string
	Confidence float64
	Indicators []BehaviorIndicator
	Enabled    bool
}

// BehaviorAnalyzer evaluates behavior profiles against the source's recent
// history.
type BehaviorAnalyzer struct {
	profiles  []*BehaviorProfile
	history   *SourceHistory
	fireRatio float64
	log       zerolog.Logger
}

func NewBehaviorAnalyzer(history *SourceHistory, profiles []*BehaviorProfile, log zerolog.Logger) *BehaviorAnalyzer {
	return &BehaviorAnalyzer{
		profiles:  profiles,
		history:   history,
		fireRatio: 0.6,
		log:       componentLogger(log, "behavior"),
	}
}

// Evaluate runs every enabled profile for the request's source.
func (a *BehaviorAnalyzer) Evaluate(rc *RequestContext) []DetectionResult {
	snap := a.history.Snapshot(rc.ClientKey())
	var results []DetectionResult
	for _, profile := range a.profiles {
		if !profile.Enabled || len(profile.Indicators) == 0 {
			continue
		}
		exceeded := 0
		var evidence []Evidence
		for _, ind := range profile.Indicators {
			value := ind.Value(snap, rc)
			if value > ind.Threshold {
				exceeded++
				evidence = append(evidence, Evidence{
					Pattern:  ind.Name,
					Location: "behavior",
					Excerpt:  formatIndicator(ind.Name, value, ind.Threshold),
					At:       rc.ReceivedAt,
				})
			}
		}
		if float64(exceeded)/float64(len(profile.Indicators)) < a.fireRatio {
			continue
		}
		results = append(results, DetectionResult{
			Engine:     "behavior",
			AttackType: profile.AttackType,
			Detected:   true,
			Confidence: clampScore(profile.Confidence),
			RiskScore:  clampScore(60 + 10*float64(exceeded)),
			Severity:   profile.Severity,
			Evidence:   evidence,
			Actions:    []string{"flag_source"},
		})
	}
	return results
}

func formatIndicator(name string, value, threshold float64) string {
	return name + " " + strconv.FormatFloat(value, 'f', -1, 64) +
		" > " + strconv.FormatFloat(threshold, 'f', -1, 64)
}

// DefaultBehaviorProfiles ships the indicator sets used out of the box.
func DefaultBehaviorProfiles() []*BehaviorProfile {
	return []*BehaviorProfile{
		{
			Name:       "request-velocity",
			AttackType: "abusive_velocity",
			Severity:   "high",
			Confidence: 75,
			Enabled:    true,
			Indicators: []BehaviorIndicator{
				{
					Name:      "requests_per_minute",
					Threshold: 120,
					Value: func(snap HistorySnapshot, _ *RequestContext) float64 {
						return snap.RequestsPerMin
					},
				},
				{
					Name:      "error_rate",
					Threshold: 0.3,
					Value: func(snap HistorySnapshot, _ *RequestContext) float64 {
						return snap.ErrorRate
					},
				},
				{
					Name:      "unusual_agent",
					Threshold: 0.5,
					Value: func(_ HistorySnapshot, rc *RequestContext) float64 {
						if unusualAgent(rc.Headers["User-Agent"]) {
							return 1
						}
						return 0
					},
				},
			},
		},
		{
			Name:       "endpoint-sweep",
			AttackType: "endpoint_enumeration",
			Severity:   "medium",
			Confidence: 65,
			Enabled:    true,
			Indicators: []BehaviorIndicator{
				{
					Name:      "path_diversity",
					Threshold: 0.8,
					Value: func(snap HistorySnapshot, _ *RequestContext) float64 {
						if snap.Samples < 10 {
							return 0
						}
						return snap.PathDiversity
					},
				},
				{
					Name:      "error_rate",
					Threshold: 0.5,
					Value: func(snap HistorySnapshot, _ *RequestContext) float64 {
						return snap.ErrorRate
					},
				},
			},
		},
	}
}

var suspiciousAgentFragments = []string{
	"curl", "wget", "python-requests", "go-http-client", "sqlmap",
	"nikto", "masscan", "scrapy", "headless",
}

func unusualAgent(agent string) bool {
	if agent == "" {
		return true
	}
	lower := strings.ToLower(agent)
	for _, frag := range suspiciousAgentFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
