package vigil

import (
	"sort"
	"sync"
	"time"
)

// IntelConfig tunes the per-source threat profile bookkeeping.
type IntelConfig struct {
	SampleWeight      float64       `koanf:"sampleWeight" validate:"gt=0,lt=1"`
	MonitorRiskScore  float64       `koanf:"monitorRiskScore" validate:"gte=0,lte=100"`
	MonitorDetections int           `koanf:"monitorDetections" validate:"min=1"`
	BlockRiskScore    float64       `koanf:"blockRiskScore" validate:"gte=0,lte=100"`
	Retention         time.Duration `koanf:"retention" validate:"min=1h"`
	MaxTrackedSources int           `koanf:"maxTrackedSources" validate:"min=1"`
}

// ThreatIntelligence is the rolling risk profile for one source key.
type ThreatIntelligence struct {
	Key                 string    `json:"key"`
	FirstSeen           time.Time `json:"firstSeen"`
	LastSeen            time.Time `json:"lastSeen"`
	TotalDetections     int       `json:"totalDetections"`
	RiskScore           float64   `json:"riskScore"`
	ThreatTypes         []string  `json:"threatTypes,omitempty"`
	ActivelyMonitored   bool      `json:"activelyMonitored"`
	BlockRecommendation bool      `json:"blockRecommendation"`
}

// IntelStore holds threat intelligence per source. The risk score is an
// exponential moving average: new = old*(1-w) + sample*w, so it never jumps
// and decays toward zero on detection-free traffic.
type IntelStore struct {
	mu      sync.RWMutex
	cfg     IntelConfig
	entries map[string]*intelEntry
	now     func() time.Time
}

type intelEntry struct {
	intel       ThreatIntelligence
	threatTypes map[string]struct{}
}

func NewIntelStore(cfg IntelConfig) *IntelStore {
	return &IntelStore{
		cfg:     cfg,
		entries: make(map[string]*intelEntry),
		now:     time.Now,
	}
}

// Update folds one verdict into the source's profile. An entry is created on
// the first detection only; detection-free verdicts update existing entries
// (decaying their score) but never create one.
func (s *IntelStore) Update(key string, sample float64, threatTypes []string, detections int) *ThreatIntelligence {
	if key == "" {
		return nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		if detections == 0 {
			return nil
		}
		entry = &intelEntry{
			intel:       ThreatIntelligence{Key: key, FirstSeen: now},
			threatTypes: make(map[string]struct{}),
		}
		s.entries[key] = entry
	}

	w := s.cfg.SampleWeight
	entry.intel.RiskScore = clampScore(entry.intel.RiskScore*(1-w) + sample*w)
	entry.intel.LastSeen = now
	entry.intel.TotalDetections += detections
	for _, t := range threatTypes {
		if _, seen := entry.threatTypes[t]; !seen {
			entry.threatTypes[t] = struct{}{}
			entry.intel.ThreatTypes = append(entry.intel.ThreatTypes, t)
		}
	}
	entry.intel.ActivelyMonitored = entry.intel.RiskScore >= s.cfg.MonitorRiskScore ||
		entry.intel.TotalDetections >= s.cfg.MonitorDetections
	entry.intel.BlockRecommendation = entry.intel.RiskScore >= s.cfg.BlockRiskScore

	out := entry.intel
	return &out
}

// Get returns the profile for one key.
func (s *IntelStore) Get(key string) (*ThreatIntelligence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	out := entry.intel
	return &out, true
}

// List returns all profiles, highest risk first.
func (s *IntelStore) List() []ThreatIntelligence {
	s.mu.RLock()
	out := make([]ThreatIntelligence, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.intel)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out
}

// Prune removes entries idle past the retention window unless they are
// actively monitored, and trims the table when it outgrows the cap.
func (s *IntelStore) Prune() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.intel.ActivelyMonitored {
			continue
		}
		if now.Sub(entry.intel.LastSeen) > s.cfg.Retention {
			delete(s.entries, key)
			removed++
		}
	}
	if s.cfg.MaxTrackedSources > 0 && len(s.entries) > s.cfg.MaxTrackedSources {
		type aged struct {
			key  string
			seen time.Time
		}
		byAge := make([]aged, 0, len(s.entries))
		for key, entry := range s.entries {
			byAge = append(byAge, aged{key, entry.intel.LastSeen})
		}
		sort.Slice(byAge, func(i, j int) bool { return byAge[i].seen.Before(byAge[j].seen) })
		excess := len(byAge) - s.cfg.MaxTrackedSources
		for _, a := range byAge[:excess] {
			delete(s.entries, a.key)
			removed++
		}
	}
	return removed
}
