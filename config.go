package vigil

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ScoringConfig holds the fusion and boost coefficients shared by the
// detection engines and the orchestrator.
type ScoringConfig struct {
	EnsembleConfidenceFactor  float64 `koanf:"ensembleConfidenceFactor" validate:"gte=1"`
	EnsembleRiskFactor        float64 `koanf:"ensembleRiskFactor" validate:"gte=1"`
	CompositeRiskFactor       float64 `koanf:"compositeRiskFactor" validate:"gte=1"`
	CompositeConfidenceFactor float64 `koanf:"compositeConfidenceFactor" validate:"gte=1"`
	SuspiciousBonus           float64 `koanf:"suspiciousBonus" validate:"gte=0,lte=100"`
	ServerErrorBonus          float64 `koanf:"serverErrorBonus" validate:"gte=0,lte=100"`
	BotBonus                  float64 `koanf:"botBonus" validate:"gte=0,lte=100"`
	BlockThreshold            float64 `koanf:"blockThreshold" validate:"gte=0,lte=100"`
	EscalateThreshold         float64 `koanf:"escalateThreshold" validate:"gte=0,lte=100"`
	EscalateDetections        int     `koanf:"escalateDetections" validate:"min=1"`
}

func (s ScoringConfig) severityBonus(severity string) float64 {
	switch strings.ToLower(severity) {
	case "critical":
		return 30
	case "high":
		return 20
	case "medium":
		return 10
	case "low":
		return 5
	}
	return 0
}

// HistoryConfig bounds the per-source observation window shared by the
// behavior and time-series engines.
type HistoryConfig struct {
	Window     time.Duration `koanf:"window" validate:"min=1s"`
	MaxSamples int           `koanf:"maxSamples" validate:"min=10"`
}

// QueueConfig sizes the background analysis queue.
type QueueConfig struct {
	Size          int           `koanf:"size" validate:"min=1"`
	BatchSize     int           `koanf:"batchSize" validate:"min=1"`
	DrainInterval time.Duration `koanf:"drainInterval" validate:"min=10ms"`
}

// MaintenanceConfig schedules the background housekeeping tasks.
type MaintenanceConfig struct {
	CounterCleanup  time.Duration `koanf:"counterCleanup" validate:"min=1s"`
	LearnerInterval time.Duration `koanf:"learnerInterval" validate:"min=1s"`
	IntelPrune      time.Duration `koanf:"intelPrune" validate:"min=1s"`
	HistoryCleanup  time.Duration `koanf:"historyCleanup" validate:"min=1s"`
	NotifierPrune   time.Duration `koanf:"notifierPrune" validate:"min=1s"`
}

// Config is the root configuration.
type Config struct {
	Listen       string   `koanf:"listen" validate:"required"`
	MetricsAddr  string   `koanf:"metricsAddr"`
	LogLevel     string   `koanf:"logLevel" validate:"oneof=trace debug info warn error"`
	DatabasePath string   `koanf:"databasePath"`
	RulesDir     string   `koanf:"rulesDir"`
	AllowCIDRs   []string `koanf:"allowCIDRs"`
	TrustProxy   bool     `koanf:"trustProxy"`
	// CriticalEndpoints are path patterns (exact or trailing-*) that are
	// always analyzed inline before the handler runs.
	CriticalEndpoints []string `koanf:"criticalEndpoints"`

	Emergency   EmergencyConfig   `koanf:"emergency"`
	Adaptive    AdaptiveConfig    `koanf:"adaptive"`
	TimeSeries  TimeSeriesConfig  `koanf:"timeSeries"`
	Intel       IntelConfig       `koanf:"intel"`
	Scoring     ScoringConfig     `koanf:"scoring"`
	History     HistoryConfig     `koanf:"history"`
	Queue       QueueConfig       `koanf:"queue"`
	Notifier    NotifierConfig    `koanf:"notifier"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

// DefaultConfig returns the shipped defaults. File and environment overrides
// are merged on top by LoadConfig.
func DefaultConfig() Config {
	return Config{
		Listen:      ":8080",
		MetricsAddr: ":9100",
		LogLevel:    "info",
		Emergency: EmergencyConfig{
			Enabled:          true,
			TriggerThreshold: 50,
			Window:           5 * time.Minute,
			Duration:         5 * time.Minute,
			RestrictionLevel: 0.5,
		},
		Adaptive: AdaptiveConfig{
			Enabled:      true,
			MinSamples:   10,
			MaxSamples:   200,
			MinThreshold: 10,
			MaxThreshold: 10000,
			IdleEviction: time.Hour,
		},
		TimeSeries: TimeSeriesConfig{
			MinSamples:            10,
			RapidIntervalFraction: 0.1,
			RapidRatio:            0.3,
			SlowLatencyFactor:     3,
			SlowRatio:             0.2,
		},
		Intel: IntelConfig{
			SampleWeight:      0.3,
			MonitorRiskScore:  50,
			MonitorDetections: 5,
			BlockRiskScore:    70,
			Retention:         30 * 24 * time.Hour,
			MaxTrackedSources: 100000,
		},
		Scoring: ScoringConfig{
			EnsembleConfidenceFactor:  1.2,
			EnsembleRiskFactor:        1.1,
			CompositeRiskFactor:       1.5,
			CompositeConfidenceFactor: 1.2,
			SuspiciousBonus:           30,
			ServerErrorBonus:          20,
			BotBonus:                  25,
			BlockThreshold:            70,
			EscalateThreshold:         85,
			EscalateDetections:        3,
		},
		History: HistoryConfig{
			Window:     5 * time.Minute,
			MaxSamples: 100,
		},
		Queue: QueueConfig{
			Size:          1000,
			BatchSize:     50,
			DrainInterval: 100 * time.Millisecond,
		},
		Notifier: NotifierConfig{
			Enabled: true,
			Escalation: EscalationConfig{
				Enabled:       true,
				RiskThreshold: 85,
				MinThreats:    3,
				AgeThreshold:  time.Hour,
				MinGap:        30 * time.Minute,
				MaxLevel:      3,
			},
			HourlyLimit:       100,
			DailyLimit:        1000,
			Cooldown:          5 * time.Minute,
			DispatchPerSecond: 5,
			CompositeWindow:   5 * time.Minute,
			CompositeThreats:  3,
		},
		Maintenance: MaintenanceConfig{
			CounterCleanup:  time.Minute,
			LearnerInterval: 30 * time.Second,
			IntelPrune:      10 * time.Minute,
			HistoryCleanup:  time.Minute,
			NotifierPrune:   10 * time.Minute,
		},
	}
}

// LoadConfig layers defaults, an optional YAML file and VIGIL_ environment
// variables, then validates the result. Env keys map underscores to nesting:
// VIGIL_NOTIFIER_HOURLYLIMIT overrides notifier.hourlyLimit.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("VIGIL_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "VIGIL_")), "_", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}
