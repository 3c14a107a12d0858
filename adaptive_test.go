package vigil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:      true,
		MinSamples:   5,
		MaxSamples:   50,
		MinThreshold: 10,
		MaxThreshold: 500,
		IdleEviction: time.Hour,
	}
}

func TestAdaptiveLearnerBelowMinSamples(t *testing.T) {
	learner := NewAdaptiveLearner(testAdaptiveConfig())
	at := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		learner.Observe("r1", "ip:1.1.1.1", at.Add(time.Duration(i)*time.Second))
	}
	learner.Recompute()
	assert.Equal(t, 100, learner.AdjustedLimit("r1", "ip:1.1.1.1", 100), "base limit until enough samples")
}

func TestAdaptiveLearnerLearnsRate(t *testing.T) {
	learner := NewAdaptiveLearner(testAdaptiveConfig())
	at := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	// One arrival per second: learned baseline is 60/minute.
	for i := 0; i < 10; i++ {
		learner.Observe("r1", "ip:1.1.1.1", at.Add(time.Duration(i)*time.Second))
	}
	learner.Recompute()
	assert.Equal(t, 60, learner.AdjustedLimit("r1", "ip:1.1.1.1", 100))
}

func TestAdaptiveLearnerClampsToBounds(t *testing.T) {
	cfg := testAdaptiveConfig()
	learner := NewAdaptiveLearner(cfg)
	at := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	// One arrival per 50ms: raw estimate 1200/minute, clamped to MaxThreshold.
	for i := 0; i < 20; i++ {
		learner.Observe("r1", "ip:fast", at.Add(time.Duration(i)*50*time.Millisecond))
	}
	// One arrival per 30s: raw estimate 2/minute, clamped to MinThreshold.
	for i := 0; i < 10; i++ {
		learner.Observe("r1", "ip:slow", at.Add(time.Duration(i)*30*time.Second))
	}
	learner.Recompute()
	assert.Equal(t, cfg.MaxThreshold, learner.AdjustedLimit("r1", "ip:fast", 100))
	assert.Equal(t, cfg.MinThreshold, learner.AdjustedLimit("r1", "ip:slow", 100))
}

func TestAdaptiveLearnerDisabled(t *testing.T) {
	cfg := testAdaptiveConfig()
	cfg.Enabled = false
	learner := NewAdaptiveLearner(cfg)
	learner.Observe("r1", "k", time.Now())
	learner.Recompute()
	assert.Equal(t, 42, learner.AdjustedLimit("r1", "k", 42))
}

func TestAdaptiveLearnerCleanup(t *testing.T) {
	learner := NewAdaptiveLearner(testAdaptiveConfig())
	at := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	learner.now = func() time.Time { return at.Add(2 * time.Hour) }
	learner.Observe("r1", "old", at.Add(90*time.Minute))
	assert.Equal(t, 0, learner.Cleanup(), "recently seen entries stay")

	learner.entries["r1|old"].lastSeen = at
	assert.Equal(t, 1, learner.Cleanup())
}
