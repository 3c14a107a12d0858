package vigil

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	mu   sync.Mutex
	sent []*SecurityThreat
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Send(_ context.Context, _ ChannelConfig, threat *SecurityThreat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, threat)
	return nil
}

func (s *stubTransport) threats() []*SecurityThreat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SecurityThreat, len(s.sent))
	copy(out, s.sent)
	return out
}

func testNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Enabled: true,
		Channels: []ChannelConfig{
			{Name: "primary", Type: "stub", Target: "stub://primary", Enabled: true},
		},
		Rules: []NotificationRule{
			{ID: "all", Channels: []string{"primary"}, Enabled: true},
		},
		HourlyLimit:       100,
		DailyLimit:        1000,
		DispatchPerSecond: 1000,
		CompositeWindow:   5 * time.Minute,
		CompositeThreats:  100,
	}
}

func newTestNotifier(cfg NotifierConfig) (*Notifier, *stubTransport, *time.Time) {
	stub := &stubTransport{}
	n := NewNotifier(cfg, testScoring(), map[string]ChannelTransport{"stub": stub}, NewMetrics(), NewLogger("error", io.Discard))
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	return n, stub, &now
}

func mkThreat(ip string, cat Category, sev Severity, risk float64, endpoint string) *SecurityThreat {
	return &SecurityThreat{
		ID:            uuid.NewString(),
		Timestamp:     time.Now(),
		Severity:      sev,
		Category:      cat,
		SourceIP:      ip,
		Endpoint:      endpoint,
		RiskScore:     risk,
		Confidence:    80,
		AttackVectors: []string{"probe"},
	}
}

func TestNotifierRoutesMatchingRule(t *testing.T) {
	n, stub, _ := newTestNotifier(testNotifierConfig())
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/api"))
	n.Flush()
	assert.Len(t, stub.threats(), 1)
}

func TestNotifierRuleFilters(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Rules = []NotificationRule{{
		ID:           "critical-only",
		Severities:   []Severity{SeverityCritical},
		MinRiskScore: 80,
		Channels:     []string{"primary"},
		Enabled:      true,
	}}
	n, stub, _ := newTestNotifier(cfg)

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 90, "/a"))
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityCritical, 60, "/b"))
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityCritical, 90, "/c"))
	n.Flush()

	got := stub.threats()
	require.Len(t, got, 1)
	assert.Equal(t, "/c", got[0].Endpoint)
}

func TestNotifierCooldown(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Cooldown = 5 * time.Minute
	n, stub, now := newTestNotifier(cfg)

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/login"))
	n.Notify(mkThreat("2.2.2.2", CategoryPattern, SeverityWarning, 60, "/login"))
	n.Flush()
	assert.Len(t, stub.threats(), 1, "same category and endpoint suppressed inside cooldown")

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/search"))
	n.Flush()
	assert.Len(t, stub.threats(), 2, "different endpoint has its own cooldown")

	*now = now.Add(6 * time.Minute)
	n.Notify(mkThreat("3.3.3.3", CategoryPattern, SeverityWarning, 60, "/login"))
	n.Flush()
	assert.Len(t, stub.threats(), 3, "cooldown expires")
}

func TestNotifierHourlyCap(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.HourlyLimit = 10
	n, stub, now := newTestNotifier(cfg)

	for i := 0; i < 11; i++ {
		n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/e"+string(rune('a'+i))))
	}
	n.Flush()
	assert.Len(t, stub.threats(), 10, "eleventh notification suppressed by the hourly cap")

	*now = now.Add(61 * time.Minute)
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/fresh"))
	n.Flush()
	assert.Len(t, stub.threats(), 11, "cap resets after the hour rolls over")
}

func TestNotifierPerRuleHourlyCap(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Rules = []NotificationRule{
		{ID: "capped", MaxPerHour: 2, Channels: []string{"primary"}, Enabled: true},
	}
	n, stub, now := newTestNotifier(cfg)

	for i := 0; i < 3; i++ {
		n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/e"+string(rune('a'+i))))
	}
	n.Flush()
	assert.Len(t, stub.threats(), 2, "third dispatch suppressed by the rule's own cap")

	*now = now.Add(61 * time.Minute)
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/fresh"))
	n.Flush()
	assert.Len(t, stub.threats(), 3, "per-rule cap resets after the hour rolls over")
}

func TestNotifierRuleCapDoesNotStarveOtherRules(t *testing.T) {
	stubA := &stubTransport{}
	stubB := &stubTransport{}
	cfg := NotifierConfig{
		Enabled: true,
		Channels: []ChannelConfig{
			{Name: "primary", Type: "stub", Target: "stub://primary", Enabled: true},
			{Name: "backup", Type: "stub2", Target: "stub://backup", Enabled: true},
		},
		Rules: []NotificationRule{
			{ID: "noisy", MaxPerHour: 1, Channels: []string{"primary"}, Enabled: true},
			{ID: "steady", Channels: []string{"backup"}, Enabled: true},
		},
		HourlyLimit:       100,
		DailyLimit:        1000,
		DispatchPerSecond: 1000,
		CompositeWindow:   5 * time.Minute,
		CompositeThreats:  100,
	}
	n := NewNotifier(cfg, testScoring(), map[string]ChannelTransport{"stub": stubA, "stub2": stubB}, NewMetrics(), NewLogger("error", io.Discard))
	fixed := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/a"))
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/b"))
	n.Flush()
	assert.Len(t, stubA.threats(), 1, "capped rule stops at its own limit")
	assert.Len(t, stubB.threats(), 2, "an exhausted rule never starves another")
}

func TestNotifierCapSuppressionDoesNotStartCooldown(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Rules = []NotificationRule{
		{ID: "r", MaxPerHour: 1, Cooldown: 10 * time.Minute, Channels: []string{"primary"}, Enabled: true},
	}
	n, stub, now := newTestNotifier(cfg)

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/login"))
	n.Flush()
	require.Len(t, stub.threats(), 1)

	*now = now.Add(55 * time.Minute)
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/login"))
	n.Flush()
	require.Len(t, stub.threats(), 1, "hour cap suppresses the second dispatch")

	// Hour rolled over; the only cooldown stamp is the first dispatch's.
	*now = now.Add(6 * time.Minute)
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/login"))
	n.Flush()
	assert.Len(t, stub.threats(), 2, "a cap-suppressed dispatch leaves no cooldown behind")
}

func TestNotifierComposite(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.CompositeThreats = 3
	n, stub, _ := newTestNotifier(cfg)

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/a"))
	n.Notify(mkThreat("1.1.1.1", CategoryAnomaly, SeverityWarning, 70, "/b"))
	n.Notify(mkThreat("1.1.1.1", CategoryRateLimit, SeverityWarning, 80, "/c"))
	n.Flush()

	got := stub.threats()
	require.Len(t, got, 4, "three threats plus one composite")
	var composite *SecurityThreat
	for _, th := range got {
		if th.Composite {
			composite = th
		}
	}
	require.NotNil(t, composite)
	assert.Equal(t, CategoryMultiple, composite.Category)
	assert.Equal(t, SeverityCritical, composite.Severity)
	// avg risk 70 * 1.5, clamped.
	assert.InDelta(t, 100.0, composite.RiskScore, 0.001)

	// A fourth threat inside the window does not re-compose.
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/d"))
	n.Flush()
	composites := 0
	for _, th := range stub.threats() {
		if th.Composite {
			composites++
		}
	}
	assert.Equal(t, 1, composites, "composite emitted exactly once per window")
}

func TestNotifierEscalation(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Escalation = EscalationConfig{
		Enabled:       true,
		RiskThreshold: 85,
		MinThreats:    50,
		MinGap:        30 * time.Minute,
		MaxLevel:      3,
		Channels:      []string{"primary"},
	}
	n, stub, now := newTestNotifier(cfg)

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 90, "/a"))
	n.Flush()
	got := stub.threats()
	require.Len(t, got, 2, "high risk produces the base alert plus an escalation")
	var escalated *SecurityThreat
	for _, th := range got {
		if th.Escalated {
			escalated = th
		}
	}
	require.NotNil(t, escalated)
	assert.Equal(t, SeverityCritical, escalated.Severity)
	assert.Equal(t, 1, escalated.EscalationLevel)
	assert.Contains(t, escalated.RecommendedActions, "notify_security_team")

	// Within the gap: no second escalation for the same source and category.
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 90, "/b"))
	n.Flush()
	escalations := 0
	for _, th := range stub.threats() {
		if th.Escalated {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)

	// Past the gap the level climbs.
	*now = now.Add(31 * time.Minute)
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 90, "/c"))
	n.Flush()
	var levels []int
	for _, th := range stub.threats() {
		if th.Escalated {
			levels = append(levels, th.EscalationLevel)
		}
	}
	assert.Equal(t, []int{1, 2}, levels)
}

func TestNotifierEscalationCountTrigger(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Escalation = EscalationConfig{
		Enabled:       true,
		RiskThreshold: 100,
		MinThreats:    3,
		MinGap:        30 * time.Minute,
		MaxLevel:      3,
		Channels:      []string{"primary"},
	}
	n, stub, _ := newTestNotifier(cfg)

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/a"))
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/b"))
	n.Flush()
	for _, th := range stub.threats() {
		require.False(t, th.Escalated, "below the count threshold")
	}

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/c"))
	n.Flush()
	escalations := 0
	for _, th := range stub.threats() {
		if th.Escalated {
			escalations++
			assert.Equal(t, 1, th.EscalationLevel)
		}
	}
	assert.Equal(t, 1, escalations, "third dispatch for the source and category escalates")
}

func TestNotifierEscalationAgeTrigger(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Escalation = EscalationConfig{
		Enabled:       true,
		RiskThreshold: 100,
		MinThreats:    100,
		AgeThreshold:  30 * time.Minute,
		MinGap:        time.Minute,
		MaxLevel:      3,
		Channels:      []string{"primary"},
	}
	n, stub, now := newTestNotifier(cfg)

	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/a"))
	n.Flush()
	for _, th := range stub.threats() {
		require.False(t, th.Escalated)
	}

	*now = now.Add(31 * time.Minute)
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityWarning, 60, "/b"))
	n.Flush()
	escalations := 0
	for _, th := range stub.threats() {
		if th.Escalated {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations, "prolonged activity in one category escalates")
}

func TestNotifierDisabled(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Enabled = false
	n, stub, _ := newTestNotifier(cfg)
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityCritical, 90, "/a"))
	n.Flush()
	assert.Empty(t, stub.threats())
}

func TestNotifierDisabledChannelSkipped(t *testing.T) {
	cfg := testNotifierConfig()
	cfg.Channels[0].Enabled = false
	n, stub, _ := newTestNotifier(cfg)
	n.Notify(mkThreat("1.1.1.1", CategoryPattern, SeverityCritical, 90, "/a"))
	n.Flush()
	assert.Empty(t, stub.threats())
}
