package vigil

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limiterFixture struct {
	limiter *RateLimiter
	store   *CounterStore
	now     time.Time
}

func newLimiterFixture(t *testing.T, emergency EmergencyConfig) *limiterFixture {
	t.Helper()
	f := &limiterFixture{
		store: NewCounterStore(),
		now:   time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	f.store.now = func() time.Time { return f.now }
	f.limiter = NewRateLimiter(f.store, nil, emergency, NewMetrics(), NewLogger("error", io.Discard))
	f.limiter.now = func() time.Time { return f.now }
	return f
}

func (f *limiterFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func apiRequest(ip string) *RequestContext {
	return &RequestContext{
		Method:     "GET",
		Path:       "/api/items",
		ClientIP:   ip,
		ReceivedAt: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestRateLimiterMinuteWindow(t *testing.T) {
	f := newLimiterFixture(t, EmergencyConfig{})
	f.limiter.AddRule(&RateRule{ID: "api", Pattern: "/api/*", PerMinute: 5, Enabled: true})

	for i := 0; i < 5; i++ {
		d := f.limiter.Check(apiRequest("1.1.1.1"))
		require.True(t, d.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 5, d.Limit)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d := f.limiter.Check(apiRequest("1.1.1.1"))
	require.False(t, d.Allowed, "sixth request exceeds the window")
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, "minute_exceeded", d.ViolationType)
	assert.Equal(t, "api", d.RuleID)

	// Other sources are unaffected.
	assert.True(t, f.limiter.Check(apiRequest("2.2.2.2")).Allowed)

	f.advance(61 * time.Second)
	assert.True(t, f.limiter.Check(apiRequest("1.1.1.1")).Allowed, "window rolls over")
}

func TestRateLimiterBurstWindow(t *testing.T) {
	f := newLimiterFixture(t, EmergencyConfig{})
	f.limiter.AddRule(&RateRule{ID: "api", Pattern: "*", PerMinute: 100, Burst: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		require.True(t, f.limiter.Check(apiRequest("1.1.1.1")).Allowed)
	}
	d := f.limiter.Check(apiRequest("1.1.1.1"))
	require.False(t, d.Allowed)
	assert.Equal(t, "burst_exceeded", d.ViolationType)

	f.advance(11 * time.Second)
	assert.True(t, f.limiter.Check(apiRequest("1.1.1.1")).Allowed, "burst window clears")
}

func TestRateLimiterConcurrency(t *testing.T) {
	f := newLimiterFixture(t, EmergencyConfig{})
	f.limiter.AddRule(&RateRule{ID: "api", Pattern: "*", MaxConcurrent: 2, Enabled: true})

	rc := apiRequest("1.1.1.1")
	require.True(t, f.limiter.Check(rc).Allowed)
	require.True(t, f.limiter.Check(rc).Allowed)

	d := f.limiter.Check(rc)
	require.False(t, d.Allowed)
	assert.Equal(t, "concurrency_exceeded", d.ViolationType)

	f.limiter.Release(rc)
	assert.True(t, f.limiter.Check(rc).Allowed, "released slot is reusable")
}

func TestRateLimiterUserKeying(t *testing.T) {
	f := newLimiterFixture(t, EmergencyConfig{})
	f.limiter.AddRule(&RateRule{ID: "api", Pattern: "*", PerMinute: 2, Enabled: true})

	anon := apiRequest("1.1.1.1")
	authed := apiRequest("1.1.1.1")
	authed.UserID = "u42"

	require.True(t, f.limiter.Check(anon).Allowed)
	require.True(t, f.limiter.Check(anon).Allowed)
	require.False(t, f.limiter.Check(anon).Allowed)

	// Same IP, authenticated: counted under the user key.
	assert.True(t, f.limiter.Check(authed).Allowed)
}

func TestRateLimiterRuleSelection(t *testing.T) {
	f := newLimiterFixture(t, EmergencyConfig{})
	f.limiter.AddRule(&RateRule{ID: "posts", Pattern: "/api/*", Methods: []string{"POST"}, PerMinute: 1, Enabled: true})
	f.limiter.AddRule(&RateRule{ID: "disabled", Pattern: "*", PerMinute: 1, Enabled: false})

	get := apiRequest("1.1.1.1")
	d := f.limiter.Check(get)
	assert.True(t, d.Allowed)
	assert.Equal(t, -1, d.Remaining, "no rule matched a GET")

	post := apiRequest("1.1.1.1")
	post.Method = "POST"
	require.True(t, f.limiter.Check(post).Allowed)
	assert.False(t, f.limiter.Check(post).Allowed)
}

func TestRateLimiterEmergencyMode(t *testing.T) {
	f := newLimiterFixture(t, EmergencyConfig{
		Enabled:          true,
		TriggerThreshold: 3,
		Window:           time.Minute,
		Duration:         5 * time.Minute,
		RestrictionLevel: 0.5,
	})
	f.limiter.AddRule(&RateRule{ID: "api", Pattern: "*", PerMinute: 10, Enabled: true})

	rc := apiRequest("1.1.1.1")
	for i := 0; i < 10; i++ {
		f.limiter.Check(rc)
	}
	require.False(t, f.limiter.EmergencyActive())
	for i := 0; i < 4; i++ {
		f.limiter.Check(rc) // rejected, records violations
	}
	require.True(t, f.limiter.EmergencyActive(), "violation spike triggers emergency mode")

	// Under restriction the effective limit halves for fresh sources.
	other := apiRequest("9.9.9.9")
	allowed := 0
	for i := 0; i < 10; i++ {
		if f.limiter.Check(other).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)

	f.advance(6 * time.Minute)
	assert.False(t, f.limiter.EmergencyActive(), "emergency mode expires on its own")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	f := newLimiterFixture(t, EmergencyConfig{})
	f.limiter.AddRule(&RateRule{ID: "api", Pattern: "*", PerMinute: 1, Enabled: true})
	f.limiter.store = nil // force an internal panic

	d := f.limiter.Check(apiRequest("1.1.1.1"))
	assert.True(t, d.Allowed, "internal failures never block traffic")
	assert.Equal(t, -1, d.Remaining)
}

func TestRateLimiterViolationCallback(t *testing.T) {
	f := newLimiterFixture(t, EmergencyConfig{})
	f.limiter.AddRule(&RateRule{ID: "api", Pattern: "*", PerMinute: 2, Enabled: true})

	var got []RateViolation
	f.limiter.OnViolation(func(v RateViolation) { got = append(got, v) })

	rc := apiRequest("1.1.1.1")
	f.limiter.Check(rc)
	f.limiter.Check(rc)
	f.limiter.Check(rc)

	require.Len(t, got, 1)
	assert.Equal(t, "minute_exceeded", got[0].ViolationType)
	assert.Equal(t, "ip:1.1.1.1", got[0].Key)
	assert.InDelta(t, 1.5, got[0].Overage, 0.001)
	assert.Equal(t, "warning", got[0].RecommendedAction)
}

func TestViolationActionThresholds(t *testing.T) {
	assert.Equal(t, "warning", violationAction(1.5))
	assert.Equal(t, "captcha_required", violationAction(5.1))
	assert.Equal(t, "temporary_block", violationAction(10.1))
	assert.Equal(t, "permanent_block", violationAction(21))
}
