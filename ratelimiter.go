package vigil

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateRule limits request volume for matching traffic. A zero limit disables
// that window. Many rules can apply to one request; all must pass.
type RateRule struct {
	ID            string   `json:"id" validate:"required"`
	Pattern       string   `json:"pattern" validate:"required"`
	Methods       []string `json:"methods,omitempty"`
	UserTypes     []string `json:"userTypes,omitempty"`
	PerSecond     int      `json:"perSecond,omitempty"`
	PerMinute     int      `json:"perMinute,omitempty"`
	PerHour       int      `json:"perHour,omitempty"`
	PerDay        int      `json:"perDay,omitempty"`
	Burst         int      `json:"burst,omitempty"`
	MaxConcurrent int      `json:"maxConcurrent,omitempty"`
	Priority      int      `json:"priority"`
	Enabled       bool     `json:"enabled"`
}

// Matches reports whether the rule applies to the request. Patterns are
// either exact paths, prefix globs ("/api/*"), or "*" for everything.
func (r *RateRule) Matches(rc *RequestContext) bool {
	if !r.Enabled {
		return false
	}
	if !matchPath(r.Pattern, rc.Path) {
		return false
	}
	if len(r.Methods) > 0 && !containsFold(r.Methods, rc.Method) {
		return false
	}
	if len(r.UserTypes) > 0 && !containsFold(r.UserTypes, rc.UserRole) {
		return false
	}
	return true
}

func matchPath(pattern, path string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// RateDecision is the limiter's verdict for one request.
type RateDecision struct {
	Allowed       bool
	Remaining     int // -1 when no limited window applied
	Limit         int
	Reset         time.Time
	ViolationType string
	CurrentCount  int
	RuleID        string
}

// RateViolation is emitted on every rejection and consumed by the
// orchestrator.
type RateViolation struct {
	RuleID            string
	Key               string
	IP                string
	Endpoint          string
	ViolationType     string
	Limit             int
	Count             int
	Overage           float64
	RecommendedAction string
	At                time.Time
}

// EmergencyConfig drives the global tightening state machine.
type EmergencyConfig struct {
	Enabled          bool          `koanf:"enabled"`
	TriggerThreshold int           `koanf:"triggerThreshold" validate:"min=1"`
	Window           time.Duration `koanf:"window" validate:"min=1s"`
	Duration         time.Duration `koanf:"duration" validate:"min=1s"`
	RestrictionLevel float64       `koanf:"restrictionLevel" validate:"gt=0,lte=1"`
}

// RateLimiter evaluates requests against multi-window limits with burst
// capacity, concurrency caps, adaptive thresholds and an emergency
// restriction mode. Internal failures fail open.
type RateLimiter struct {
	mu             sync.RWMutex
	rules          []*RateRule
	store          *CounterStore
	learner        *AdaptiveLearner
	emergency      EmergencyConfig
	violations     []time.Time
	emergencyUntil time.Time
	onViolation    func(RateViolation)
	metrics        *Metrics
	log            zerolog.Logger
	now            func() time.Time
}

func NewRateLimiter(store *CounterStore, learner *AdaptiveLearner, emergency EmergencyConfig, metrics *Metrics, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		store:     store,
		learner:   learner,
		emergency: emergency,
		metrics:   metrics,
		log:       componentLogger(log, "ratelimiter"),
		now:       time.Now,
	}
}

// OnViolation installs the violation consumer. Must be set before traffic.
func (rl *RateLimiter) OnViolation(fn func(RateViolation)) {
	rl.onViolation = fn
}

// AddRule inserts or replaces a rule and keeps the set priority-sorted.
func (rl *RateLimiter) AddRule(rule *RateRule) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, existing := range rl.rules {
		if existing.ID == rule.ID {
			rl.rules[i] = rule
			rl.sortLocked()
			return
		}
	}
	rl.rules = append(rl.rules, rule)
	rl.sortLocked()
}

// RemoveRule deletes a rule by id. Returns ErrRuleNotFound for unknown ids.
func (rl *RateLimiter) RemoveRule(id string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, existing := range rl.rules {
		if existing.ID == id {
			rl.rules = append(rl.rules[:i], rl.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rate rule %q: %w", id, ErrRuleNotFound)
}

// Rules returns a snapshot of the rule set in evaluation order.
func (rl *RateLimiter) Rules() []*RateRule {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := make([]*RateRule, len(rl.rules))
	copy(out, rl.rules)
	return out
}

func (rl *RateLimiter) sortLocked() {
	sort.SliceStable(rl.rules, func(i, j int) bool {
		return rl.rules[i].Priority < rl.rules[j].Priority
	})
}

func (rl *RateLimiter) matchingRules(rc *RequestContext) []*RateRule {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	var matched []*RateRule
	for _, rule := range rl.rules {
		if rule.Matches(rc) {
			matched = append(matched, rule)
		}
	}
	return matched
}

type windowLimit struct {
	period Period
	limit  int
}

func (rl *RateLimiter) windowLimits(rule *RateRule, key string, factor float64) []windowLimit {
	perMinute := rule.PerMinute
	if perMinute > 0 && rl.learner != nil {
		perMinute = rl.learner.AdjustedLimit(rule.ID, key, perMinute)
	}
	raw := []windowLimit{
		{PeriodSecond, rule.PerSecond},
		{PeriodMinute, perMinute},
		{PeriodHour, rule.PerHour},
		{PeriodDay, rule.PerDay},
	}
	var out []windowLimit
	for _, wl := range raw {
		if wl.limit <= 0 {
			continue
		}
		out = append(out, windowLimit{wl.period, scaleLimit(wl.limit, factor)})
	}
	return out
}

func scaleLimit(limit int, factor float64) int {
	if factor >= 1 {
		return limit
	}
	scaled := int(float64(limit) * factor)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func nextBoundary(now time.Time, period Period) time.Time {
	d := period.Duration()
	return now.Truncate(d).Add(d)
}

// Check evaluates the request against every matching rule in priority order.
// Counters are only incremented once all rules pass. Any internal panic
// fails open.
func (rl *RateLimiter) Check(rc *RequestContext) (decision RateDecision) {
	defer func() {
		if r := recover(); r != nil {
			rl.log.Error().Interface("panic", r).Msg("rate limiter failure, failing open")
			decision = RateDecision{Allowed: true, Remaining: -1}
		}
	}()

	key := rc.ClientKey()
	now := rl.now()
	matched := rl.matchingRules(rc)
	if len(matched) == 0 {
		return RateDecision{Allowed: true, Remaining: -1}
	}

	factor := 1.0
	if rl.EmergencyActive() {
		factor = rl.emergency.RestrictionLevel
	}

	for _, rule := range matched {
		if rule.Burst > 0 {
			burst := scaleLimit(rule.Burst, factor)
			wc := rl.store.Peek(rule.ID, key, PeriodBurst)
			if wc.Count >= burst {
				return rl.reject(rc, rule, key, PeriodBurst, burst, wc.Count, now)
			}
		}
		if rule.MaxConcurrent > 0 && rl.store.InFlight(key) >= rule.MaxConcurrent {
			return rl.reject(rc, rule, key, Period("concurrency"), rule.MaxConcurrent, rl.store.InFlight(key), now)
		}
		for _, wl := range rl.windowLimits(rule, key, factor) {
			wc := rl.store.Peek(rule.ID, key, wl.period)
			if wc.Count >= wl.limit {
				return rl.reject(rc, rule, key, wl.period, wl.limit, wc.Count, now)
			}
		}
	}

	// All rules passed: commit increments and compute the binding remainder.
	decision = RateDecision{Allowed: true, Remaining: -1}
	for _, rule := range matched {
		if rule.Burst > 0 {
			rl.store.Increment(rule.ID, key, PeriodBurst)
		}
		for _, wl := range rl.windowLimits(rule, key, factor) {
			wc := rl.store.Increment(rule.ID, key, wl.period)
			remaining := wl.limit - wc.Count
			if remaining < 0 {
				remaining = 0
			}
			if decision.Remaining < 0 || remaining < decision.Remaining {
				decision.Remaining = remaining
				decision.Limit = wl.limit
				decision.Reset = nextBoundary(now, wl.period)
				decision.RuleID = rule.ID
				decision.CurrentCount = wc.Count
			}
		}
		if rule.PerMinute > 0 && rl.learner != nil {
			rl.learner.Observe(rule.ID, key, now)
		}
	}
	if rl.anyConcurrency(matched) {
		rl.store.Acquire(key)
	}
	return decision
}

// Release decrements the in-flight count for the request's key. It must be
// called exactly once per allowed request after the response completes,
// regardless of status.
func (rl *RateLimiter) Release(rc *RequestContext) {
	if rl.anyConcurrency(rl.matchingRules(rc)) {
		rl.store.Release(rc.ClientKey())
	}
}

func (rl *RateLimiter) anyConcurrency(rules []*RateRule) bool {
	for _, rule := range rules {
		if rule.MaxConcurrent > 0 {
			return true
		}
	}
	return false
}

func (rl *RateLimiter) reject(rc *RequestContext, rule *RateRule, key string, period Period, limit, count int, now time.Time) RateDecision {
	violationType := period.ViolationType()
	attempted := count + 1
	overage := float64(attempted) / float64(limit)
	violation := RateViolation{
		RuleID:            rule.ID,
		Key:               key,
		IP:                rc.ClientIP,
		Endpoint:          rc.Path,
		ViolationType:     violationType,
		Limit:             limit,
		Count:             count,
		Overage:           overage,
		RecommendedAction: violationAction(overage),
		At:                now,
	}
	rl.recordViolation(violation)
	reset := nextBoundary(now, period)
	if period == "concurrency" {
		reset = now.Add(time.Second)
	}
	return RateDecision{
		Allowed:       false,
		Remaining:     0,
		Limit:         limit,
		Reset:         reset,
		ViolationType: violationType,
		CurrentCount:  count,
		RuleID:        rule.ID,
	}
}

func violationAction(overage float64) string {
	switch {
	case overage > 20:
		return "permanent_block"
	case overage > 10:
		return "temporary_block"
	case overage > 5:
		return "captcha_required"
	default:
		return "warning"
	}
}

func (rl *RateLimiter) recordViolation(v RateViolation) {
	if rl.metrics != nil {
		rl.metrics.RateLimitRejections.WithLabelValues(v.ViolationType).Inc()
	}
	rl.mu.Lock()
	rl.violations = append(rl.violations, v.At)
	cutoff := v.At.Add(-rl.emergency.Window)
	idx := 0
	for idx < len(rl.violations) && rl.violations[idx].Before(cutoff) {
		idx++
	}
	rl.violations = rl.violations[idx:]
	trigger := rl.emergency.Enabled && len(rl.violations) > rl.emergency.TriggerThreshold && !v.At.Before(rl.emergencyUntil)
	rl.mu.Unlock()

	if trigger {
		rl.TriggerEmergency("violation spike")
	}
	if rl.onViolation != nil {
		rl.onViolation(v)
	}
}

// TriggerEmergency activates the restriction mode for the configured
// duration; it deactivates automatically once the duration elapses.
func (rl *RateLimiter) TriggerEmergency(reason string) {
	if !rl.emergency.Enabled {
		return
	}
	now := rl.now()
	rl.mu.Lock()
	rl.emergencyUntil = now.Add(rl.emergency.Duration)
	rl.mu.Unlock()
	if rl.metrics != nil {
		rl.metrics.EmergencyMode.Set(1)
	}
	rl.log.Warn().
		Str("reason", reason).
		Dur("duration", rl.emergency.Duration).
		Float64("restriction", rl.emergency.RestrictionLevel).
		Msg("emergency mode activated")
}

// EmergencyActive reports whether the restriction window is still open.
func (rl *RateLimiter) EmergencyActive() bool {
	rl.mu.RLock()
	until := rl.emergencyUntil
	rl.mu.RUnlock()
	active := rl.now().Before(until)
	if !active && rl.metrics != nil {
		rl.metrics.EmergencyMode.Set(0)
	}
	return active
}
