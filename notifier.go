package vigil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// NotificationRule routes threats to channels. A threat must satisfy every
// configured constraint of a rule for the rule to match. Caps and cooldown
// apply per rule; zero values fall back to the engine-wide settings.
type NotificationRule struct {
	ID                 string        `koanf:"id" json:"id" validate:"required"`
	Name               string        `koanf:"name" json:"name"`
	Severities         []Severity    `koanf:"severities" json:"severities,omitempty"`
	Categories         []Category    `koanf:"categories" json:"categories,omitempty"`
	MinRiskScore       float64       `koanf:"minRiskScore" json:"minRiskScore"`
	MinConfidence      float64       `koanf:"minConfidence" json:"minConfidence"`
	MinEscalationLevel int           `koanf:"minEscalationLevel" json:"minEscalationLevel"`
	MaxPerHour         int           `koanf:"maxPerHour" json:"maxPerHour,omitempty"`
	MaxPerDay          int           `koanf:"maxPerDay" json:"maxPerDay,omitempty"`
	Cooldown           time.Duration `koanf:"cooldown" json:"cooldown,omitempty"`
	Channels           []string      `koanf:"channels" json:"channels" validate:"min=1"`
	Enabled            bool          `koanf:"enabled" json:"enabled"`
}

func (r *NotificationRule) matches(t *SecurityThreat) bool {
	if !r.Enabled {
		return false
	}
	if len(r.Severities) > 0 && !containsSeverity(r.Severities, t.Severity) {
		return false
	}
	if len(r.Categories) > 0 && !containsCategory(r.Categories, t.Category) {
		return false
	}
	if t.RiskScore < r.MinRiskScore {
		return false
	}
	if t.Confidence < r.MinConfidence {
		return false
	}
	if t.EscalationLevel < r.MinEscalationLevel {
		return false
	}
	return true
}

func containsSeverity(list []Severity, v Severity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsCategory(list []Category, v Category) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// EscalationConfig drives repeated-offender promotion. A threat escalates
// when its risk crosses RiskThreshold, its source accumulated MinThreats
// dispatches in the same category, or the source has been active in that
// category for AgeThreshold (0 disables the time trigger).
type EscalationConfig struct {
	Enabled       bool          `koanf:"enabled"`
	RiskThreshold float64       `koanf:"riskThreshold" validate:"gte=0,lte=100"`
	MinThreats    int           `koanf:"minThreats" validate:"min=1"`
	AgeThreshold  time.Duration `koanf:"ageThreshold"`
	MinGap        time.Duration `koanf:"minGap" validate:"min=1m"`
	MaxLevel      int           `koanf:"maxLevel" validate:"min=1"`
	Channels      []string      `koanf:"channels"`
}

// NotifierConfig assembles channels, routing rules, volume caps and the
// escalation policy.
type NotifierConfig struct {
	Enabled           bool               `koanf:"enabled"`
	Channels          []ChannelConfig    `koanf:"channels" validate:"dive"`
	Rules             []NotificationRule `koanf:"rules" validate:"dive"`
	Escalation        EscalationConfig   `koanf:"escalation"`
	HourlyLimit       int                `koanf:"hourlyLimit" validate:"min=1"`
	DailyLimit        int                `koanf:"dailyLimit" validate:"min=1"`
	Cooldown          time.Duration      `koanf:"cooldown"`
	DispatchPerSecond float64            `koanf:"dispatchPerSecond" validate:"gt=0"`
	CompositeWindow   time.Duration      `koanf:"compositeWindow" validate:"min=1s"`
	CompositeThreats  int                `koanf:"compositeThreats" validate:"min=2"`
}

// Notifier routes security threats to delivery channels. Per-channel sends
// run behind a circuit breaker and a token bucket so one dead or slow channel
// neither blocks the pipeline nor hammers its endpoint.
type Notifier struct {
	mu         sync.Mutex
	cfg        NotifierConfig
	scoring    ScoringConfig
	transports map[string]ChannelTransport
	channels   map[string]ChannelConfig
	breakers   map[string]*gobreaker.CircuitBreaker[struct{}]
	limiters   map[string]*rate.Limiter
	metrics    *Metrics
	log        zerolog.Logger
	now        func() time.Time
	wg         sync.WaitGroup

	// engine-wide volume backstop
	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int

	// suppression and correlation state
	ruleWindows   map[string]*ruleWindow
	cooldowns     map[string]time.Time
	sourceThreats map[string][]sourceThreat
	lastComposite map[string]time.Time
	escalations   map[string]*escalationState
}

// ruleWindow holds one rule's rolling hour/day dispatch counts.
type ruleWindow struct {
	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int
}

type sourceThreat struct {
	at         time.Time
	risk       float64
	confidence float64
	category   Category
	vectors    []string
}

// escalationState is the per-(source,category) tracker: a monotonically
// accumulating dispatch count with first/last activity, reset only by the
// time-based Prune.
type escalationState struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	lastAt    time.Time
	level     int
}

func NewNotifier(cfg NotifierConfig, scoring ScoringConfig, transports map[string]ChannelTransport, metrics *Metrics, log zerolog.Logger) *Notifier {
	if transports == nil {
		transports = DefaultTransports()
	}
	channels := make(map[string]ChannelConfig, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch.Name] = ch
	}
	return &Notifier{
		cfg:           cfg,
		scoring:       scoring,
		transports:    transports,
		channels:      channels,
		breakers:      make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		limiters:      make(map[string]*rate.Limiter),
		metrics:       metrics,
		log:           componentLogger(log, "notifier"),
		now:           time.Now,
		ruleWindows:   make(map[string]*ruleWindow),
		cooldowns:     make(map[string]time.Time),
		sourceThreats: make(map[string][]sourceThreat),
		lastComposite: make(map[string]time.Time),
		escalations:   make(map[string]*escalationState),
	}
}

// Notify routes one threat. It never blocks on delivery: channel sends run in
// the background. A source accumulating enough distinct threats inside the
// correlation window additionally produces one composite threat.
func (n *Notifier) Notify(threat *SecurityThreat) {
	if !n.cfg.Enabled || threat == nil {
		return
	}
	now := n.now()

	if !threat.Composite {
		if composite := n.recordAndCompose(threat, now); composite != nil {
			n.Notify(composite)
		}
	}

	channels := n.route(threat, now)
	if len(channels) == 0 {
		return
	}
	n.dispatch(threat, channels)

	if escalated := n.escalate(threat, now); escalated != nil {
		n.dispatch(escalated, n.escalationChannels())
	}
}

// Flush waits for in-flight deliveries. Intended for shutdown and tests.
func (n *Notifier) Flush() {
	n.wg.Wait()
}

// recordAndCompose tracks the threat against its source and returns a
// composite threat the first time the source crosses the correlation
// threshold inside one window.
func (n *Notifier) recordAndCompose(threat *SecurityThreat, now time.Time) *SecurityThreat {
	key := threat.SourceKey()
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := now.Add(-n.cfg.CompositeWindow)
	kept := n.sourceThreats[key][:0]
	for _, st := range n.sourceThreats[key] {
		if !st.at.Before(cutoff) {
			kept = append(kept, st)
		}
	}
	kept = append(kept, sourceThreat{
		at:         now,
		risk:       threat.RiskScore,
		confidence: threat.Confidence,
		category:   threat.Category,
		vectors:    threat.AttackVectors,
	})
	n.sourceThreats[key] = kept

	if len(kept) < n.cfg.CompositeThreats {
		return nil
	}
	if last, ok := n.lastComposite[key]; ok && now.Sub(last) < n.cfg.CompositeWindow {
		return nil
	}
	n.lastComposite[key] = now

	var riskSum, confSum float64
	vectors := make([]string, 0, 4)
	seen := make(map[string]struct{})
	for _, st := range kept {
		riskSum += st.risk
		confSum += st.confidence
		for _, v := range st.vectors {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				vectors = append(vectors, v)
			}
		}
	}
	count := float64(len(kept))
	return &SecurityThreat{
		ID:                 uuid.NewString(),
		Timestamp:          now,
		Severity:           SeverityCritical,
		Category:           CategoryMultiple,
		SourceIP:           threat.SourceIP,
		UserID:             threat.UserID,
		Endpoint:           threat.Endpoint,
		RiskScore:          clampScore(riskSum / count * n.scoring.CompositeRiskFactor),
		Confidence:         clampScore(confSum / count * n.scoring.CompositeConfidenceFactor),
		AttackVectors:      vectors,
		RecommendedActions: []string{"block_source", "escalate_review"},
		Composite:          true,
	}
}

// AddRule installs or replaces a routing rule at runtime.
func (n *Notifier) AddRule(rule NotificationRule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.cfg.Rules {
		if existing.ID == rule.ID {
			n.cfg.Rules[i] = rule
			return
		}
	}
	n.cfg.Rules = append(n.cfg.Rules, rule)
}

// RemoveRule deletes a routing rule by id. Returns ErrRuleNotFound for
// unknown ids.
func (n *Notifier) RemoveRule(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.cfg.Rules {
		if existing.ID == id {
			n.cfg.Rules = append(n.cfg.Rules[:i], n.cfg.Rules[i+1:]...)
			delete(n.ruleWindows, id)
			return nil
		}
	}
	return fmt.Errorf("notification rule %q: %w", id, ErrRuleNotFound)
}

// Rules returns a snapshot of the routing rules.
func (n *Notifier) Rules() []NotificationRule {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NotificationRule, len(n.cfg.Rules))
	copy(out, n.cfg.Rules)
	return out
}

// route matches the threat against the rules and applies each matching
// rule's own cooldown and hour/day caps, plus the engine-wide backstop.
// One starved rule never suppresses another rule's channels.
func (n *Notifier) route(threat *SecurityThreat, now time.Time) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	matched := make([]*NotificationRule, 0, 2)
	for i := range n.cfg.Rules {
		if n.cfg.Rules[i].matches(threat) {
			matched = append(matched, &n.cfg.Rules[i])
		}
	}
	if len(matched) == 0 {
		return nil
	}
	if !n.globalAllowLocked(now) {
		return nil
	}

	names := make([]string, 0, 2)
	seen := make(map[string]struct{})
	for _, rule := range matched {
		if !n.admitRuleLocked(rule, threat, now) {
			continue
		}
		for _, name := range rule.Channels {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	n.hourCount++
	n.dayCount++
	return names
}

// globalAllowLocked applies the engine-wide volume backstop. Windows roll
// over anchored at the first admitted notification.
func (n *Notifier) globalAllowLocked(now time.Time) bool {
	if n.hourStart.IsZero() || now.Sub(n.hourStart) >= time.Hour {
		n.hourStart = now
		n.hourCount = 0
	}
	if n.dayStart.IsZero() || now.Sub(n.dayStart) >= 24*time.Hour {
		n.dayStart = now
		n.dayCount = 0
	}
	if n.hourCount >= n.cfg.HourlyLimit {
		n.countSuppressed("hourly_cap")
		return false
	}
	if n.dayCount >= n.cfg.DailyLimit {
		n.countSuppressed("daily_cap")
		return false
	}
	return true
}

// admitRuleLocked applies one rule's cooldown and caps. The cooldown stamp
// happens only after the caps pass, so a cap-suppressed notification never
// silences the next qualifying one.
func (n *Notifier) admitRuleLocked(rule *NotificationRule, threat *SecurityThreat, now time.Time) bool {
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = n.cfg.Cooldown
	}
	ck := rule.ID + "|" + string(threat.Category) + "|" + threat.Endpoint
	if cooldown > 0 {
		if last, ok := n.cooldowns[ck]; ok && now.Sub(last) < cooldown {
			n.countSuppressed("cooldown")
			return false
		}
	}

	rw, ok := n.ruleWindows[rule.ID]
	if !ok {
		rw = &ruleWindow{}
		n.ruleWindows[rule.ID] = rw
	}
	if rw.hourStart.IsZero() || now.Sub(rw.hourStart) >= time.Hour {
		rw.hourStart = now
		rw.hourCount = 0
	}
	if rw.dayStart.IsZero() || now.Sub(rw.dayStart) >= 24*time.Hour {
		rw.dayStart = now
		rw.dayCount = 0
	}
	if rule.MaxPerHour > 0 && rw.hourCount >= rule.MaxPerHour {
		n.countSuppressed("hourly_cap")
		return false
	}
	if rule.MaxPerDay > 0 && rw.dayCount >= rule.MaxPerDay {
		n.countSuppressed("daily_cap")
		return false
	}

	if cooldown > 0 {
		n.cooldowns[ck] = now
	}
	rw.hourCount++
	rw.dayCount++
	return true
}

func (n *Notifier) countSuppressed(reason string) {
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues("_suppressed", reason).Inc()
	}
}

// escalate promotes a repeat, long-running or high-risk offender. The
// per-(source,category) tracker accumulates dispatched threats; the promotion
// fires on risk, count or elapsed activity, at most once per MinGap, with
// severity forced critical and the level climbing to MaxLevel.
func (n *Notifier) escalate(threat *SecurityThreat, now time.Time) *SecurityThreat {
	esc := n.cfg.Escalation
	if !esc.Enabled || threat.Escalated {
		return nil
	}

	key := threat.SourceKey() + "|" + string(threat.Category)
	n.mu.Lock()
	state, ok := n.escalations[key]
	if !ok {
		state = &escalationState{firstSeen: now}
		n.escalations[key] = state
	}
	state.count++
	state.lastSeen = now

	triggered := threat.RiskScore >= esc.RiskThreshold ||
		state.count >= esc.MinThreats ||
		(esc.AgeThreshold > 0 && now.Sub(state.firstSeen) >= esc.AgeThreshold)
	if !triggered {
		n.mu.Unlock()
		return nil
	}
	if !state.lastAt.IsZero() && now.Sub(state.lastAt) < esc.MinGap {
		n.mu.Unlock()
		return nil
	}
	if state.level < esc.MaxLevel {
		state.level++
	}
	state.lastAt = now
	level := state.level
	n.mu.Unlock()

	out := *threat
	out.ID = uuid.NewString()
	out.Timestamp = now
	out.Severity = SeverityCritical
	out.EscalationLevel = level
	out.Escalated = true
	out.RecommendedActions = appendUnique(out.RecommendedActions, "notify_security_team")
	n.log.Warn().
		Str("source", threat.SourceKey()).
		Str("category", string(threat.Category)).
		Int("level", level).
		Msg("threat escalated")
	return &out
}

func (n *Notifier) escalationChannels() []string {
	if len(n.cfg.Escalation.Channels) > 0 {
		return n.cfg.Escalation.Channels
	}
	names := make([]string, 0, len(n.channels))
	for name := range n.channels {
		names = append(names, name)
	}
	return names
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}

func (n *Notifier) dispatch(threat *SecurityThreat, channelNames []string) {
	for _, name := range channelNames {
		ch, ok := n.channels[name]
		if !ok || !ch.Enabled {
			continue
		}
		transport, ok := n.transports[ch.Type]
		if !ok {
			n.log.Error().Str("channel", name).Str("type", ch.Type).Msg("no transport for channel type")
			continue
		}
		n.wg.Add(1)
		go n.send(transport, ch, threat)
	}
}

func (n *Notifier) send(transport ChannelTransport, ch ChannelConfig, threat *SecurityThreat) {
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	if err := n.limiter(ch.Name).Wait(ctx); err != nil {
		n.recordSend(ch.Name, "rate_limited")
		return
	}
	_, err := n.breaker(ch.Name).Execute(func() (struct{}, error) {
		return struct{}{}, transport.Send(ctx, ch, threat)
	})
	if err != nil {
		n.recordSend(ch.Name, "error")
		n.log.Error().Err(err).Str("channel", ch.Name).Str("threat", threat.ID).Msg("notification failed")
		return
	}
	n.recordSend(ch.Name, "sent")
}

func (n *Notifier) recordSend(channel, status string) {
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues(channel, status).Inc()
	}
}

func (n *Notifier) limiter(channel string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	lim, ok := n.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(n.cfg.DispatchPerSecond), 1)
		n.limiters[channel] = lim
	}
	return lim
}

func (n *Notifier) breaker(channel string) *gobreaker.CircuitBreaker[struct{}] {
	n.mu.Lock()
	defer n.mu.Unlock()
	cb, ok := n.breakers[channel]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "notify-" + channel,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		n.breakers[channel] = cb
	}
	return cb
}

// Prune drops stale cooldown, correlation and escalation state.
func (n *Notifier) Prune() int {
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	for k, at := range n.cooldowns {
		if now.Sub(at) > n.cfg.Cooldown {
			delete(n.cooldowns, k)
			removed++
		}
	}
	cutoff := now.Add(-n.cfg.CompositeWindow)
	for key, threats := range n.sourceThreats {
		kept := threats[:0]
		for _, st := range threats {
			if !st.at.Before(cutoff) {
				kept = append(kept, st)
			}
		}
		if len(kept) == 0 {
			delete(n.sourceThreats, key)
			delete(n.lastComposite, key)
			removed++
			continue
		}
		n.sourceThreats[key] = kept
	}
	for key, state := range n.escalations {
		if now.Sub(state.lastSeen) > 24*time.Hour {
			delete(n.escalations, key)
			removed++
		}
	}
	return removed
}
