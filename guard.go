package vigil

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Guard assembles the full pipeline: limiter, detection engines, threat
// orchestrator, notifier and the background maintenance loops. One Guard
// serves one protected application.
type Guard struct {
	cfg          Config
	log          zerolog.Logger
	metrics      *Metrics
	store        *CounterStore
	learner      *AdaptiveLearner
	limiter      *RateLimiter
	history      *SourceHistory
	patterns     *PatternEngine
	behavior     *BehaviorAnalyzer
	timeseries   *TimeSeriesDetector
	intel        *IntelStore
	blacklist    Blacklist
	logstore     LogStore
	notifier     *Notifier
	orchestrator *Orchestrator
	queue        *analysisQueue
	scheduler    *Scheduler
	watcher      *RuleWatcher
}

// Evaluation is the verdict EvaluateRequest returns to the HTTP layer.
type Evaluation struct {
	Allowed  bool
	Decision RateDecision
	Verdict  *AnalysisVerdict
	Reason   string
}

// New builds a Guard from configuration. The default pattern rules and any
// rules found in cfg.RulesDir are installed; the limiter ships without rate
// rules until AddRateRule or a rules directory provides them.
func New(cfg Config, log zerolog.Logger) (*Guard, error) {
	metrics := NewMetrics()
	store := NewCounterStore()
	learner := NewAdaptiveLearner(cfg.Adaptive)
	limiter := NewRateLimiter(store, learner, cfg.Emergency, metrics, log)
	history := NewSourceHistory(cfg.History.Window, cfg.History.MaxSamples)
	patterns := NewPatternEngine(cfg.Scoring, log)
	behavior := NewBehaviorAnalyzer(history, DefaultBehaviorProfiles(), log)
	timeseries := NewTimeSeriesDetector(history, cfg.TimeSeries, log)
	intel := NewIntelStore(cfg.Intel)
	blacklist := NewMemoryBlacklist(cfg.AllowCIDRs)

	var logstore LogStore
	if cfg.DatabasePath != "" {
		sls, err := NewSQLiteLogStore(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("guard: %w", err)
		}
		logstore = sls
	} else {
		logstore = NewMemoryLogStore(0)
	}

	notifier := NewNotifier(cfg.Notifier, cfg.Scoring, nil, metrics, log)
	orchestrator := NewOrchestrator(patterns, behavior, timeseries, blacklist, intel, notifier, logstore, cfg.Scoring, metrics, log)
	limiter.OnViolation(orchestrator.HandleViolation)

	g := &Guard{
		cfg:          cfg,
		log:          componentLogger(log, "guard"),
		metrics:      metrics,
		store:        store,
		learner:      learner,
		limiter:      limiter,
		history:      history,
		patterns:     patterns,
		behavior:     behavior,
		timeseries:   timeseries,
		intel:        intel,
		blacklist:    blacklist,
		logstore:     logstore,
		notifier:     notifier,
		orchestrator: orchestrator,
		queue:        newAnalysisQueue(cfg.Queue.Size, metrics, log),
	}

	for _, rule := range DefaultPatternRules() {
		if err := patterns.AddRule(rule); err != nil {
			return nil, fmt.Errorf("guard: default pattern rule: %w", err)
		}
	}
	if cfg.RulesDir != "" {
		rf, err := LoadRuleFiles(cfg.RulesDir, g.log)
		if err != nil {
			g.log.Warn().Err(err).Msg("some rule files failed to load")
		}
		g.applyRules(rf)
		g.watcher = NewRuleWatcher(cfg.RulesDir, g.applyRules, log)
	}

	g.scheduler = NewScheduler(log,
		Task{Name: "counter-cleanup", Interval: cfg.Maintenance.CounterCleanup, Run: func() { store.Cleanup() }},
		Task{Name: "learner-recompute", Interval: cfg.Maintenance.LearnerInterval, Run: func() {
			learner.Recompute()
			learner.Cleanup()
		}},
		Task{Name: "intel-prune", Interval: cfg.Maintenance.IntelPrune, Run: func() { intel.Prune() }},
		Task{Name: "history-cleanup", Interval: cfg.Maintenance.HistoryCleanup, Run: func() { history.Cleanup() }},
		Task{Name: "notifier-prune", Interval: cfg.Maintenance.NotifierPrune, Run: func() { notifier.Prune() }},
		Task{Name: "queue-drain", Interval: cfg.Queue.DrainInterval, Run: g.drainQueue},
	)
	return g, nil
}

// Start launches the maintenance loops and the rules watcher.
func (g *Guard) Start(ctx context.Context) error {
	g.scheduler.Start(ctx)
	if g.watcher != nil {
		if err := g.watcher.Start(); err != nil {
			return err
		}
	}
	g.log.Info().Msg("guard started")
	return nil
}

// Stop drains background work and closes the event store.
func (g *Guard) Stop() {
	if g.watcher != nil {
		g.watcher.Stop()
	}
	g.scheduler.Stop()
	g.drainQueue()
	g.notifier.Flush()
	if err := g.logstore.Close(); err != nil {
		g.log.Error().Err(err).Msg("event store close failed")
	}
	g.log.Info().Msg("guard stopped")
}

// EvaluateRequest is the pre-handler decision: blacklist check, then the rate
// limiter. Denied, already-suspicious and critical-endpoint requests are
// analyzed inline so their verdict can block them immediately; clean traffic
// is analyzed in the background after the response.
func (g *Guard) EvaluateRequest(ctx context.Context, rc *RequestContext) Evaluation {
	if entry, ok := g.blacklist.IsBlacklisted(rc.ClientIP); ok {
		g.countDecision("blacklisted")
		return Evaluation{
			Allowed:  false,
			Decision: RateDecision{Allowed: false, Remaining: 0, Reset: entry.Until},
			Reason:   "blacklisted: " + entry.Reason,
		}
	}

	decision := g.limiter.Check(rc)
	if !decision.Allowed {
		g.countDecision("rate_limited")
		verdict := g.orchestrator.Analyze(ctx, rc)
		rc.analyzed = true
		return Evaluation{
			Allowed:  false,
			Decision: decision,
			Verdict:  &verdict,
			Reason:   decision.ViolationType,
		}
	}

	if rc.Suspicious || g.criticalEndpoint(rc.Path) {
		verdict := g.orchestrator.Analyze(ctx, rc)
		rc.analyzed = true
		if verdict.Block {
			g.countDecision("blocked")
			g.limiter.Release(rc)
			return Evaluation{
				Allowed:  false,
				Decision: RateDecision{Allowed: false, Remaining: decision.Remaining, Limit: decision.Limit, Reset: decision.Reset},
				Verdict:  &verdict,
				Reason:   "threat detected",
			}
		}
		g.countDecision("allowed")
		return Evaluation{Allowed: true, Decision: decision, Verdict: &verdict}
	}

	g.countDecision("allowed")
	return Evaluation{Allowed: true, Decision: decision}
}

// Observe records a completed request for the behavioral engines and queues
// it for background analysis. Call it after the response is written.
// Requests that already received an inline verdict are tracked but not
// queued again.
func (g *Guard) Observe(rc *RequestContext) {
	g.history.Track(rc.ClientKey(), rc)
	if rc.analyzed {
		return
	}
	g.queue.Enqueue(rc)
}

// Release returns the request's concurrency slot. Must be called exactly
// once for every allowed request.
func (g *Guard) Release(rc *RequestContext) {
	g.limiter.Release(rc)
}

func (g *Guard) drainQueue() {
	batch := g.queue.Drain(g.cfg.Queue.BatchSize)
	for _, rc := range batch {
		g.orchestrator.Analyze(context.Background(), rc)
	}
}

func (g *Guard) criticalEndpoint(path string) bool {
	for _, pattern := range g.cfg.CriticalEndpoints {
		if matchPath(pattern, path) {
			return true
		}
	}
	return false
}

func (g *Guard) countDecision(decision string) {
	g.metrics.RequestsTotal.WithLabelValues(decision).Inc()
}

func (g *Guard) applyRules(rf RuleFile) {
	for _, rule := range rf.RateRules {
		g.limiter.AddRule(rule)
	}
	for _, rule := range rf.PatternRules {
		if err := g.patterns.AddRule(rule); err != nil {
			g.log.Error().Err(err).Str("rule", rule.ID).Msg("pattern rule rejected")
		}
	}
	g.log.Info().
		Int("rateRules", len(rf.RateRules)).
		Int("patternRules", len(rf.PatternRules)).
		Msg("rules applied")
}

// AddRateRule installs or replaces a limiter rule at runtime.
func (g *Guard) AddRateRule(rule *RateRule) { g.limiter.AddRule(rule) }

// RemoveRateRule deletes a limiter rule.
func (g *Guard) RemoveRateRule(id string) error { return g.limiter.RemoveRule(id) }

// RateRules returns the limiter rules in evaluation order.
func (g *Guard) RateRules() []*RateRule { return g.limiter.Rules() }

// AddPatternRule compiles and installs a detection rule at runtime.
func (g *Guard) AddPatternRule(rule *PatternRule) error { return g.patterns.AddRule(rule) }

// RemovePatternRule deletes a detection rule.
func (g *Guard) RemovePatternRule(id string) error { return g.patterns.RemoveRule(id) }

// PatternRules returns the installed detection rules.
func (g *Guard) PatternRules() []*PatternRule { return g.patterns.Rules() }

// AddNotificationRule installs or replaces a notification routing rule.
func (g *Guard) AddNotificationRule(rule NotificationRule) { g.notifier.AddRule(rule) }

// RemoveNotificationRule deletes a notification routing rule.
func (g *Guard) RemoveNotificationRule(id string) error { return g.notifier.RemoveRule(id) }

// NotificationRules returns the notification routing rules.
func (g *Guard) NotificationRules() []NotificationRule { return g.notifier.Rules() }

// TriggerEmergency activates the limiter's restriction mode manually.
func (g *Guard) TriggerEmergency(reason string) { g.limiter.TriggerEmergency(reason) }

// EmergencyActive reports whether emergency restriction is in effect.
func (g *Guard) EmergencyActive() bool { return g.limiter.EmergencyActive() }

// ThreatIntelligenceList returns every tracked source, highest risk first.
func (g *Guard) ThreatIntelligenceList() []ThreatIntelligence { return g.intel.List() }

// Blacklist exposes the block list for management endpoints.
func (g *Guard) Blacklist() Blacklist { return g.blacklist }

// MetricsHandler serves the Prometheus registry.
func (g *Guard) MetricsHandler() http.Handler { return g.metrics.Handler() }

// IPAnalysis is the drill-down view for one source address.
type IPAnalysis struct {
	IP          string              `json:"ip"`
	Intel       *ThreatIntelligence `json:"intel,omitempty"`
	Blacklisted *BlacklistEntry     `json:"blacklisted,omitempty"`
	History     HistorySnapshot     `json:"history"`
}

// AnalyzeIP assembles intelligence, blacklist state and recent history for
// one address.
func (g *Guard) AnalyzeIP(ip string) IPAnalysis {
	out := IPAnalysis{IP: ip}
	if intel, ok := g.intel.Get("ip:" + ip); ok {
		out.Intel = intel
	}
	if entry, ok := g.blacklist.IsBlacklisted(ip); ok {
		out.Blacklisted = entry
	}
	out.History = g.history.Snapshot("ip:" + ip)
	return out
}

// Dashboard is the operator overview.
type Dashboard struct {
	EmergencyActive bool                 `json:"emergencyActive"`
	QueueDepth      int                  `json:"queueDepth"`
	TrackedSources  int                  `json:"trackedSources"`
	Blacklisted     int                  `json:"blacklisted"`
	TopSources      []ThreatIntelligence `json:"topSources,omitempty"`
	GeneratedAt     time.Time            `json:"generatedAt"`
}

// DashboardSnapshot summarizes pipeline state for the operator endpoint.
func (g *Guard) DashboardSnapshot() Dashboard {
	intel := g.intel.List()
	top := intel
	if len(top) > 10 {
		top = top[:10]
	}
	return Dashboard{
		EmergencyActive: g.limiter.EmergencyActive(),
		QueueDepth:      g.queue.Len(),
		TrackedSources:  len(intel),
		Blacklisted:     len(g.blacklist.Entries()),
		TopSources:      top,
		GeneratedAt:     time.Now(),
	}
}
