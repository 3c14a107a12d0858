package vigil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AnalysisVerdict is the fused outcome of one full threat analysis.
type AnalysisVerdict struct {
	Detections         []DetectionResult `json:"detections,omitempty"`
	Threat             *SecurityThreat   `json:"threat,omitempty"`
	RiskScore          float64           `json:"riskScore"`
	RiskLevel          RiskLevel         `json:"riskLevel"`
	Block              bool              `json:"block"`
	EscalationRequired bool              `json:"escalationRequired"`
}

// Orchestrator fans a request out to every detection engine, fuses the
// results into a single verdict and drives the responses: intelligence
// update, auto-blacklisting, persistence and notification. A panicking
// engine is isolated; its results are simply absent from the verdict.
type Orchestrator struct {
	patterns   *PatternEngine
	behavior   *BehaviorAnalyzer
	timeseries *TimeSeriesDetector
	ensemble   *EnsembleAggregator
	blacklist  Blacklist
	intel      *IntelStore
	notifier   *Notifier
	logstore   LogStore
	scoring    ScoringConfig
	metrics    *Metrics
	log        zerolog.Logger
	now        func() time.Time
}

func NewOrchestrator(
	patterns *PatternEngine,
	behavior *BehaviorAnalyzer,
	timeseries *TimeSeriesDetector,
	blacklist Blacklist,
	intel *IntelStore,
	notifier *Notifier,
	logstore LogStore,
	scoring ScoringConfig,
	metrics *Metrics,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		patterns:   patterns,
		behavior:   behavior,
		timeseries: timeseries,
		ensemble:   NewEnsembleAggregator(scoring),
		blacklist:  blacklist,
		intel:      intel,
		notifier:   notifier,
		logstore:   logstore,
		scoring:    scoring,
		metrics:    metrics,
		log:        componentLogger(log, "orchestrator"),
		now:        time.Now,
	}
}

// Analyze runs the full pipeline for one request.
func (o *Orchestrator) Analyze(ctx context.Context, rc *RequestContext) AnalysisVerdict {
	started := o.now()
	results, blacklisted := o.collect(rc)
	results = o.ensemble.Aggregate(results)

	if o.metrics != nil {
		for _, res := range results {
			o.metrics.Detections.WithLabelValues(res.Engine, res.AttackType).Inc()
		}
	}

	verdict := o.fuse(rc, results, blacklisted)
	key := rc.ClientKey()
	if verdict.Threat != nil {
		o.respond(ctx, rc, verdict)
		o.intel.Update(key, verdict.RiskScore, verdict.Threat.AttackVectors, len(results))
	} else {
		// Clean traffic decays any existing profile toward zero.
		o.intel.Update(key, 0, nil, 0)
	}

	if o.metrics != nil {
		o.metrics.AnalysisDuration.Observe(o.now().Sub(started).Seconds())
	}
	return verdict
}

// collect fans the request out to every engine concurrently and joins the
// results. Each engine runs isolated; a panic or empty result from one never
// affects the others. The second return reports a blacklist hit.
func (o *Orchestrator) collect(rc *RequestContext) ([]DetectionResult, bool) {
	engines := []struct {
		name string
		fn   func() []DetectionResult
	}{
		{"pattern", func() []DetectionResult { return o.patterns.Evaluate(rc) }},
		{"behavior", func() []DetectionResult { return o.behavior.Evaluate(rc) }},
		{"timeseries", func() []DetectionResult { return o.timeseries.Evaluate(rc) }},
		{"blacklist", func() []DetectionResult { return o.checkBlacklist(rc) }},
	}
	slots := make([][]DetectionResult, len(engines))
	var wg sync.WaitGroup
	for i, eng := range engines {
		wg.Add(1)
		go func(i int, name string, fn func() []DetectionResult) {
			defer wg.Done()
			slots[i] = o.safeEvaluate(name, fn)
		}(i, eng.name, eng.fn)
	}
	wg.Wait()

	var results []DetectionResult
	blacklisted := false
	for i, part := range slots {
		if engines[i].name == "blacklist" && len(part) > 0 {
			blacklisted = true
		}
		results = append(results, part...)
	}
	return results, blacklisted
}

func (o *Orchestrator) checkBlacklist(rc *RequestContext) []DetectionResult {
	entry, ok := o.blacklist.IsBlacklisted(rc.ClientIP)
	if !ok {
		return nil
	}
	return []DetectionResult{{
		Engine:     "blacklist",
		AttackType: "blacklisted_source",
		Detected:   true,
		Confidence: 100,
		RiskScore:  95,
		Severity:   "critical",
		Evidence: []Evidence{{
			Pattern:  "blacklist",
			Location: "source",
			Excerpt:  entry.Reason,
			At:       rc.ReceivedAt,
		}},
		Actions: []string{"block_request"},
	}}
}

func (o *Orchestrator) safeEvaluate(engine string, fn func() []DetectionResult) (results []DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Str("engine", engine).Msg("detection engine failure, skipping")
			results = nil
		}
	}()
	return fn()
}

// fuse reduces the detection set to one verdict. The fused risk is the
// average detected risk plus context bonuses for an already-flagged request,
// a server error and an unauthorized bot. A blacklisted source is blocked
// regardless of how far co-detections dilute the average.
func (o *Orchestrator) fuse(rc *RequestContext, results []DetectionResult, blacklisted bool) AnalysisVerdict {
	detected := make([]DetectionResult, 0, len(results))
	for _, res := range results {
		if res.Detected {
			detected = append(detected, res)
		}
	}
	if len(detected) == 0 {
		return AnalysisVerdict{Detections: results, RiskLevel: RiskLow}
	}

	var riskSum, confSum float64
	vectors := make([]string, 0, len(detected))
	actions := make([]string, 0, 4)
	seenVector := make(map[string]struct{})
	categories := make(map[Category]struct{})
	for _, res := range detected {
		riskSum += res.RiskScore
		confSum += res.Confidence
		if _, dup := seenVector[res.AttackType]; !dup {
			seenVector[res.AttackType] = struct{}{}
			vectors = append(vectors, res.AttackType)
		}
		for _, a := range res.Actions {
			actions = appendUnique(actions, a)
		}
		categories[engineCategory(res.Engine)] = struct{}{}
	}

	risk := riskSum / float64(len(detected))
	if rc.Suspicious {
		risk += o.scoring.SuspiciousBonus
	}
	if rc.StatusCode >= 500 {
		risk += o.scoring.ServerErrorBonus
	}
	if rc.IsBot && !rc.BotAllowed {
		risk += o.scoring.BotBonus
	}
	risk = clampScore(risk)
	confidence := clampScore(confSum / float64(len(detected)))

	block := risk >= o.scoring.BlockThreshold || blacklisted
	if block {
		actions = appendUnique(actions, "block_request")
	}
	escalate := risk >= o.scoring.EscalateThreshold || len(detected) >= o.scoring.EscalateDetections

	threat := &SecurityThreat{
		ID:                 uuid.NewString(),
		Timestamp:          o.now(),
		Severity:           severityForRisk(risk),
		Category:           fusedCategory(categories),
		SourceIP:           rc.ClientIP,
		UserID:             rc.UserID,
		Endpoint:           rc.Path,
		RiskScore:          risk,
		Confidence:         confidence,
		AttackVectors:      vectors,
		RecommendedActions: actions,
	}
	return AnalysisVerdict{
		Detections:         results,
		Threat:             threat,
		RiskScore:          risk,
		RiskLevel:          RiskLevelFor(risk),
		Block:              block,
		EscalationRequired: escalate,
	}
}

func engineCategory(engine string) Category {
	switch engine {
	case "pattern":
		return CategoryPattern
	case "blacklist":
		return CategoryBlacklist
	case "rate_limit":
		return CategoryRateLimit
	default:
		return CategoryAnomaly
	}
}

func fusedCategory(categories map[Category]struct{}) Category {
	if len(categories) > 1 {
		return CategoryMultiple
	}
	for c := range categories {
		return c
	}
	return CategoryAnomaly
}

func severityForRisk(risk float64) Severity {
	switch {
	case risk >= 80:
		return SeverityCritical
	case risk >= 40:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// respond executes the automatic responses for a fused threat: blacklisting
// a critical multi-engine offender, persisting the event and notifying.
func (o *Orchestrator) respond(ctx context.Context, rc *RequestContext, verdict AnalysisVerdict) {
	threat := verdict.Threat
	if o.metrics != nil {
		o.metrics.Threats.WithLabelValues(string(threat.Severity), string(threat.Category)).Inc()
	}

	detected := 0
	for _, res := range verdict.Detections {
		if res.Detected {
			detected++
		}
	}
	if threat.Severity == SeverityCritical && detected >= o.scoring.EscalateDetections {
		if err := o.blacklist.Add(rc.ClientIP, "automatic: "+threat.Category.describe(), SeverityCritical, time.Hour, threat.ID); err != nil {
			o.log.Debug().Err(err).Str("ip", rc.ClientIP).Msg("auto-blacklist skipped")
		} else {
			o.log.Warn().Str("ip", rc.ClientIP).Float64("risk", threat.RiskScore).Msg("source auto-blacklisted")
		}
	}

	o.persist(ctx, threat)
	o.persistDetections(ctx, threat, verdict.Detections)
	o.notifier.Notify(threat)
}

// persistDetections records one event per detected result alongside the
// fused threat event.
func (o *Orchestrator) persistDetections(ctx context.Context, threat *SecurityThreat, results []DetectionResult) {
	if o.logstore == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, res := range results {
		if !res.Detected {
			continue
		}
		ev := &SecurityEvent{
			ID:         uuid.NewString(),
			Type:       "detection",
			Severity:   severityForRisk(res.RiskScore),
			Source:     threat.SourceKey(),
			IP:         threat.SourceIP,
			Endpoint:   threat.Endpoint,
			Confidence: res.Confidence,
			RiskScore:  res.RiskScore,
			Metadata:   map[string]string{"engine": res.Engine, "attackType": res.AttackType},
			At:         threat.Timestamp,
		}
		if err := o.logstore.Persist(pctx, ev); err != nil {
			o.log.Error().Err(err).Str("engine", res.Engine).Msg("detection persistence failed")
		}
	}
}

func (o *Orchestrator) persist(ctx context.Context, threat *SecurityThreat) {
	if o.logstore == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev := &SecurityEvent{
		ID:         threat.ID,
		Type:       "threat",
		Severity:   threat.Severity,
		Source:     threat.SourceKey(),
		IP:         threat.SourceIP,
		Endpoint:   threat.Endpoint,
		Confidence: threat.Confidence,
		RiskScore:  threat.RiskScore,
		Metadata:   map[string]string{"vectors": strings.Join(threat.AttackVectors, ",")},
		At:         threat.Timestamp,
	}
	if err := o.logstore.Persist(pctx, ev); err != nil {
		o.log.Error().Err(err).Str("threat", threat.ID).Msg("event persistence failed")
	}
}

// HandleViolation turns a limiter rejection into a threat. Severity follows
// how far past the limit the source pushed.
func (o *Orchestrator) HandleViolation(v RateViolation) {
	severity := SeverityInfo
	risk := 30.0
	switch {
	case v.Overage > 10:
		severity = SeverityCritical
		risk = 90
	case v.Overage > 5:
		severity = SeverityWarning
		risk = 70
	case v.Overage > 2:
		severity = SeverityWarning
		risk = 50
	}
	threat := &SecurityThreat{
		ID:                 uuid.NewString(),
		Timestamp:          v.At,
		Severity:           severity,
		Category:           CategoryRateLimit,
		SourceIP:           v.IP,
		Endpoint:           v.Endpoint,
		RiskScore:          risk,
		Confidence:         90,
		AttackVectors:      []string{v.ViolationType},
		RecommendedActions: []string{v.RecommendedAction},
	}
	if o.metrics != nil {
		o.metrics.Threats.WithLabelValues(string(threat.Severity), string(threat.Category)).Inc()
	}
	o.intel.Update(v.Key, risk, threat.AttackVectors, 1)
	o.persist(context.Background(), threat)
	o.notifier.Notify(threat)
}

func (c Category) describe() string {
	switch c {
	case CategoryPattern:
		return "attack patterns detected"
	case CategoryAnomaly:
		return "anomalous behavior detected"
	case CategoryRateLimit:
		return "rate limits exceeded"
	case CategoryBlacklist:
		return "blacklisted source"
	case CategoryMultiple:
		return "multiple detection engines agree"
	}
	return string(c)
}
