package vigil

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
)

// PatternClause is one weighted pattern matched against a request surface.
type PatternClause struct {
	Pattern       string         `json:"pattern" validate:"required"`
	Weight        float64        `json:"weight" validate:"gte=0,lte=100"`
	Context       SurfaceContext `json:"context"`
	CaseSensitive bool           `json:"caseSensitive,omitempty"`

	re *regexp.Regexp
}

// PatternRule fires when the summed weight of matched clauses reaches the
// threshold.
type PatternRule struct {
	ID                string          `json:"id" validate:"required"`
	AttackType        string          `json:"attackType" validate:"required"`
	Severity          string          `json:"severity"`
	Threshold         float64         `json:"threshold" validate:"gt=0"`
	FalsePositiveRate float64         `json:"falsePositiveRate,omitempty"`
	Clauses           []PatternClause `json:"clauses" validate:"min=1"`
	Actions           []string        `json:"actions,omitempty"`
	Enabled           bool            `json:"enabled"`
}

func (r *PatternRule) compile() error {
	for i := range r.Clauses {
		clause := &r.Clauses[i]
		pattern := clause.Pattern
		if !clause.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("rule %s clause %d: %w", r.ID, i, err)
		}
		clause.re = re
		if clause.Context == "" {
			clause.Context = SurfaceAll
		}
	}
	return nil
}

// PatternEngine evaluates weighted pattern rules against request surfaces.
// Patterns are compiled once at registration, never per request. A rule
// whose pattern fails to compile is kept disabled so the rest of the set is
// unaffected.
type PatternEngine struct {
	mu      sync.RWMutex
	rules   []*PatternRule
	scoring ScoringConfig
	log     zerolog.Logger
}

func NewPatternEngine(scoring ScoringConfig, log zerolog.Logger) *PatternEngine {
	return &PatternEngine{
		scoring: scoring,
		log:     componentLogger(log, "patterns"),
	}
}

// AddRule compiles and installs a rule, replacing any rule with the same id.
// A compile failure disables the rule and is reported to the caller.
func (e *PatternEngine) AddRule(rule *PatternRule) error {
	err := rule.compile()
	if err != nil {
		rule.Enabled = false
		e.log.Error().Err(err).Str("rule", rule.ID).Msg("pattern rule disabled: bad pattern")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == rule.ID {
			e.rules[i] = rule
			return err
		}
	}
	e.rules = append(e.rules, rule)
	return err
}

// RemoveRule deletes a rule by id. Returns ErrRuleNotFound for unknown ids.
func (e *PatternEngine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("pattern rule %q: %w", id, ErrRuleNotFound)
}

// Rules returns a snapshot of the installed rules.
func (e *PatternEngine) Rules() []*PatternRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*PatternRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate runs every enabled rule against the request and returns one
// DetectionResult per fired rule.
func (e *PatternEngine) Evaluate(rc *RequestContext) []DetectionResult {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var results []DetectionResult
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if res, fired := e.evaluateRule(rule, rc); fired {
			results = append(results, res)
		}
	}
	return results
}

func (e *PatternEngine) evaluateRule(rule *PatternRule, rc *RequestContext) (DetectionResult, bool) {
	var sum float64
	var evidence []Evidence
	for i := range rule.Clauses {
		clause := &rule.Clauses[i]
		if clause.re == nil {
			continue
		}
		target := rc.Surface(clause.Context)
		if target == "" {
			continue
		}
		if loc := clause.re.FindStringIndex(target); loc != nil {
			sum += clause.Weight
			evidence = append(evidence, Evidence{
				Pattern:  clause.Pattern,
				Location: string(clause.Context),
				Excerpt:  excerpt(target[loc[0]:], 120),
				At:       rc.ReceivedAt,
			})
		}
	}
	if sum < rule.Threshold {
		return DetectionResult{}, false
	}

	ratio := sum / rule.Threshold
	confidence := clampScore(ratio * 100)
	risk := clampScore(ratio*50 + e.scoring.severityBonus(rule.Severity) + minFloat(float64(len(evidence))*5, 20))
	return DetectionResult{
		Engine:     "pattern",
		AttackType: rule.AttackType,
		Detected:   true,
		Confidence: confidence,
		RiskScore:  risk,
		Severity:   rule.Severity,
		Evidence:   evidence,
		Actions:    rule.Actions,
	}, true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// DefaultPatternRules is the rule set shipped with the engine. Weights and
// thresholds follow the conventional WAF calibration for each class.
func DefaultPatternRules() []*PatternRule {
	return []*PatternRule{
		{
			ID:         "sql-injection",
			AttackType: "sql_injection",
			Severity:   "critical",
			Threshold:  60,
			Enabled:    true,
			Actions:    []string{"block_request", "log_payload"},
			Clauses: []PatternClause{
				{Pattern: `(union\s+(all\s+)?select|select\s+.+\s+from\s+)`, Weight: 60, Context: SurfaceAll},
				{Pattern: `('|%27)\s*(or|and)\s+('|%27)?\d+('|%27)?\s*=\s*('|%27)?\d+`, Weight: 70, Context: SurfaceAll},
				{Pattern: `(;|\b)(drop|truncate|alter)\s+(table|database)\b`, Weight: 80, Context: SurfaceAll},
				{Pattern: `\b(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`, Weight: 50, Context: SurfaceAll},
				{Pattern: `(--|#|/\*).*$`, Weight: 20, Context: SurfaceQuery},
			},
		},
		{
			ID:         "xss",
			AttackType: "cross_site_scripting",
			Severity:   "high",
			Threshold:  50,
			Enabled:    true,
			Actions:    []string{"block_request", "sanitize_input"},
			Clauses: []PatternClause{
				{Pattern: `<\s*script[^>]*>`, Weight: 60, Context: SurfaceAll},
				{Pattern: `\bon(error|load|click|mouseover|focus)\s*=`, Weight: 45, Context: SurfaceAll},
				{Pattern: `javascript\s*:`, Weight: 40, Context: SurfaceAll},
				{Pattern: `(document\.(cookie|location)|window\.location)`, Weight: 35, Context: SurfaceAll},
			},
		},
		{
			ID:         "path-traversal",
			AttackType: "path_traversal",
			Severity:   "high",
			Threshold:  40,
			Enabled:    true,
			Actions:    []string{"block_request"},
			Clauses: []PatternClause{
				{Pattern: `(\.\./|\.\.\\|%2e%2e%2f)`, Weight: 50, Context: SurfaceURL},
				{Pattern: `(/etc/(passwd|shadow)|boot\.ini|win\.ini)`, Weight: 60, Context: SurfaceAll},
				{Pattern: `%00`, Weight: 30, Context: SurfaceURL},
			},
		},
		{
			ID:         "command-injection",
			AttackType: "command_injection",
			Severity:   "critical",
			Threshold:  50,
			Enabled:    true,
			Actions:    []string{"block_request", "log_payload"},
			Clauses: []PatternClause{
				{Pattern: `(;|\||\x60|\$\()\s*(cat|ls|id|whoami|uname|wget|curl|nc|bash|sh)\b`, Weight: 60, Context: SurfaceAll},
				{Pattern: `(/bin/(ba)?sh|cmd(\.exe)?\s*/c)`, Weight: 55, Context: SurfaceAll},
				{Pattern: `\b(chmod|chown)\s+[0-7]{3,4}\b`, Weight: 35, Context: SurfaceBody},
			},
		},
		{
			ID:         "scanner-probe",
			AttackType: "scanner_probe",
			Severity:   "medium",
			Threshold:  40,
			Enabled:    true,
			Actions:    []string{"flag_source"},
			Clauses: []PatternClause{
				{Pattern: `(sqlmap|nikto|nmap|masscan|dirbuster|gobuster|wpscan)`, Weight: 50, Context: SurfaceHeaders},
				{Pattern: `(\.env|\.git/|wp-login\.php|phpmyadmin)`, Weight: 40, Context: SurfaceURL},
				{Pattern: `(etc/passwd|\.htaccess|web\.config)$`, Weight: 35, Context: SurfaceURL},
			},
		},
	}
}
