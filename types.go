package vigil

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = errors.New("rule not found")

// Severity classifies threats for notification routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category identifies which part of the pipeline produced a threat.
type Category string

const (
	CategoryAnomaly   Category = "anomaly"
	CategoryPattern   Category = "pattern"
	CategoryRateLimit Category = "rate_limit"
	CategoryBlacklist Category = "blacklist"
	CategoryMultiple  Category = "multiple"
)

// RiskLevel buckets a fused risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor maps a 0-100 risk score onto a level.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RequestContext is the sanitized view of one HTTP request the pipeline
// consumes. The HTTP layer fills response fields after the handler ran.
type RequestContext struct {
	Method       string
	Path         string
	Query        string
	Headers      map[string]string
	Body         string
	ClientIP     string
	UserID       string
	UserRole     string
	StatusCode   int
	ResponseTime time.Duration
	ResponseSize int
	IsBot        bool
	BotAllowed   bool
	Suspicious   bool
	Country      string
	ReceivedAt   time.Time

	// analyzed marks a request that already went through an inline analysis
	// so the background queue does not analyze it a second time.
	analyzed bool
}

// ClientKey returns the counting identity: the user id when authenticated,
// otherwise the client IP.
func (rc *RequestContext) ClientKey() string {
	if rc.UserID != "" {
		return "user:" + rc.UserID
	}
	return "ip:" + rc.ClientIP
}

// SurfaceContext names the request surface a pattern clause matches against.
type SurfaceContext string

const (
	SurfaceURL     SurfaceContext = "url"
	SurfaceQuery   SurfaceContext = "query"
	SurfaceBody    SurfaceContext = "body"
	SurfaceHeaders SurfaceContext = "headers"
	SurfaceAll     SurfaceContext = "all"
)

// Surface builds the target string for a given surface context.
func (rc *RequestContext) Surface(sc SurfaceContext) string {
	switch sc {
	case SurfaceURL:
		return rc.Path
	case SurfaceQuery:
		return rc.Query
	case SurfaceBody:
		return rc.Body
	case SurfaceHeaders:
		return rc.headerBlock()
	case SurfaceAll:
		return strings.Join([]string{rc.Path, rc.Query, rc.headerBlock(), rc.Body}, "\n")
	}
	return ""
}

func (rc *RequestContext) headerBlock() string {
	if len(rc.Headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(rc.Headers))
	for k := range rc.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, rc.Headers[k])
	}
	return b.String()
}

// Evidence is a snapshot of what a detector matched.
type Evidence struct {
	Pattern  string    `json:"pattern"`
	Location string    `json:"location"`
	Excerpt  string    `json:"excerpt"`
	At       time.Time `json:"at"`
}

// DetectionResult is the normalized output of every detection engine.
type DetectionResult struct {
	Engine     string     `json:"engine"`
	AttackType string     `json:"attackType"`
	Detected   bool       `json:"detected"`
	Confidence float64    `json:"confidence"`
	RiskScore  float64    `json:"riskScore"`
	Severity   string     `json:"severity"`
	Evidence   []Evidence `json:"evidence,omitempty"`
	Actions    []string   `json:"actions,omitempty"`
}

// SecurityThreat is the engine-independent record a verdict is reduced to.
type SecurityThreat struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	Severity           Severity  `json:"severity"`
	Category           Category  `json:"category"`
	SourceIP           string    `json:"sourceIP"`
	UserID             string    `json:"userID,omitempty"`
	Endpoint           string    `json:"endpoint"`
	RiskScore          float64   `json:"riskScore"`
	Confidence         float64   `json:"confidence"`
	AttackVectors      []string  `json:"attackVectors,omitempty"`
	RecommendedActions []string  `json:"recommendedActions,omitempty"`
	EscalationLevel    int       `json:"escalationLevel"`
	Composite          bool      `json:"composite,omitempty"`
	Escalated          bool      `json:"escalated,omitempty"`
}

// SourceKey returns the per-source identity used for intel, composite
// detection and escalation tracking.
func (t *SecurityThreat) SourceKey() string {
	if t.UserID != "" {
		return "user:" + t.UserID
	}
	return "ip:" + t.SourceIP
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
