package vigil

// EnsembleAggregator rewards cross-engine agreement: when two or more
// independent engines detect the same attack type for one request, it emits
// one synthesized result with boosted confidence and risk. Repeated matches
// from a single engine are not boosted.
type EnsembleAggregator struct {
	scoring ScoringConfig
}

func NewEnsembleAggregator(scoring ScoringConfig) *EnsembleAggregator {
	return &EnsembleAggregator{scoring: scoring}
}

// Aggregate returns the input results plus one ensemble result per attack
// type that at least two distinct engines agree on.
func (e *EnsembleAggregator) Aggregate(results []DetectionResult) []DetectionResult {
	byAttack := make(map[string][]DetectionResult)
	order := make([]string, 0, len(results))
	for _, res := range results {
		if !res.Detected || res.Engine == "ensemble" {
			continue
		}
		if _, seen := byAttack[res.AttackType]; !seen {
			order = append(order, res.AttackType)
		}
		byAttack[res.AttackType] = append(byAttack[res.AttackType], res)
	}

	out := results
	for _, attack := range order {
		group := byAttack[attack]
		if len(group) < 2 || !multipleEngines(group) {
			continue
		}
		var confidenceSum, maxRisk float64
		severity := "medium"
		for _, res := range group {
			confidenceSum += res.Confidence
			if res.RiskScore > maxRisk {
				maxRisk = res.RiskScore
				severity = res.Severity
			}
		}
		avgConfidence := confidenceSum / float64(len(group))
		out = append(out, DetectionResult{
			Engine:     "ensemble",
			AttackType: attack,
			Detected:   true,
			Confidence: clampScore(avgConfidence * e.scoring.EnsembleConfidenceFactor),
			RiskScore:  clampScore(maxRisk * e.scoring.EnsembleRiskFactor),
			Severity:   severity,
			Actions:    []string{"escalate_review"},
		})
	}
	return out
}

func multipleEngines(group []DetectionResult) bool {
	first := group[0].Engine
	for _, res := range group[1:] {
		if res.Engine != first {
			return true
		}
	}
	return false
}
