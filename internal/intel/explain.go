package intel

import (
	"fmt"
	"strings"

	"github.com/opensource-health/kestrel/internal/domain"
)

// Explanation fragments per fired rule, appended in canonical rule order.
var ruleNarratives = map[string]string{
	domain.RuleZeroDayInpatient:     "The claim records a zero-day stay for an inpatient procedure, strongly indicating a phantom billing scenario where the service may not have been rendered.",
	domain.RuleHighAmountZScore:     "The claimed amount is more than 2 standard deviations above the historical mean for this procedure code, a classic marker of upcoding.",
	domain.RuleNearPackageCeiling:   "The claim amount approaches or exceeds the authorised package ceiling, consistent with systematic cost inflation.",
	domain.RuleRepeatProcedureFlag:  "The same procedure has been claimed for this patient within a 30-day window, indicating potential repeat abuse or fabricated re-admission.",
	domain.RuleHighPatientFrequency: "This patient has submitted an unusually high number of claims in the past 30 days, suggesting a pattern of repeated utilisation abuse.",
}

const anomalyOnlyNarrative = "The claim exhibits a statistical profile significantly divergent from normal claims as identified by the anomaly detection model, though no specific rule was triggered."

var patternSuffixes = map[string]string{
	domain.PatternPhantom:     "Overall fraud pattern is consistent with Phantom Billing.",
	domain.PatternUpcoding:    "Overall fraud pattern is consistent with Upcoding (cost inflation).",
	domain.PatternRepeatAbuse: "Overall fraud pattern is consistent with Repeat Abuse (unnecessary re-admissions).",
	domain.PatternMixed:       "Multiple fraud indicators are active simultaneously, suggesting a complex or coordinated fraud attempt.",
	domain.PatternNone:        "",
}

var enforcementNotes = map[string]string{
	domain.EnforcementHardStop:  "System has issued an automatic HARD STOP - claim settlement is blocked pending mandatory manual audit.",
	domain.EnforcementEscalated: "System has automatically escalated this claim for immediate investigator review.",
	domain.EnforcementMonitor:   "Claim is flagged for enhanced monitoring.",
	domain.EnforcementClear:     "",
}

// Explain renders the deterministic narrative for a verdict. The text is a
// pure function of the verdict fields: same verdict, same explanation.
func Explain(v *domain.Verdict) string {
	if v.RiskLevel == domain.RiskLow && v.FraudPattern == domain.PatternNone {
		return fmt.Sprintf(
			"Composite Risk Index of %d (%s) with %d%% confidence. "+
				"This claim presents no statistically significant deviations from expected procedure costs, "+
				"stay durations, or patient behaviour patterns. Cleared for auto-approval.",
			v.CompositeIndex, v.ThreatLevel, v.ConfidenceScore)
	}

	var parts []string
	for _, key := range domain.RuleKeys {
		if v.RuleTriggers[key] {
			parts = append(parts, ruleNarratives[key])
		}
	}
	if len(parts) == 0 && v.AnomalyScoreNorm > 0.6 {
		parts = append(parts, anomalyOnlyNarrative)
	}

	body := strings.Join(parts, " ")
	if suffix := patternSuffixes[v.FraudPattern]; suffix != "" {
		body = strings.TrimSpace(body + " " + suffix)
	}

	prefix := fmt.Sprintf("Composite Risk Index of %d (%s) with %d%% model confidence. ",
		v.CompositeIndex, v.ThreatLevel, v.ConfidenceScore)
	if note := enforcementNotes[v.EnforcementState]; note != "" {
		return strings.TrimSpace(prefix + body + " " + note)
	}
	return strings.TrimSpace(prefix + body)
}
