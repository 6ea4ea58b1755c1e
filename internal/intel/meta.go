package intel

import "github.com/opensource-health/kestrel/internal/domain"

// Meta is the static per-rule metadata behind knowledge signals.
type Meta struct {
	SignalCode     string
	SeverityWeight float64
	Description    string
	FraudCategory  string
}

// RuleMeta maps rule keys to their fixed signal metadata. Severity weights
// mirror the fixed rule weights on a 0–1 scale.
var RuleMeta = map[string]Meta{
	domain.RuleZeroDayInpatient: {
		SignalCode:     "RULE_01",
		SeverityWeight: 0.30,
		Description:    "Zero-day inpatient stay recorded for a procedure requiring hospitalisation. Strong indicator of phantom billing - service may not have been rendered.",
		FraudCategory:  domain.PatternPhantom,
	},
	domain.RuleHighAmountZScore: {
		SignalCode:     "RULE_02",
		SeverityWeight: 0.25,
		Description:    "Claimed amount exceeds 2 standard deviations above the historical mean for this procedure code - a classic marker of upcoding / cost inflation.",
		FraudCategory:  domain.PatternUpcoding,
	},
	domain.RuleRepeatProcedureFlag: {
		SignalCode:     "RULE_03",
		SeverityWeight: 0.20,
		Description:    "Same procedure claimed for this patient within 30 days. Indicates potential repeat abuse or fabricated re-admission.",
		FraudCategory:  domain.PatternRepeatAbuse,
	},
	domain.RuleNearPackageCeiling: {
		SignalCode:     "RULE_04",
		SeverityWeight: 0.15,
		Description:    "Claim amount approaches or exceeds the authorised package ceiling (>= 95%), consistent with systematic cost inflation.",
		FraudCategory:  domain.PatternUpcoding,
	},
	domain.RuleHighPatientFrequency: {
		SignalCode:     "RULE_05",
		SeverityWeight: 0.10,
		Description:    "Patient has submitted >= 3 claims in 30 days - an unusually high utilisation frequency suggesting abuse.",
		FraudCategory:  domain.PatternRepeatAbuse,
	},
}

// StatisticalSignalCode identifies the synthetic knowledge signal emitted
// when no deterministic rule fired but the anomaly score is high.
const StatisticalSignalCode = "STAT_01"

// StatisticalSignalDescription is the fixed text for that signal.
const StatisticalSignalDescription = "Isolation forest flagged this claim as a statistical outlier with no specific deterministic rule trigger."
