package domain

// RuleConfig defines a deterministic fraud rule. Thresholds and enabled
// flags are externally owned configuration; weights are fixed constants and
// deliberately absent here (see RuleWeights).
type RuleConfig struct {
	Key         string `json:"ruleKey"`
	TenantID    string `json:"tenantId"`
	Description string `json:"description"`

	// Expression is the CEL condition evaluated against the feature vector.
	// The injected `threshold` variable carries Threshold at eval time.
	Expression string `json:"expression"`

	Threshold float64 `json:"thresholdValue"`
	Enabled   bool    `json:"isEnabled"`
}

// Rule keys, in canonical evaluation order.
const (
	RuleZeroDayInpatient     = "zero_day_inpatient"
	RuleHighAmountZScore     = "high_amount_zscore"
	RuleRepeatProcedureFlag  = "repeat_procedure_flag"
	RuleNearPackageCeiling   = "near_package_ceiling"
	RuleHighPatientFrequency = "high_patient_frequency"
)

// RuleKeys is the canonical rule ordering. Map iteration over triggers is
// not deterministic; everything that renders triggers walks this slice.
var RuleKeys = []string{
	RuleZeroDayInpatient,
	RuleHighAmountZScore,
	RuleRepeatProcedureFlag,
	RuleNearPackageCeiling,
	RuleHighPatientFrequency,
}

// RuleWeights are the fixed per-rule score weights. The rule score is the
// sum of triggered weights divided by 100. Not configurable.
var RuleWeights = map[string]float64{
	RuleZeroDayInpatient:     30,
	RuleHighAmountZScore:     25,
	RuleRepeatProcedureFlag:  20,
	RuleNearPackageCeiling:   15,
	RuleHighPatientFrequency: 10,
}

// DefaultRuleConfigs returns the documented fallback rule set: all rules
// enabled, thresholds 2.0 / 0.95 / 3.0 where applicable.
func DefaultRuleConfigs() []*RuleConfig {
	return []*RuleConfig{
		{
			Key:         RuleZeroDayInpatient,
			Description: "Zero-day stay recorded for an inpatient procedure (phantom billing indicator).",
			Expression:  "is_zero_day_stay == 1 && is_inpatient == 1",
			Threshold:   0,
			Enabled:     true,
		},
		{
			Key:         RuleHighAmountZScore,
			Description: "Claim amount z-score above threshold for the procedure baseline (upcoding indicator).",
			Expression:  "claim_amount_zscore > threshold",
			Threshold:   2.0,
			Enabled:     true,
		},
		{
			Key:         RuleRepeatProcedureFlag,
			Description: "Same procedure claimed for the patient within a 30-day window.",
			Expression:  "same_proc_repeat_flag == 1",
			Threshold:   0,
			Enabled:     true,
		},
		{
			Key:         RuleNearPackageCeiling,
			Description: "Claim-to-package ratio above threshold (claim near or over the authorised ceiling).",
			Expression:  "claim_to_package_ratio > threshold",
			Threshold:   0.95,
			Enabled:     true,
		},
		{
			Key:         RuleHighPatientFrequency,
			Description: "Patient 30-day claim frequency at or above threshold.",
			Expression:  "patient_claim_freq_30d >= threshold",
			Threshold:   3.0,
			Enabled:     true,
		},
	}
}

// ThreatBandConfig holds the ascending composite-index band boundaries for
// the 4-tier threat classification. low_max < medium_max < high_max is the
// caller's responsibility; the engine does not enforce it.
type ThreatBandConfig struct {
	LowMax    int `json:"lowMax"`
	MediumMax int `json:"mediumMax"`
	HighMax   int `json:"highMax"`
}

// DefaultThreatBands returns the documented default band boundaries.
func DefaultThreatBands() ThreatBandConfig {
	return ThreatBandConfig{LowMax: 29, MediumMax: 59, HighMax: 84}
}

// GlobalTenantID scopes rules and threat-band config shared by all tenants.
// Scoring reads global rows first, then tenant rows as overrides.
const GlobalTenantID = "*"

// System-config keys for the threat bands.
const (
	ConfigKeyLowMax    = "LOW_MAX"
	ConfigKeyMediumMax = "MEDIUM_MAX"
	ConfigKeyHighMax   = "HIGH_MAX"
)

// SystemConfig is a single externally owned configuration entry.
type SystemConfig struct {
	Key         string `json:"configKey"`
	Value       string `json:"configValue"`
	Description string `json:"description"`
}
