package domain

import (
	"time"
)

// Verdict is the engine's sole output: one immutable record per scored claim.
// composite_index == round(final_risk_score*100) always holds; threat level,
// confidence and the explanation are pure functions of the recorded inputs.
type Verdict struct {
	ID       string `json:"verdictId"`
	TenantID string `json:"tenantId"`
	ClaimID  string `json:"claimId"`

	// Blended scores
	AnomalyScoreNorm float64 `json:"anomalyScoreNorm"`
	RuleScoreNorm    float64 `json:"ruleScoreNorm"`
	FinalRiskScore   float64 `json:"finalRiskScore"`

	// Legacy 3-tier classification
	RiskLevel             string `json:"riskLevel"`
	InvestigationPriority string `json:"investigationPriority"`

	// Composite intelligence
	CompositeIndex   int    `json:"compositeIndex"`
	ThreatLevel      string `json:"threatLevel"`
	ConfidenceScore  int    `json:"confidenceScore"`
	EnforcementState string `json:"enforcementState"`
	HardStop         bool   `json:"hardStop"`

	FraudPattern string `json:"fraudPatternDetected"`

	RuleTriggers     map[string]bool   `json:"ruleTriggers"`
	RiskBreakdown    RiskBreakdown     `json:"riskBreakdown"`
	SignalVector     SignalVector      `json:"signalVector"`
	KnowledgeSignals []KnowledgeSignal `json:"knowledgeSignals"`

	Explanation string `json:"explanation"`

	Timestamp time.Time `json:"timestamp"`
}

// HighRiskCompositeIndex is the composite-index floor above which a claim
// counts as high risk in loss-exposure analytics.
const HighRiskCompositeIndex = 70

// HospitalLossSummary is one hospital's risk-weighted loss exposure:
// every scored claim's amount weighted by its final risk score, with the
// high-risk count taken from the composite index.
type HospitalLossSummary struct {
	HospitalID           string  `json:"hospitalId"`
	TotalClaims          int     `json:"totalClaims"`
	HighRiskClaims       int     `json:"highRiskClaims"`
	TotalClaimAmount     float64 `json:"totalClaimAmount"`
	RiskWeightedLoss     float64 `json:"riskWeightedLoss"`
	FraudExposurePercent float64 `json:"fraudExposurePercentage"`
}

// RiskBreakdown splits the final score into its rule and anomaly shares.
type RiskBreakdown struct {
	RuleContributionPercent    float64 `json:"ruleContributionPercent"`
	AnomalyContributionPercent float64 `json:"anomalyContributionPercent"`
}

// SignalVector summarizes the blended signal for downstream analytics.
type SignalVector struct {
	RuleWeight           float64 `json:"ruleWeight"`
	AnomalyWeight        float64 `json:"anomalyWeight"`
	RuleTriggerCount     int     `json:"ruleTriggerCount"`
	AnomalyIntensityBand string  `json:"anomalyIntensityBand"`
}

// KnowledgeSignal is a structured explanation unit tied to a triggered rule
// or, when no rule fired, to a high anomaly score.
type KnowledgeSignal struct {
	SignalCode     string  `json:"signalCode"`
	SignalType     string  `json:"signalType"`
	SeverityWeight float64 `json:"severityWeight"`
	Description    string  `json:"description"`
	FraudCategory  string  `json:"fraudCategory"`
}

// Knowledge signal types.
const (
	SignalTypeDeterministic = "DETERMINISTIC"
	SignalTypeStatistical   = "STATISTICAL"
)

// Legacy 3-tier risk levels.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// 4-tier threat levels over the composite index.
const (
	ThreatLow      = "LOW"
	ThreatMedium   = "MEDIUM"
	ThreatHigh     = "HIGH"
	ThreatCritical = "CRITICAL"
)

// Enforcement states implied by threat level.
const (
	EnforcementClear     = "CLEAR"
	EnforcementMonitor   = "MONITOR"
	EnforcementEscalated = "ESCALATED"
	EnforcementHardStop  = "HARD_STOP"
)

// Investigation priorities implied by the legacy risk level.
const (
	PriorityAutoApprove = "AUTO_APPROVE"
	PriorityReview      = "REVIEW"
	PriorityEscalate    = "ESCALATE"
)

// Fraud pattern labels derived from active rule groups.
const (
	PatternNone        = "NONE"
	PatternPhantom     = "PHANTOM"
	PatternUpcoding    = "UPCODING"
	PatternRepeatAbuse = "REPEAT_ABUSE"
	PatternMixed       = "MIXED"
)

// FraudCategoryAnomaly labels signals raised purely by the statistical
// model, outside the named pattern families.
const FraudCategoryAnomaly = "ANOMALY"

// Anomaly intensity bands for the signal vector.
const (
	BandMildDeviation   = "Mild Deviation"
	BandElevatedAnomaly = "Elevated Anomaly"
	BandExtremeOutlier  = "Extreme Outlier"
)
