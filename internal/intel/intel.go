// Package intel implements the composite intelligence layer.
// It fuses the normalized rule and anomaly scores into a single verdict:
// composite risk index, threat level, model confidence, fraud pattern,
// signal vector, knowledge signals and enforcement state.
package intel

import (
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-health/kestrel/internal/domain"
)

// Blend weights for the final risk score.
const (
	RuleWeight    = 0.70
	AnomalyWeight = 0.30
)

// Processor derives the full verdict from the two normalized scores.
type Processor struct{}

// NewProcessor creates a composite intelligence processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Input contains everything the composite layer needs for one claim.
type Input struct {
	TenantID         string
	ClaimID          string
	AnomalyScoreNorm float64
	RuleScoreNorm    float64
	Triggers         map[string]bool
	ActiveRuleCount  int
	AmountZScore     float64
	Bands            domain.ThreatBandConfig
}

// Process computes the verdict for one scored claim. Every derived field is
// recomputed and cross-checked before the verdict is returned; a mismatch
// yields a *domain.IntegrityError and no verdict.
func (p *Processor) Process(input *Input) (*domain.Verdict, error) {
	aNorm := round6(input.AnomalyScoreNorm)
	rNorm := round6(input.RuleScoreNorm)
	final := round6(RuleWeight*rNorm + AnomalyWeight*aNorm)

	riskLevel := ClassifyRisk(final)
	compositeIndex := CompositeIndex(final)
	threatLevel := ClassifyThreat(compositeIndex, input.Bands)
	confidence := Confidence(aNorm, input.ActiveRuleCount, len(input.Triggers), input.AmountZScore)
	pattern := DetectPattern(input.Triggers)
	enforcement := EnforcementState(threatLevel)

	if err := p.verifyIntegrity(final, aNorm, compositeIndex, threatLevel, confidence, input); err != nil {
		return nil, err
	}

	v := &domain.Verdict{
		ID:                    uuid.New().String(),
		TenantID:              input.TenantID,
		ClaimID:               input.ClaimID,
		AnomalyScoreNorm:      aNorm,
		RuleScoreNorm:         rNorm,
		FinalRiskScore:        final,
		RiskLevel:             riskLevel,
		InvestigationPriority: InvestigationPriority(riskLevel),
		CompositeIndex:        compositeIndex,
		ThreatLevel:           threatLevel,
		ConfidenceScore:       confidence,
		EnforcementState:      enforcement,
		HardStop:              enforcement == domain.EnforcementHardStop,
		FraudPattern:          pattern,
		RuleTriggers:          input.Triggers,
		RiskBreakdown:         Breakdown(rNorm, aNorm),
		SignalVector:          BuildSignalVector(rNorm, aNorm, input.ActiveRuleCount),
		KnowledgeSignals:      BuildKnowledgeSignals(input.Triggers, aNorm),
		Timestamp:             time.Now().UTC(),
	}
	v.Explanation = Explain(v)
	return v, nil
}

// verifyIntegrity re-derives every value that downstream consumers act on.
// The checks are deliberately redundant: a failure here means the process
// state is corrupt and the verdict must not be persisted.
func (p *Processor) verifyIntegrity(final, aNorm float64, compositeIndex int, threatLevel string, confidence int, input *Input) error {
	if want := CompositeIndex(final); compositeIndex != want {
		return &domain.IntegrityError{Field: "composite_index", Got: strconv.Itoa(compositeIndex), Expected: strconv.Itoa(want)}
	}
	if want := ClassifyThreat(compositeIndex, input.Bands); threatLevel != want {
		return &domain.IntegrityError{Field: "threat_level", Got: threatLevel, Expected: want}
	}
	if confidence < 0 || confidence > 100 {
		return &domain.IntegrityError{Field: "confidence_score", Got: strconv.Itoa(confidence), Expected: "0..100"}
	}
	if want := Confidence(aNorm, input.ActiveRuleCount, len(input.Triggers), input.AmountZScore); confidence != want {
		return &domain.IntegrityError{Field: "confidence_score", Got: strconv.Itoa(confidence), Expected: strconv.Itoa(want)}
	}
	return nil
}

// ClassifyRisk maps the blended final score onto the three risk levels.
func ClassifyRisk(score float64) string {
	switch {
	case score <= 0.30:
		return domain.RiskLow
	case score <= 0.60:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}

// CompositeIndex rescales the final score to an integer index in [0, 100].
func CompositeIndex(finalScore float64) int {
	idx := int(math.Round(finalScore * 100))
	if idx < 0 {
		return 0
	}
	if idx > 100 {
		return 100
	}
	return idx
}

// ClassifyThreat maps a composite index onto threat bands.
func ClassifyThreat(compositeIndex int, bands domain.ThreatBandConfig) string {
	switch {
	case compositeIndex <= bands.LowMax:
		return domain.ThreatLow
	case compositeIndex <= bands.MediumMax:
		return domain.ThreatMedium
	case compositeIndex <= bands.HighMax:
		return domain.ThreatHigh
	default:
		return domain.ThreatCritical
	}
}

// Confidence estimates how much evidence backs the verdict, as a 0..100
// integer. It blends anomaly strength, rule trigger density and the
// intensity of the amount z-score.
func Confidence(anomalyNorm float64, activeRules, totalRules int, amountZScore float64) int {
	density := 0.0
	if totalRules > 0 {
		density = math.Min(float64(activeRules)/float64(totalRules), 1.0)
	}
	zIntensity := math.Min(math.Max(math.Abs(amountZScore)/5.0, 0.0), 1.0)

	raw := 0.5*anomalyNorm + 0.3*density + 0.2*zIntensity
	score := int(math.Round(raw * 100))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// DetectPattern groups the rule triggers into fraud pattern families and
// returns the dominant one, MIXED when more than one family is active.
func DetectPattern(triggers map[string]bool) string {
	phantom := triggers[domain.RuleZeroDayInpatient]
	upcoding := triggers[domain.RuleHighAmountZScore] || triggers[domain.RuleNearPackageCeiling]
	repeat := triggers[domain.RuleRepeatProcedureFlag] || triggers[domain.RuleHighPatientFrequency]

	active := 0
	for _, on := range []bool{phantom, upcoding, repeat} {
		if on {
			active++
		}
	}
	switch {
	case active == 0:
		return domain.PatternNone
	case active > 1:
		return domain.PatternMixed
	case phantom:
		return domain.PatternPhantom
	case upcoding:
		return domain.PatternUpcoding
	default:
		return domain.PatternRepeatAbuse
	}
}

// InvestigationPriority maps risk level to a queue disposition.
func InvestigationPriority(riskLevel string) string {
	switch riskLevel {
	case domain.RiskLow:
		return domain.PriorityAutoApprove
	case domain.RiskMedium:
		return domain.PriorityReview
	default:
		return domain.PriorityEscalate
	}
}

// EnforcementState maps threat level to the action the settlement pipeline
// must take.
func EnforcementState(threatLevel string) string {
	switch threatLevel {
	case domain.ThreatLow:
		return domain.EnforcementClear
	case domain.ThreatMedium:
		return domain.EnforcementMonitor
	case domain.ThreatHigh:
		return domain.EnforcementEscalated
	default:
		return domain.EnforcementHardStop
	}
}

// Breakdown attributes the final score to its two weighted components, as
// percentages of the total. All zero when both components are zero.
func Breakdown(ruleNorm, anomalyNorm float64) domain.RiskBreakdown {
	ruleContrib := RuleWeight * ruleNorm
	anomalyContrib := AnomalyWeight * anomalyNorm
	total := ruleContrib + anomalyContrib
	if total == 0 {
		return domain.RiskBreakdown{}
	}
	return domain.RiskBreakdown{
		RuleContributionPercent:    round2(100 * ruleContrib / total),
		AnomalyContributionPercent: round2(100 * anomalyContrib / total),
	}
}

// IntensityBand labels the anomaly score for human consumption.
func IntensityBand(anomalyNorm float64) string {
	switch {
	case anomalyNorm < 0.40:
		return domain.BandMildDeviation
	case anomalyNorm < 0.75:
		return domain.BandElevatedAnomaly
	default:
		return domain.BandExtremeOutlier
	}
}

// BuildSignalVector assembles the weighted evidence summary.
func BuildSignalVector(ruleNorm, anomalyNorm float64, activeRules int) domain.SignalVector {
	return domain.SignalVector{
		RuleWeight:           round4(RuleWeight * ruleNorm),
		AnomalyWeight:        round4(AnomalyWeight * anomalyNorm),
		RuleTriggerCount:     activeRules,
		AnomalyIntensityBand: IntensityBand(anomalyNorm),
	}
}

// BuildKnowledgeSignals emits one deterministic signal per fired rule, in
// canonical rule order. When no rule fired but the anomaly score is at or
// above 0.6 a single synthetic statistical signal is emitted instead.
func BuildKnowledgeSignals(triggers map[string]bool, anomalyNorm float64) []domain.KnowledgeSignal {
	signals := make([]domain.KnowledgeSignal, 0, len(domain.RuleKeys))
	for _, key := range domain.RuleKeys {
		if !triggers[key] {
			continue
		}
		meta := RuleMeta[key]
		signals = append(signals, domain.KnowledgeSignal{
			SignalCode:     meta.SignalCode,
			SignalType:     domain.SignalTypeDeterministic,
			SeverityWeight: meta.SeverityWeight,
			Description:    meta.Description,
			FraudCategory:  meta.FraudCategory,
		})
	}
	if len(signals) == 0 && anomalyNorm >= 0.6 {
		signals = append(signals, domain.KnowledgeSignal{
			SignalCode:     StatisticalSignalCode,
			SignalType:     domain.SignalTypeStatistical,
			SeverityWeight: round4(anomalyNorm),
			Description:    StatisticalSignalDescription,
			FraudCategory:  domain.FraudCategoryAnomaly,
		})
	}
	return signals
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
