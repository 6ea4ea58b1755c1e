package domain

// FeatureVector holds the derived features for a single claim. It is
// ephemeral: recomputed from the full historical claim set on every scoring
// request, never cached or persisted.
type FeatureVector struct {
	ClaimID string `json:"claimId"`

	// Continuous features
	StayDurationDays           float64 `json:"stayDurationDays"`
	ClaimToPackageRatio        float64 `json:"claimToPackageRatio"`
	ClaimAmountZScore          float64 `json:"claimAmountZscore"`
	DaysSinceLastClaim         float64 `json:"daysSinceLastClaim"`
	PatientClaimFreq30d        float64 `json:"patientClaimFreq30d"`
	HospitalClaimVolumeZScore  float64 `json:"hospitalClaimVolumeZscore"`
	HospitalCostDeviationIndex float64 `json:"hospitalCostDeviationIndex"`
	RepeatClaimAmountDeviation float64 `json:"repeatClaimAmountDeviation"`

	// Binary indicator features
	IsZeroDayStay            int `json:"isZeroDayStay"`
	IsHighCostProcedure      int `json:"isHighCostProcedure"`
	SameProcRepeatFlag       int `json:"sameProcRepeatFlag"`
	PatientMultiHospitalFlag int `json:"patientMultiHospitalFlag"`

	// Carried through for rule evaluation.
	IsInpatient int `json:"isInpatient"`
}

// Continuous returns the continuous features in the frozen model's training
// order. The scaler transform and forest artifact both depend on this order.
func (v *FeatureVector) Continuous() []float64 {
	return []float64{
		v.ClaimAmountZScore,
		v.StayDurationDays,
		v.ClaimToPackageRatio,
		v.PatientClaimFreq30d,
		v.DaysSinceLastClaim,
		v.HospitalClaimVolumeZScore,
		v.HospitalCostDeviationIndex,
		v.RepeatClaimAmountDeviation,
	}
}

// Binary returns the binary indicator features in the frozen model's
// training order. These bypass the scaler.
func (v *FeatureVector) Binary() []float64 {
	return []float64{
		float64(v.IsZeroDayStay),
		float64(v.SameProcRepeatFlag),
		float64(v.IsHighCostProcedure),
		float64(v.PatientMultiHospitalFlag),
	}
}

// ContinuousFeatureNames lists continuous features in training order.
var ContinuousFeatureNames = []string{
	"claim_amount_zscore",
	"stay_duration_days",
	"claim_to_package_ratio",
	"patient_claim_freq_30d",
	"days_since_last_claim",
	"hospital_claim_volume_zscore",
	"hospital_cost_deviation_index",
	"repeat_claim_amount_deviation",
}

// BinaryFeatureNames lists binary features in training order.
var BinaryFeatureNames = []string{
	"is_zero_day_stay",
	"same_proc_repeat_flag",
	"is_high_cost_procedure",
	"patient_multi_hospital_flag",
}
