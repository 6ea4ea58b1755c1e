package domain

import (
	"fmt"
	"time"
)

// Claim represents an immutable historical claim fact.
// Claims are created once at submission and never mutated; the full claim
// set is the feature-computation context for every subsequent score.
type Claim struct {
	// Core identifiers
	ID       string `json:"claimId"`
	TenantID string `json:"tenantId"`

	// Cohort keys
	HospitalID    string `json:"hospitalId"`
	PatientID     string `json:"patientId"`
	ProcedureCode string `json:"procedureCode"`

	// Financial details
	PackageRate float64 `json:"packageRate"`
	ClaimAmount float64 `json:"claimAmount"`

	// Temporal
	AdmissionDate time.Time `json:"admissionDate"`
	DischargeDate time.Time `json:"dischargeDate"`
	CreatedAt     time.Time `json:"createdAt"`

	// IsInpatient is 1 for inpatient procedures, 0 otherwise.
	IsInpatient int `json:"isInpatient"`

	// Seq is the insertion order assigned by the repository. It breaks
	// admission-date ties during feature computation (stable ordering).
	Seq int64 `json:"-"`
}

// ClaimRequest is the API request payload for claim scoring.
type ClaimRequest struct {
	ClaimID       string  `json:"claimId"`
	HospitalID    string  `json:"hospitalId"`
	PatientID     string  `json:"patientId"`
	ProcedureCode string  `json:"procedureCode"`
	PackageRate   float64 `json:"packageRate"`
	ClaimAmount   float64 `json:"claimAmount"`
	AdmissionDate string  `json:"admissionDate"` // YYYY-MM-DD
	DischargeDate string  `json:"dischargeDate"` // YYYY-MM-DD
	IsInpatient   int     `json:"isInpatient"`
}

// DateLayout is the wire format for admission/discharge dates.
const DateLayout = "2006-01-02"

// ValidationConfig holds the allowed categorical code sets.
// Codes outside these sets are rejected before feature computation.
type ValidationConfig struct {
	AllowedHospitals  map[string]bool
	AllowedProcedures map[string]bool
}

// DefaultValidationConfig returns the scheme's registered entity sets:
// hospitals H1..H10 and procedure codes P1..P8.
func DefaultValidationConfig() ValidationConfig {
	hospitals := make(map[string]bool, 10)
	for i := 1; i <= 10; i++ {
		hospitals[fmt.Sprintf("H%d", i)] = true
	}
	procedures := make(map[string]bool, 8)
	for i := 1; i <= 8; i++ {
		procedures[fmt.Sprintf("P%d", i)] = true
	}
	return ValidationConfig{
		AllowedHospitals:  hospitals,
		AllowedProcedures: procedures,
	}
}

// Validate checks the request against the scheme's constraints.
// All failures are reported as *ValidationError.
func (r *ClaimRequest) Validate(cfg ValidationConfig) error {
	if r.ClaimID == "" {
		return &ValidationError{Field: "claimId", Reason: "claimId is required"}
	}
	if r.ClaimAmount <= 0 {
		return &ValidationError{Field: "claimAmount", Reason: "claimAmount must be greater than 0"}
	}
	if r.PackageRate <= 0 {
		return &ValidationError{Field: "packageRate", Reason: "packageRate must be greater than 0"}
	}
	if len(cfg.AllowedHospitals) > 0 && !cfg.AllowedHospitals[r.HospitalID] {
		return &ValidationError{Field: "hospitalId", Reason: fmt.Sprintf("hospitalId %q is not a registered hospital", r.HospitalID)}
	}
	if len(cfg.AllowedProcedures) > 0 && !cfg.AllowedProcedures[r.ProcedureCode] {
		return &ValidationError{Field: "procedureCode", Reason: fmt.Sprintf("procedureCode %q is not a registered procedure", r.ProcedureCode)}
	}
	if r.IsInpatient != 0 && r.IsInpatient != 1 {
		return &ValidationError{Field: "isInpatient", Reason: "isInpatient must be 0 or 1"}
	}

	admission, err := time.Parse(DateLayout, r.AdmissionDate)
	if err != nil {
		return &ValidationError{Field: "admissionDate", Reason: "admissionDate must be YYYY-MM-DD"}
	}
	discharge, err := time.Parse(DateLayout, r.DischargeDate)
	if err != nil {
		return &ValidationError{Field: "dischargeDate", Reason: "dischargeDate must be YYYY-MM-DD"}
	}
	if discharge.Before(admission) {
		return &ValidationError{Field: "dischargeDate", Reason: "dischargeDate must be >= admissionDate"}
	}

	return nil
}

// ToClaim converts a validated request to a Claim domain object.
// Validate must have been called first; parse errors are not re-checked.
func (r *ClaimRequest) ToClaim(tenantID string) *Claim {
	admission, _ := time.Parse(DateLayout, r.AdmissionDate)
	discharge, _ := time.Parse(DateLayout, r.DischargeDate)
	return &Claim{
		ID:            r.ClaimID,
		TenantID:      tenantID,
		HospitalID:    r.HospitalID,
		PatientID:     r.PatientID,
		ProcedureCode: r.ProcedureCode,
		PackageRate:   r.PackageRate,
		ClaimAmount:   r.ClaimAmount,
		AdmissionDate: admission,
		DischargeDate: discharge,
		CreatedAt:     time.Now().UTC(),
		IsInpatient:   r.IsInpatient,
	}
}
