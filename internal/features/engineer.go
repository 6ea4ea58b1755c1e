// Package features computes per-claim feature vectors from the full
// historical claim set.
//
// All window aggregates are causal: for a claim admitted at time t, a
// window over a cohort group considers only other claims in that group
// admitted in [t-W, t), never the claim itself nor anything at or after t.
// The per-procedure amount baseline and the package-rate percentile are the
// deliberate exceptions: they are global statistics over the full current
// dataset, recomputed on every call.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
)

const (
	// epsilon guards every divide-by-zero path.
	epsilon = 1e-6

	// freqWindowDays is the causal window for patient frequency and
	// same-procedure repeat detection.
	freqWindowDays = 30

	// multiHospitalWindowDays is the causal window for the
	// patient-multi-hospital indicator.
	multiHospitalWindowDays = 15

	// noPriorClaimDays is the fallback for a patient's first claim.
	noPriorClaimDays = 365
)

// Compute derives a feature vector for every claim in the set. The input
// order is the insertion order; admission-date ties resolve to it.
// Degenerate groups (single members, zero variance) never fail: every
// divide-by-zero path is guarded and every vector comes back fully populated.
func Compute(claims []*domain.Claim) map[string]*domain.FeatureVector {
	if len(claims) == 0 {
		return map[string]*domain.FeatureVector{}
	}

	// Stable sort by admission date keeps insertion order for ties.
	sorted := make([]*domain.Claim, len(claims))
	copy(sorted, claims)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AdmissionDate.Before(sorted[j].AdmissionDate)
	})

	vectors := make(map[string]*domain.FeatureVector, len(sorted))
	for _, c := range sorted {
		vectors[c.ID] = &domain.FeatureVector{
			ClaimID:             c.ID,
			StayDurationDays:    float64(daysBetween(c.AdmissionDate, c.DischargeDate)),
			ClaimToPackageRatio: c.ClaimAmount / c.PackageRate,
			IsInpatient:         c.IsInpatient,
		}
		if vectors[c.ID].StayDurationDays == 0 {
			vectors[c.ID].IsZeroDayStay = 1
		}
	}

	computeAmountZScores(sorted, vectors)
	computeHighCostFlags(sorted, vectors)
	computeHospitalVolumeZScores(sorted, vectors)
	computeHospitalCostDeviation(sorted, vectors)

	for _, group := range groupBy(sorted, func(c *domain.Claim) string { return c.PatientID }) {
		computePatientFeatures(group, vectors)
	}

	return vectors
}

// ComputeFor derives the feature vector for a single claim that must be a
// member of the set.
func ComputeFor(claims []*domain.Claim, claimID string) (*domain.FeatureVector, error) {
	vectors := Compute(claims)
	v, ok := vectors[claimID]
	if !ok {
		return nil, fmt.Errorf("claim %s not in feature-computation set", claimID)
	}
	return v, nil
}

// computeAmountZScores sets claim_amount_zscore from the global per-procedure
// amount baseline: (amount - mean) / (std + epsilon) over all claims sharing
// the procedure code. Sample standard deviation; 0 for single-member groups.
func computeAmountZScores(sorted []*domain.Claim, vectors map[string]*domain.FeatureVector) {
	type stats struct {
		n     int
		sum   float64
		sumSq float64
	}
	byProc := make(map[string]*stats)
	for _, c := range sorted {
		s := byProc[c.ProcedureCode]
		if s == nil {
			s = &stats{}
			byProc[c.ProcedureCode] = s
		}
		s.n++
		s.sum += c.ClaimAmount
		s.sumSq += c.ClaimAmount * c.ClaimAmount
	}

	for _, c := range sorted {
		s := byProc[c.ProcedureCode]
		mean := s.sum / float64(s.n)
		std := 0.0
		if s.n > 1 {
			variance := (s.sumSq - float64(s.n)*mean*mean) / float64(s.n-1)
			if variance > 0 {
				std = math.Sqrt(variance)
			}
		}
		vectors[c.ID].ClaimAmountZScore = (c.ClaimAmount - mean) / (std + epsilon)
	}
}

// computeHighCostFlags sets is_high_cost_procedure against the 75th
// percentile of package_rate across the full claim set (linear
// interpolation between order statistics).
func computeHighCostFlags(sorted []*domain.Claim, vectors map[string]*domain.FeatureVector) {
	rates := make([]float64, len(sorted))
	for i, c := range sorted {
		rates[i] = c.PackageRate
	}
	q75 := quantile(rates, 0.75)
	for _, c := range sorted {
		if c.PackageRate >= q75 {
			vectors[c.ID].IsHighCostProcedure = 1
		}
	}
}

// computeHospitalVolumeZScores sets hospital_claim_volume_zscore: the
// z-score of the hospital's claim count on the claim's admission day versus
// that hospital's per-day count distribution across the full dataset.
func computeHospitalVolumeZScores(sorted []*domain.Claim, vectors map[string]*domain.FeatureVector) {
	type dayKey struct {
		hospital string
		day      string
	}
	dailyCounts := make(map[dayKey]int)
	for _, c := range sorted {
		dailyCounts[dayKey{c.HospitalID, c.AdmissionDate.Format(domain.DateLayout)}]++
	}

	// Per-hospital mean/std of the daily counts (sample std, 0 if one day).
	type stats struct {
		n     int
		sum   float64
		sumSq float64
	}
	byHospital := make(map[string]*stats)
	for k, count := range dailyCounts {
		s := byHospital[k.hospital]
		if s == nil {
			s = &stats{}
			byHospital[k.hospital] = s
		}
		s.n++
		s.sum += float64(count)
		s.sumSq += float64(count) * float64(count)
	}

	for _, c := range sorted {
		count := float64(dailyCounts[dayKey{c.HospitalID, c.AdmissionDate.Format(domain.DateLayout)}])
		s := byHospital[c.HospitalID]
		mean := s.sum / float64(s.n)
		std := 0.0
		if s.n > 1 {
			variance := (s.sumSq - float64(s.n)*mean*mean) / float64(s.n-1)
			if variance > 0 {
				std = math.Sqrt(variance)
			}
		}
		vectors[c.ID].HospitalClaimVolumeZScore = (count - mean) / (std + epsilon)
	}
}

// computeHospitalCostDeviation sets hospital_cost_deviation_index: the
// expanding mean of claim_amount_zscore over the hospital's strictly prior
// claims in admission order. The one-position shift excludes the claim's
// own z-score; the first claim of a hospital gets 0.
func computeHospitalCostDeviation(sorted []*domain.Claim, vectors map[string]*domain.FeatureVector) {
	for _, group := range groupBy(sorted, func(c *domain.Claim) string { return c.HospitalID }) {
		var sum float64
		for i, c := range group {
			if i == 0 {
				vectors[c.ID].HospitalCostDeviationIndex = 0
			} else {
				vectors[c.ID].HospitalCostDeviationIndex = sum / float64(i)
			}
			sum += vectors[c.ID].ClaimAmountZScore
		}
	}
}

// computePatientFeatures walks one patient's claims in admission order and
// fills the patient-cohort features with sliding-window pointers:
// days_since_last_claim, patient_claim_freq_30d, same_proc_repeat_flag,
// repeat_claim_amount_deviation and patient_multi_hospital_flag.
func computePatientFeatures(group []*domain.Claim, vectors map[string]*domain.FeatureVector) {
	lastAmountByProc := make(map[string]float64)

	// Window start pointers; both windows only ever advance.
	freqStart := 0
	hospStart := 0

	for i, c := range group {
		v := vectors[c.ID]
		t := c.AdmissionDate

		// days_since_last_claim: immediately preceding claim by admission
		// order, 365 when this is the patient's first.
		if i == 0 {
			v.DaysSinceLastClaim = noPriorClaimDays
		} else {
			v.DaysSinceLastClaim = float64(daysBetween(group[i-1].AdmissionDate, t))
		}

		// 30-day causal window [t-30d, t): advance the start pointer past
		// anything older, then count/check the prior members before i.
		freqCutoff := t.AddDate(0, 0, -freqWindowDays)
		for freqStart < i && group[freqStart].AdmissionDate.Before(freqCutoff) {
			freqStart++
		}
		repeat := 0
		count := 0
		for j := freqStart; j < i; j++ {
			if !group[j].AdmissionDate.Before(t) {
				continue // same-timestamp peers are not prior
			}
			count++
			if group[j].ProcedureCode == c.ProcedureCode {
				repeat = 1
			}
		}
		v.PatientClaimFreq30d = float64(count)
		v.SameProcRepeatFlag = repeat

		// 15-day causal window: distinct hospitals among prior claims.
		hospCutoff := t.AddDate(0, 0, -multiHospitalWindowDays)
		for hospStart < i && group[hospStart].AdmissionDate.Before(hospCutoff) {
			hospStart++
		}
		seen := make(map[string]bool)
		for j := hospStart; j < i; j++ {
			if group[j].AdmissionDate.Before(t) {
				seen[group[j].HospitalID] = true
			}
		}
		if len(seen) > 1 {
			v.PatientMultiHospitalFlag = 1
		}

		// repeat_claim_amount_deviation: relative change against the last
		// prior same-procedure amount, 1.0 when there is none. No window:
		// the last amount carries forward indefinitely.
		if last, ok := lastAmountByProc[c.ProcedureCode]; ok {
			v.RepeatClaimAmountDeviation = math.Abs(c.ClaimAmount-last) / last
		} else {
			v.RepeatClaimAmountDeviation = 1.0
		}
		lastAmountByProc[c.ProcedureCode] = c.ClaimAmount
	}
}

// groupBy splits sorted claims into per-key groups, preserving order.
func groupBy(sorted []*domain.Claim, key func(*domain.Claim) string) map[string][]*domain.Claim {
	groups := make(map[string][]*domain.Claim)
	for _, c := range sorted {
		k := key(c)
		groups[k] = append(groups[k], c)
	}
	return groups
}

// quantile computes the q-th quantile with linear interpolation between
// order statistics.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
