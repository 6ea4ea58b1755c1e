// Seed tool for exercising Kestrel with synthetic claim data.
//
// Usage:
//   go run cmd/seed/main.go -url http://localhost:8080 -count 200
//
// This tool:
//   1. Generates a deterministic mix of normal and fraud-pattern claims
//      (phantom billing, upcoding, repeat abuse, frequency abuse)
//   2. Sends each claim to Kestrel for scoring, in admission-date order
//   3. Reports the verdict distribution and per-scenario detection rates
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// Scenario labels for injected claims.
const (
	scenarioNormal    = "normal"
	scenarioPhantom   = "phantom"
	scenarioUpcoding  = "upcoding"
	scenarioRepeat    = "repeat"
	scenarioFrequency = "frequency"
)

// packageRates are the authorised package amounts per procedure code.
var packageRates = map[string]float64{
	"P1": 8000,
	"P2": 12000,
	"P3": 25000,
	"P4": 40000,
	"P5": 60000,
	"P6": 90000,
	"P7": 120000,
	"P8": 15000,
}

// inpatientProcedures require an overnight stay under normal billing.
var inpatientProcedures = map[string]bool{
	"P3": true, "P4": true, "P5": true, "P6": true, "P7": true,
}

var procedureCodes = []string{"P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8"}

// SeedClaim is one generated claim plus its injected scenario label.
type SeedClaim struct {
	Scenario string

	ClaimID       string  `json:"claimId"`
	HospitalID    string  `json:"hospitalId"`
	PatientID     string  `json:"patientId"`
	ProcedureCode string  `json:"procedureCode"`
	PackageRate   float64 `json:"packageRate"`
	ClaimAmount   float64 `json:"claimAmount"`
	AdmissionDate string  `json:"admissionDate"`
	DischargeDate string  `json:"dischargeDate"`
	IsInpatient   int     `json:"isInpatient"`
}

// ScoreResponse mirrors the verdict subset the report needs.
type ScoreResponse struct {
	Verdict struct {
		CompositeIndex   int     `json:"compositeIndex"`
		ThreatLevel      string  `json:"threatLevel"`
		EnforcementState string  `json:"enforcementState"`
		FraudPattern     string  `json:"fraudPatternDetected"`
		FinalRiskScore   float64 `json:"finalRiskScore"`
	} `json:"verdict"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "seed-demo", "Tenant ID for requests")
	count := flag.Int("count", 200, "Number of claims to generate")
	seed := flag.Int64("seed", 42, "Random seed (fixed for reproducible datasets)")
	verbose := flag.Bool("verbose", false, "Print each claim result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            KESTREL SEED - Synthetic Claim Generator           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Claims:      %d\n", *count)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running with model artifacts:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is ready")

	claims := generateClaims(*count, rand.New(rand.NewSource(*seed)))
	fmt.Printf("✓ Generated %d claims\n", len(claims))

	byScenario := map[string]int{}
	for _, c := range claims {
		byScenario[c.Scenario]++
	}
	for _, s := range []string{scenarioNormal, scenarioPhantom, scenarioUpcoding, scenarioRepeat, scenarioFrequency} {
		fmt.Printf("  - %-10s %d\n", s+":", byScenario[s])
	}

	fmt.Println("\nScoring claims...")
	start := time.Now()
	report := scoreAll(claims, *baseURL, *tenantID, *verbose)
	printReport(report, byScenario, time.Since(start))
}

func checkReady(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// generateClaims builds the dataset in admission-date order. Claims scored
// earlier form the statistical baseline the later fraud injections deviate
// from, so ordering matters.
func generateClaims(count int, rng *rand.Rand) []SeedClaim {
	claims := make([]SeedClaim, 0, count)
	day := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	// Repeat-abuse targets reuse a fixed patient and procedure.
	repeatPatient := "PAT0007"
	repeatProcedure := "P2"

	for i := 0; i < count; i++ {
		claimID := fmt.Sprintf("CLM-SEED-%04d", i+1)
		scenario := pickScenario(i, rng)

		procedure := procedureCodes[rng.Intn(len(procedureCodes))]
		patient := fmt.Sprintf("PAT%04d", 1+rng.Intn(300))
		hospital := fmt.Sprintf("H%d", 1+rng.Intn(10))
		rate := packageRates[procedure]

		// Normal billing: 55-85% of the package rate, plausible stays.
		amount := rate * (0.55 + 0.30*rng.Float64())
		stayDays := 1 + rng.Intn(4)
		if !inpatientProcedures[procedure] {
			stayDays = rng.Intn(2)
		}

		switch scenario {
		case scenarioPhantom:
			// Inpatient procedure discharged the same day.
			procedure = "P5"
			rate = packageRates[procedure]
			amount = rate * (0.60 + 0.20*rng.Float64())
			stayDays = 0
		case scenarioUpcoding:
			// Billed at or above the authorised ceiling.
			amount = rate * (0.97 + 0.08*rng.Float64())
			stayDays = 2 + rng.Intn(3)
		case scenarioRepeat:
			patient = repeatPatient
			procedure = repeatProcedure
			rate = packageRates[procedure]
			amount = rate * (0.60 + 0.20*rng.Float64())
			stayDays = 1
		case scenarioFrequency:
			// A burst patient accumulating claims inside a 30-day window.
			patient = "PAT0013"
			amount = rate * (0.60 + 0.20*rng.Float64())
		}

		isInpatient := 0
		if inpatientProcedures[procedure] {
			isInpatient = 1
		}

		admission := day
		discharge := admission.AddDate(0, 0, stayDays)

		claims = append(claims, SeedClaim{
			Scenario:      scenario,
			ClaimID:       claimID,
			HospitalID:    hospital,
			PatientID:     patient,
			ProcedureCode: procedure,
			PackageRate:   rate,
			ClaimAmount:   float64(int(amount)),
			AdmissionDate: admission.Format("2006-01-02"),
			DischargeDate: discharge.Format("2006-01-02"),
			IsInpatient:   isInpatient,
		})

		// Advance 0-2 days so roughly half a year of history accumulates.
		day = day.AddDate(0, 0, rng.Intn(3))
	}

	return claims
}

// pickScenario injects fraud into roughly one claim in five, only after
// enough normal history exists for the deviations to register.
func pickScenario(i int, rng *rand.Rand) string {
	if i < 40 {
		return scenarioNormal
	}
	if rng.Float64() >= 0.20 {
		return scenarioNormal
	}
	switch rng.Intn(4) {
	case 0:
		return scenarioPhantom
	case 1:
		return scenarioUpcoding
	case 2:
		return scenarioRepeat
	default:
		return scenarioFrequency
	}
}

// Report accumulates verdict distribution counters.
type Report struct {
	Scored int
	Errors int

	ByThreat      map[string]int
	ByEnforcement map[string]int
	ByPattern     map[string]int

	// FlaggedByScenario counts injected claims scored MEDIUM or above.
	FlaggedByScenario map[string]int
}

func scoreAll(claims []SeedClaim, baseURL, tenantID string, verbose bool) *Report {
	report := &Report{
		ByThreat:          map[string]int{},
		ByEnforcement:     map[string]int{},
		ByPattern:         map[string]int{},
		FlaggedByScenario: map[string]int{},
	}
	client := &http.Client{Timeout: 30 * time.Second}

	for _, c := range claims {
		resp, err := scoreClaim(client, baseURL, tenantID, c)
		if err != nil {
			report.Errors++
			if verbose {
				fmt.Printf("ERROR: %s -> %v\n", c.ClaimID, err)
			}
			continue
		}

		report.Scored++
		report.ByThreat[resp.Verdict.ThreatLevel]++
		report.ByEnforcement[resp.Verdict.EnforcementState]++
		report.ByPattern[resp.Verdict.FraudPattern]++

		if resp.Verdict.ThreatLevel != "LOW" {
			report.FlaggedByScenario[c.Scenario]++
		}

		if verbose {
			fmt.Printf("%-13s | %-9s | %-10s | idx %3d | %-9s | %s\n",
				c.ClaimID,
				c.Scenario,
				c.ProcedureCode,
				resp.Verdict.CompositeIndex,
				resp.Verdict.ThreatLevel,
				resp.Verdict.FraudPattern,
			)
		}
	}

	return report
}

func scoreClaim(client *http.Client, baseURL, tenantID string, c SeedClaim) (*ScoreResponse, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printReport(r *Report, byScenario map[string]int, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      SEED RESULTS                             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 SCORING\n")
	fmt.Printf("   Scored:   %d\n", r.Scored)
	fmt.Printf("   Errors:   %d\n", r.Errors)
	fmt.Printf("   Duration: %v\n", duration.Round(time.Millisecond))

	fmt.Printf("\n🚦 THREAT LEVELS\n")
	for _, level := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		fmt.Printf("   %-9s %d\n", level+":", r.ByThreat[level])
	}

	fmt.Printf("\n⚖️  ENFORCEMENT\n")
	for _, state := range []string{"CLEAR", "MONITOR", "ESCALATED", "HARD_STOP"} {
		fmt.Printf("   %-10s %d\n", state+":", r.ByEnforcement[state])
	}

	fmt.Printf("\n🔍 PATTERNS\n")
	for _, p := range []string{"NONE", "PHANTOM", "UPCODING", "REPEAT_ABUSE", "MIXED"} {
		if n := r.ByPattern[p]; n > 0 {
			fmt.Printf("   %-13s %d\n", p+":", n)
		}
	}

	fmt.Printf("\n🎯 INJECTED SCENARIOS FLAGGED (MEDIUM or above)\n")
	for _, s := range []string{scenarioPhantom, scenarioUpcoding, scenarioRepeat, scenarioFrequency} {
		total := byScenario[s]
		if total == 0 {
			continue
		}
		flagged := r.FlaggedByScenario[s]
		fmt.Printf("   %-10s %d / %d (%.1f%%)\n", s+":", flagged, total, 100*float64(flagged)/float64(total))
	}

	fmt.Println()
}
