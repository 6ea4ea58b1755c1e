package scoring

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-health/kestrel/internal/anomaly"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/intel"
	"github.com/opensource-health/kestrel/internal/repository"
	"github.com/opensource-health/kestrel/internal/rules"
)

// memRepo is an in-memory Repository for pipeline tests.
type memRepo struct {
	mu       sync.Mutex
	seq      int64
	claims   []*domain.Claim
	verdicts map[string]*domain.Verdict // keyed by claim ID
	configs  []tenantConfig
}

type tenantConfig struct {
	tenantID string
	cfg      *domain.SystemConfig
}

func newMemRepo() *memRepo {
	return &memRepo{verdicts: make(map[string]*domain.Verdict)}
}

func (r *memRepo) SaveClaim(_ context.Context, tenantID string, claim *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	claim.Seq = r.seq
	r.claims = append(r.claims, claim)
	return nil
}

func (r *memRepo) GetClaim(_ context.Context, tenantID, claimID string) (*domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.claims {
		if c.TenantID == tenantID && c.ID == claimID {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memRepo) ListClaims(_ context.Context, tenantID string) ([]*domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Claim
	for _, c := range r.claims {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memRepo) SaveVerdict(_ context.Context, tenantID string, v *domain.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[tenantID+"/"+v.ClaimID] = v
	return nil
}

func (r *memRepo) GetVerdict(_ context.Context, tenantID, verdictID string) (*domain.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.verdicts {
		if v.TenantID == tenantID && v.ID == verdictID {
			return v, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memRepo) GetVerdictByClaim(_ context.Context, tenantID, claimID string) (*domain.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.verdicts[tenantID+"/"+claimID]; ok {
		return v, nil
	}
	return nil, domain.ErrNotFound
}

func (r *memRepo) ListVerdicts(_ context.Context, tenantID string, _ domain.VerdictFilter) ([]*domain.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Verdict
	for _, v := range r.verdicts {
		if v.TenantID == tenantID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *memRepo) HospitalLossReport(context.Context, string, time.Time) ([]*domain.HospitalLossSummary, error) {
	return nil, nil
}

func (r *memRepo) SaveRuleConfig(context.Context, string, *domain.RuleConfig) error { return nil }
func (r *memRepo) GetRuleConfig(context.Context, string, string) (*domain.RuleConfig, error) {
	return nil, domain.ErrNotFound
}
func (r *memRepo) ListRuleConfigs(context.Context, string) ([]*domain.RuleConfig, error) {
	return nil, nil
}
func (r *memRepo) UpdateRuleConfig(context.Context, string, string, domain.RuleConfigPatch) (*domain.RuleConfig, error) {
	return nil, domain.ErrNotFound
}

func (r *memRepo) SaveSystemConfig(_ context.Context, tenantID string, cfg *domain.SystemConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, tenantConfig{tenantID: tenantID, cfg: cfg})
	return nil
}

func (r *memRepo) ListSystemConfigs(_ context.Context, tenantID string) ([]*domain.SystemConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SystemConfig
	for _, tc := range r.configs {
		if tc.tenantID == tenantID {
			out = append(out, tc.cfg)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateSystemConfig(context.Context, string, string, string) (*domain.SystemConfig, error) {
	return nil, domain.ErrNotFound
}

func (r *memRepo) Ping(context.Context) error { return nil }
func (r *memRepo) Close() error               { return nil }

// recordingBus captures published topics.
type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(_ context.Context, _ string, topic string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Request(context.Context, string, string, []byte) ([]byte, error) {
	return nil, nil
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func (b *recordingBus) published(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// testModel builds a degenerate single-leaf forest: every sample scores the
// raw minimum, so the normalized anomaly score is controlled entirely by
// the calibration range.
func testModel(cal anomaly.Calibration) *anomaly.Model {
	n := len(domain.ContinuousFeatureNames)
	scale := make([]float64, n)
	for i := range scale {
		scale[i] = 1
	}
	return &anomaly.Model{
		Forest: &anomaly.Forest{
			SubsampleSize: 2,
			Trees:         []anomaly.Tree{{Nodes: []anomaly.Node{{Feature: -1, Size: 1}}}},
		},
		Scaler:      &anomaly.Scaler{Mean: make([]float64, n), Scale: scale},
		Calibration: cal,
	}
}

func newTestService(t *testing.T, cal anomaly.Calibration) (*Service, *memRepo, *recordingBus) {
	t.Helper()
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("rules.NewEngine: %v", err)
	}
	repo := newMemRepo()
	bus := &recordingBus{}
	svc := NewService(repo, nil, bus, anomaly.NewScorer(testModel(cal)),
		engine, intel.NewProcessor(), domain.DefaultValidationConfig())
	return svc, repo, bus
}

func cleanRequest(claimID string) *domain.ClaimRequest {
	return &domain.ClaimRequest{
		ClaimID:       claimID,
		HospitalID:    "H1",
		PatientID:     "PAT0001",
		ProcedureCode: "P1",
		PackageRate:   10000,
		ClaimAmount:   7000,
		AdmissionDate: "2026-01-10",
		DischargeDate: "2026-01-12",
		IsInpatient:   0,
	}
}

func TestScoreClaimNotReady(t *testing.T) {
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("rules.NewEngine: %v", err)
	}
	svc := NewService(newMemRepo(), nil, nil, anomaly.NewScorer(nil),
		engine, intel.NewProcessor(), domain.DefaultValidationConfig())

	_, err = svc.ScoreClaim(context.Background(), "tenant-001", cleanRequest("CLM-1"))
	if !errors.Is(err, domain.ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}

func TestScoreClaimValidation(t *testing.T) {
	svc, _, _ := newTestService(t, anomaly.Calibration{ScoreMin: -1, ScoreMax: -1})

	req := cleanRequest("CLM-1")
	req.HospitalID = "H99"
	_, err := svc.ScoreClaim(context.Background(), "tenant-001", req)
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestScoreClaimDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t, anomaly.Calibration{ScoreMin: -1, ScoreMax: -1})
	ctx := context.Background()

	if _, err := svc.ScoreClaim(ctx, "tenant-001", cleanRequest("CLM-1")); err != nil {
		t.Fatalf("first score: %v", err)
	}
	_, err := svc.ScoreClaim(ctx, "tenant-001", cleanRequest("CLM-1"))
	if !errors.Is(err, domain.ErrDuplicateClaim) {
		t.Fatalf("expected ErrDuplicateClaim, got %v", err)
	}
}

func TestScoreClaimCleanPath(t *testing.T) {
	// Degenerate calibration pins the anomaly score to 0.
	svc, repo, bus := newTestService(t, anomaly.Calibration{ScoreMin: -1, ScoreMax: -1})
	ctx := context.Background()

	v, err := svc.ScoreClaim(ctx, "tenant-001", cleanRequest("CLM-1"))
	if err != nil {
		t.Fatalf("ScoreClaim: %v", err)
	}
	if v.RiskLevel != domain.RiskLow {
		t.Errorf("risk = %s, want LOW", v.RiskLevel)
	}
	if v.AnomalyScoreNorm != 0 || v.RuleScoreNorm != 0 {
		t.Errorf("scores = %v/%v, want 0/0", v.AnomalyScoreNorm, v.RuleScoreNorm)
	}
	if v.EnforcementState != domain.EnforcementClear {
		t.Errorf("enforcement = %s, want CLEAR", v.EnforcementState)
	}

	stored, err := repo.GetVerdictByClaim(ctx, "tenant-001", "CLM-1")
	if err != nil {
		t.Fatalf("verdict not persisted: %v", err)
	}
	if stored.ID != v.ID {
		t.Error("persisted verdict differs from returned one")
	}

	if bus.published(domain.TopicVerdict) != 1 {
		t.Error("expected one verdict event")
	}
	if bus.published(domain.TopicAlert) != 0 {
		t.Error("clean claim must not publish an alert")
	}
}

func TestScoreClaimEscalation(t *testing.T) {
	// Calibration range maps the fixed raw score to anomaly 1.0.
	svc, _, bus := newTestService(t, anomaly.Calibration{ScoreMin: -1.0, ScoreMax: -0.5})
	ctx := context.Background()

	// Zero-day inpatient stay at the package ceiling:
	// rule score = (30+15)/100, anomaly = 1.0, final = 0.615 -> HIGH.
	req := cleanRequest("CLM-1")
	req.ProcedureCode = "P3"
	req.ClaimAmount = 9900
	req.AdmissionDate = "2026-01-10"
	req.DischargeDate = "2026-01-10"
	req.IsInpatient = 1

	v, err := svc.ScoreClaim(ctx, "tenant-001", req)
	if err != nil {
		t.Fatalf("ScoreClaim: %v", err)
	}
	if !v.RuleTriggers[domain.RuleZeroDayInpatient] || !v.RuleTriggers[domain.RuleNearPackageCeiling] {
		t.Fatalf("expected zero-day and ceiling triggers, got %v", v.RuleTriggers)
	}
	if v.RiskLevel != domain.RiskHigh {
		t.Errorf("risk = %s, want HIGH", v.RiskLevel)
	}
	if v.CompositeIndex != 62 {
		t.Errorf("composite index = %d, want 62", v.CompositeIndex)
	}
	if v.ThreatLevel != domain.ThreatHigh || v.EnforcementState != domain.EnforcementEscalated {
		t.Errorf("threat = %s, enforcement = %s", v.ThreatLevel, v.EnforcementState)
	}
	if v.FraudPattern != domain.PatternMixed {
		t.Errorf("pattern = %s, want MIXED", v.FraudPattern)
	}
	if bus.published(domain.TopicAlert) != 1 {
		t.Error("escalated verdict must publish an alert")
	}
	if bus.published(domain.TopicHardStop) != 0 {
		t.Error("ESCALATED is not a hard stop")
	}
}

// escalationRequest is the composite-62 claim used by the band tests:
// zero-day inpatient stay at the package ceiling with anomaly 1.0.
func escalationRequest(claimID string) *domain.ClaimRequest {
	req := cleanRequest(claimID)
	req.ProcedureCode = "P3"
	req.ClaimAmount = 9900
	req.DischargeDate = req.AdmissionDate
	req.IsInpatient = 1
	return req
}

func TestScoreClaimCustomBands(t *testing.T) {
	ctx := context.Background()

	t.Run("GlobalScope", func(t *testing.T) {
		svc, repo, bus := newTestService(t, anomaly.Calibration{ScoreMin: -1.0, ScoreMax: -0.5})

		// Bands are administered under the global tenant; tightening
		// HIGH_MAX there must move every tenant's claim into CRITICAL.
		repo.SaveSystemConfig(ctx, domain.GlobalTenantID,
			&domain.SystemConfig{Key: domain.ConfigKeyHighMax, Value: "61"})

		v, err := svc.ScoreClaim(ctx, "tenant-001", escalationRequest("CLM-1"))
		if err != nil {
			t.Fatalf("ScoreClaim: %v", err)
		}
		if v.ThreatLevel != domain.ThreatCritical || !v.HardStop {
			t.Errorf("threat = %s, hardStop = %v, want CRITICAL hard stop", v.ThreatLevel, v.HardStop)
		}
		if bus.published(domain.TopicHardStop) != 1 {
			t.Error("hard stop verdict must publish on the hard-stop topic")
		}
	})

	t.Run("TenantOverridesGlobal", func(t *testing.T) {
		svc, repo, _ := newTestService(t, anomaly.Calibration{ScoreMin: -1.0, ScoreMax: -0.5})

		repo.SaveSystemConfig(ctx, domain.GlobalTenantID,
			&domain.SystemConfig{Key: domain.ConfigKeyHighMax, Value: "90"})
		repo.SaveSystemConfig(ctx, "tenant-001",
			&domain.SystemConfig{Key: domain.ConfigKeyHighMax, Value: "61"})

		v, err := svc.ScoreClaim(ctx, "tenant-001", escalationRequest("CLM-1"))
		if err != nil {
			t.Fatalf("ScoreClaim: %v", err)
		}
		if v.ThreatLevel != domain.ThreatCritical {
			t.Errorf("threat = %s, want CRITICAL from the tenant override", v.ThreatLevel)
		}
	})

	t.Run("OtherTenantRowsIgnored", func(t *testing.T) {
		svc, repo, _ := newTestService(t, anomaly.Calibration{ScoreMin: -1.0, ScoreMax: -0.5})

		repo.SaveSystemConfig(ctx, "tenant-002",
			&domain.SystemConfig{Key: domain.ConfigKeyHighMax, Value: "61"})

		v, err := svc.ScoreClaim(ctx, "tenant-001", escalationRequest("CLM-1"))
		if err != nil {
			t.Fatalf("ScoreClaim: %v", err)
		}
		if v.ThreatLevel != domain.ThreatHigh {
			t.Errorf("threat = %s, want HIGH under default bands", v.ThreatLevel)
		}
	})
}

// TestScoreClaimBandsFromRepository exercises the band lookup against the
// real sqlite repository, seeded exactly the way startup does: the band
// rows live under the global tenant while claims score under their own.
func TestScoreClaimBandsFromRepository(t *testing.T) {
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	if err := repo.SaveSystemConfig(ctx, domain.GlobalTenantID,
		&domain.SystemConfig{Key: domain.ConfigKeyHighMax, Value: "61"}); err != nil {
		t.Fatalf("SaveSystemConfig: %v", err)
	}

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("rules.NewEngine: %v", err)
	}
	svc := NewService(repo, nil, nil, anomaly.NewScorer(testModel(anomaly.Calibration{ScoreMin: -1.0, ScoreMax: -0.5})),
		engine, intel.NewProcessor(), domain.DefaultValidationConfig())

	v, err := svc.ScoreClaim(ctx, "tenant-001", escalationRequest("CLM-1"))
	if err != nil {
		t.Fatalf("ScoreClaim: %v", err)
	}
	if v.CompositeIndex != 62 {
		t.Fatalf("composite index = %d, want 62", v.CompositeIndex)
	}
	if v.ThreatLevel != domain.ThreatCritical {
		t.Errorf("threat = %s, want CRITICAL with HIGH_MAX=61 configured globally", v.ThreatLevel)
	}
}

func TestScoreClaimConcurrentTenants(t *testing.T) {
	svc, repo, _ := newTestService(t, anomaly.Calibration{ScoreMin: -1, ScoreMax: -1})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := fmt.Sprintf("tenant-%03d", i%2)
			req := cleanRequest(fmt.Sprintf("CLM-%d", i))
			req.AdmissionDate = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(domain.DateLayout)
			req.DischargeDate = req.AdmissionDate
			if _, err := svc.ScoreClaim(ctx, tenant, req); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent score: %v", err)
	}

	a, _ := repo.ListClaims(ctx, "tenant-000")
	b, _ := repo.ListClaims(ctx, "tenant-001")
	if len(a)+len(b) != 10 {
		t.Errorf("expected 10 claims across tenants, got %d", len(a)+len(b))
	}
}

func TestVerdictByClaim(t *testing.T) {
	svc, _, _ := newTestService(t, anomaly.Calibration{ScoreMin: -1, ScoreMax: -1})
	ctx := context.Background()

	scored, err := svc.ScoreClaim(ctx, "tenant-001", cleanRequest("CLM-1"))
	if err != nil {
		t.Fatalf("ScoreClaim: %v", err)
	}
	got, err := svc.VerdictByClaim(ctx, "tenant-001", "CLM-1")
	if err != nil {
		t.Fatalf("VerdictByClaim: %v", err)
	}
	if got.ID != scored.ID {
		t.Error("fetched verdict differs from scored one")
	}

	if _, err := svc.VerdictByClaim(ctx, "tenant-001", "CLM-404"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
