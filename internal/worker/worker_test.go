package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-health/kestrel/internal/anomaly"
	"github.com/opensource-health/kestrel/internal/bus"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/intel"
	"github.com/opensource-health/kestrel/internal/rules"
	"github.com/opensource-health/kestrel/internal/scoring"
)

// stubRepo is a minimal in-memory Repository for worker tests.
type stubRepo struct {
	mu       sync.Mutex
	seq      int64
	claims   []*domain.Claim
	verdicts map[string]*domain.Verdict // keyed by tenant/claim
}

func newStubRepo() *stubRepo {
	return &stubRepo{verdicts: make(map[string]*domain.Verdict)}
}

func (r *stubRepo) SaveClaim(_ context.Context, _ string, claim *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	claim.Seq = r.seq
	r.claims = append(r.claims, claim)
	return nil
}

func (r *stubRepo) GetClaim(_ context.Context, tenantID, claimID string) (*domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.claims {
		if c.TenantID == tenantID && c.ID == claimID {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *stubRepo) ListClaims(_ context.Context, tenantID string) ([]*domain.Claim, error) {
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

func (r *stubRepo) SaveVerdict(_ context.Context, tenantID string, v *domain.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[tenantID+"/"+v.ClaimID] = v
	return nil
}

func (r *stubRepo) GetVerdict(_ context.Context, tenantID, verdictID string) (*domain.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.verdicts {
		if v.TenantID == tenantID && v.ID == verdictID {
			return v, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *stubRepo) GetVerdictByClaim(_ context.Context, tenantID, claimID string) (*domain.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.verdicts[tenantID+"/"+claimID]; ok {
		return v, nil
	}
	return nil, domain.ErrNotFound
}

func (r *stubRepo) ListVerdicts(_ context.Context, tenantID string, _ domain.VerdictFilter) ([]*domain.Verdict, error) {
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

func (r *stubRepo) HospitalLossReport(context.Context, string, time.Time) ([]*domain.HospitalLossSummary, error) {
	return nil, nil
}

func (r *stubRepo) SaveRuleConfig(context.Context, string, *domain.RuleConfig) error { return nil }
func (r *stubRepo) GetRuleConfig(context.Context, string, string) (*domain.RuleConfig, error) {
	return nil, domain.ErrNotFound
}
func (r *stubRepo) ListRuleConfigs(context.Context, string) ([]*domain.RuleConfig, error) {
	return nil, nil
}
func (r *stubRepo) UpdateRuleConfig(context.Context, string, string, domain.RuleConfigPatch) (*domain.RuleConfig, error) {
	return nil, domain.ErrNotFound
}
func (r *stubRepo) SaveSystemConfig(context.Context, string, *domain.SystemConfig) error { return nil }
func (r *stubRepo) ListSystemConfigs(context.Context, string) ([]*domain.SystemConfig, error) {
	return nil, nil
}
func (r *stubRepo) UpdateSystemConfig(context.Context, string, string, string) (*domain.SystemConfig, error) {
	return nil, domain.ErrNotFound
}
func (r *stubRepo) Ping(context.Context) error { return nil }
func (r *stubRepo) Close() error               { return nil }

// degenerateModel builds a single-leaf forest so every sample scores the
// raw minimum and the calibration pins the normalized score to zero.
func degenerateModel() *anomaly.Model {
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
		Calibration: anomaly.Calibration{ScoreMin: -1, ScoreMax: -1},
	}
}

func newTestWorker(t *testing.T) (*Worker, *stubRepo, *bus.ChannelBus) {
	t.Helper()
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("rules.NewEngine: %v", err)
	}
	repo := newStubRepo()
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	svc := scoring.NewService(repo, nil, eventBus, anomaly.NewScorer(degenerateModel()),
		engine, intel.NewProcessor(), domain.DefaultValidationConfig())

	w := NewWorker(eventBus, svc)
	t.Cleanup(func() { w.Stop() })
	return w, repo, eventBus
}

func submitClaim(t *testing.T, b *bus.ChannelBus, busTenant, claimTenant, claimID string) {
	t.Helper()
	payload, err := json.Marshal(ClaimMessage{
		TenantID: claimTenant,
		Claim: domain.ClaimRequest{
			ClaimID:       claimID,
			HospitalID:    "H1",
			PatientID:     "PAT0001",
			ProcedureCode: "P1",
			PackageRate:   10000,
			ClaimAmount:   7000,
			AdmissionDate: "2026-01-10",
			DischargeDate: "2026-01-12",
			IsInpatient:   0,
		},
	})
	if err != nil {
		t.Fatalf("marshal claim message: %v", err)
	}
	if err := b.Publish(context.Background(), busTenant, domain.TopicClaimSubmitted, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitForVerdict(t *testing.T, repo *stubRepo, tenantID, claimID string) *domain.Verdict {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, err := repo.GetVerdictByClaim(context.Background(), tenantID, claimID)
		if err == nil {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no verdict for %s/%s", tenantID, claimID)
	return nil
}

func TestWorkerGlobalSubscription(t *testing.T) {
	w, repo, eventBus := newTestWorker(t)

	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	submitClaim(t, eventBus, GlobalTenant, "tenant-001", "CLM-W001")

	v := waitForVerdict(t, repo, "tenant-001", "CLM-W001")
	if v.ThreatLevel != domain.ThreatLow {
		t.Errorf("expected LOW threat for clean claim, got %s", v.ThreatLevel)
	}
	if v.EnforcementState != domain.EnforcementClear {
		t.Errorf("expected CLEAR enforcement, got %s", v.EnforcementState)
	}
}

// submitAsAPI publishes the claim the way the async intake endpoint does:
// once under the request tenant and once under the global worker key.
func submitAsAPI(t *testing.T, b *bus.ChannelBus, tenantID, claimID string) {
	t.Helper()
	submitClaim(t, b, tenantID, tenantID, claimID)
	submitClaim(t, b, GlobalTenant, tenantID, claimID)
}

func TestWorkerReceivesAPISubmission(t *testing.T) {
	t.Run("GlobalWorker", func(t *testing.T) {
		w, repo, eventBus := newTestWorker(t)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start: %v", err)
		}

		submitAsAPI(t, eventBus, "tenant-001", "CLM-W100")

		v := waitForVerdict(t, repo, "tenant-001", "CLM-W100")
		if v.TenantID != "tenant-001" {
			t.Errorf("verdict tenant = %s, want tenant-001", v.TenantID)
		}
	})

	t.Run("TenantWorker", func(t *testing.T) {
		w, repo, eventBus := newTestWorker(t)
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start: %v", err)
		}

		submitAsAPI(t, eventBus, "tenant-001", "CLM-W101")
		waitForVerdict(t, repo, "tenant-001", "CLM-W101")
	})

	t.Run("BothWorkerShapesScoreOnce", func(t *testing.T) {
		w, repo, eventBus := newTestWorker(t)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := w.startTenantWorker("tenant-001"); err != nil {
			t.Fatalf("startTenantWorker: %v", err)
		}

		submitAsAPI(t, eventBus, "tenant-001", "CLM-W102")
		waitForVerdict(t, repo, "tenant-001", "CLM-W102")

		// The second delivery lands as an already-scored duplicate.
		time.Sleep(100 * time.Millisecond)
		verdicts, err := repo.ListVerdicts(context.Background(), "tenant-001", domain.VerdictFilter{})
		if err != nil {
			t.Fatalf("ListVerdicts: %v", err)
		}
		if len(verdicts) != 1 {
			t.Errorf("expected exactly one verdict, got %d", len(verdicts))
		}
	})
}

func TestWorkerTenantIsolation(t *testing.T) {
	w, repo, eventBus := newTestWorker(t)

	err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	submitClaim(t, eventBus, "tenant-001", "", "CLM-W010")

	waitForVerdict(t, repo, "tenant-001", "CLM-W010")

	other, err := repo.ListVerdicts(context.Background(), "tenant-002", domain.VerdictFilter{})
	if err != nil {
		t.Fatalf("ListVerdicts: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no verdicts for tenant-002, got %d", len(other))
	}
}

func TestWorkerDuplicateRedelivery(t *testing.T) {
	w, repo, eventBus := newTestWorker(t)

	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	submitClaim(t, eventBus, "tenant-001", "", "CLM-W020")
	waitForVerdict(t, repo, "tenant-001", "CLM-W020")

	// Redeliver the same claim, then submit a fresh one to prove the
	// worker is still healthy.
	submitClaim(t, eventBus, "tenant-001", "", "CLM-W020")
	submitClaim(t, eventBus, "tenant-001", "", "CLM-W021")
	waitForVerdict(t, repo, "tenant-001", "CLM-W021")

	verdicts, err := repo.ListVerdicts(context.Background(), "tenant-001", domain.VerdictFilter{})
	if err != nil {
		t.Fatalf("ListVerdicts: %v", err)
	}
	if len(verdicts) != 2 {
		t.Errorf("expected 2 verdicts after redelivery, got %d", len(verdicts))
	}
}

func TestWorkerMalformedPayload(t *testing.T) {
	w, repo, eventBus := newTestWorker(t)

	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := eventBus.Publish(context.Background(), "tenant-001", domain.TopicClaimSubmitted, []byte("{not json"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	submitClaim(t, eventBus, "tenant-001", "", "CLM-W030")
	waitForVerdict(t, repo, "tenant-001", "CLM-W030")
}

func TestWorkerStats(t *testing.T) {
	w, _, _ := newTestWorker(t)

	if err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}
	for _, topic := range stats.Topics {
		if topic != domain.TopicClaimSubmitted {
			t.Errorf("unexpected topic %s", topic)
		}
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := w.GetStats().SubscriptionCount; got != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", got)
	}
}
