// Package scoring orchestrates the full claim scoring pipeline: validate,
// persist, engineer features over the tenant's history, score, fuse, and
// publish. It is the single entry point used by both the HTTP API and the
// async worker.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-health/kestrel/internal/anomaly"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/features"
	"github.com/opensource-health/kestrel/internal/intel"
	"github.com/opensource-health/kestrel/internal/rules"
)

// verdictCacheTTL is generous because verdicts are immutable.
const verdictCacheTTL = 24 * time.Hour

// Service runs the scoring pipeline.
type Service struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	scorer     *anomaly.Scorer
	engine     *rules.Engine
	processor  *intel.Processor
	validation domain.ValidationConfig

	// Scoring for a tenant is serialized: the feature context is the
	// tenant's full claim history including the new claim, so concurrent
	// submissions must not interleave between insert and read-back.
	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewService creates a scoring service.
func NewService(repo domain.Repository, cache domain.Cache, bus domain.EventBus, scorer *anomaly.Scorer, engine *rules.Engine, processor *intel.Processor, validation domain.ValidationConfig) *Service {
	return &Service{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		scorer:     scorer,
		engine:     engine,
		processor:  processor,
		validation: validation,
		tenants:    make(map[string]*sync.Mutex),
	}
}

// Ready reports whether the service can score claims. It is false until the
// frozen model artifacts are loaded; in that state scoring is refused.
func (s *Service) Ready() bool {
	return s.scorer != nil && s.scorer.Ready()
}

// ValidateRequest checks a claim request against the configured code sets
// without scoring it. Async intake uses this for synchronous 4xx feedback
// before the claim is published.
func (s *Service) ValidateRequest(req *domain.ClaimRequest) error {
	return req.Validate(s.validation)
}

// ScoreClaim runs the full pipeline for one submitted claim and returns its
// verdict. Returns domain.ErrEngineNotReady when artifacts are missing,
// *domain.ValidationError for malformed input, domain.ErrDuplicateClaim
// when the claim was already scored, and *domain.IntegrityError when the
// composite layer fails its self-checks.
func (s *Service) ScoreClaim(ctx context.Context, tenantID string, req *domain.ClaimRequest) (*domain.Verdict, error) {
	start := time.Now()

	if !s.Ready() {
		return nil, domain.ErrEngineNotReady
	}
	if err := req.Validate(s.validation); err != nil {
		return nil, err
	}
	claim := req.ToClaim(tenantID)

	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.repo.GetClaim(ctx, tenantID, claim.ID); err == nil {
		return nil, domain.ErrDuplicateClaim
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if err := s.repo.SaveClaim(ctx, tenantID, claim); err != nil {
		return nil, err
	}

	history, err := s.repo.ListClaims(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	vector, err := features.ComputeFor(history, claim.ID)
	if err != nil {
		return nil, err
	}

	anomalyNorm, err := s.scorer.Score(vector)
	if err != nil {
		return nil, err
	}
	ruleResult, err := s.engine.Evaluate(vector)
	if err != nil {
		return nil, err
	}

	verdict, err := s.processor.Process(&intel.Input{
		TenantID:         tenantID,
		ClaimID:          claim.ID,
		AnomalyScoreNorm: anomalyNorm,
		RuleScoreNorm:    ruleResult.RuleScoreNorm,
		Triggers:         ruleResult.Triggers,
		ActiveRuleCount:  ruleResult.ActiveCount,
		AmountZScore:     vector.ClaimAmountZScore,
		Bands:            s.threatBands(ctx, tenantID),
	})
	if err != nil {
		slog.Error("composite intelligence rejected verdict",
			"tenant_id", tenantID, "claim_id", claim.ID, "error", err)
		return nil, err
	}

	if err := s.repo.SaveVerdict(ctx, tenantID, verdict); err != nil {
		return nil, err
	}

	s.publish(ctx, verdict)

	if s.cache != nil {
		if err := s.cache.SetVerdict(ctx, tenantID, claim.ID, verdict, verdictCacheTTL); err != nil {
			slog.Warn("failed to cache verdict", "claim_id", claim.ID, "error", err)
		}
	}

	slog.Debug("claim scored",
		"tenant_id", tenantID,
		"claim_id", claim.ID,
		"final_risk_score", verdict.FinalRiskScore,
		"composite_index", verdict.CompositeIndex,
		"threat_level", verdict.ThreatLevel,
		"anomaly_score_norm", verdict.AnomalyScoreNorm,
		"rule_score_norm", verdict.RuleScoreNorm,
		"confidence_score", verdict.ConfidenceScore,
		"rule_trigger_count", verdict.SignalVector.RuleTriggerCount,
		"enforcement_state", verdict.EnforcementState,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return verdict, nil
}

// VerdictByClaim returns the verdict for a claim, serving from cache when
// possible. Verdicts are immutable so a cache hit never goes stale.
func (s *Service) VerdictByClaim(ctx context.Context, tenantID, claimID string) (*domain.Verdict, error) {
	if s.cache != nil {
		if v, err := s.cache.GetVerdict(ctx, tenantID, claimID); err == nil && v != nil {
			return v, nil
		}
	}
	verdict, err := s.repo.GetVerdictByClaim(ctx, tenantID, claimID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetVerdict(ctx, tenantID, claimID, verdict, verdictCacheTTL); err != nil {
			slog.Warn("failed to cache verdict", "claim_id", claimID, "error", err)
		}
	}
	return verdict, nil
}

// threatBands reads the configured band boundaries: the global tenant rows
// (where the admin API and startup seeding write them) first, then the
// request tenant's rows as overrides. Any key that is missing or malformed
// keeps its default.
func (s *Service) threatBands(ctx context.Context, tenantID string) domain.ThreatBandConfig {
	bands := domain.DefaultThreatBands()
	s.applyBandConfigs(ctx, domain.GlobalTenantID, &bands)
	if tenantID != domain.GlobalTenantID {
		s.applyBandConfigs(ctx, tenantID, &bands)
	}
	return bands
}

func (s *Service) applyBandConfigs(ctx context.Context, scope string, bands *domain.ThreatBandConfig) {
	configs, err := s.repo.ListSystemConfigs(ctx, scope)
	if err != nil {
		slog.Warn("failed to load threat bands, using defaults", "tenant_id", scope, "error", err)
		return
	}
	for _, cfg := range configs {
		n, err := strconv.Atoi(cfg.Value)
		if err != nil {
			continue
		}
		switch cfg.Key {
		case domain.ConfigKeyLowMax:
			bands.LowMax = n
		case domain.ConfigKeyMediumMax:
			bands.MediumMax = n
		case domain.ConfigKeyHighMax:
			bands.HighMax = n
		}
	}
}

// publish emits the verdict events. Publishing is best effort: the verdict
// is already persisted, so a bus failure is logged and not surfaced.
func (s *Service) publish(ctx context.Context, v *domain.Verdict) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal verdict event", "claim_id", v.ClaimID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, v.TenantID, domain.TopicVerdict, payload); err != nil {
		slog.Warn("failed to publish verdict", "claim_id", v.ClaimID, "error", err)
	}
	if v.EnforcementState == domain.EnforcementEscalated || v.EnforcementState == domain.EnforcementHardStop {
		if err := s.bus.Publish(ctx, v.TenantID, domain.TopicAlert, payload); err != nil {
			slog.Warn("failed to publish alert", "claim_id", v.ClaimID, "error", err)
		}
	}
	if v.HardStop {
		if err := s.bus.Publish(ctx, v.TenantID, domain.TopicHardStop, payload); err != nil {
			slog.Warn("failed to publish hard stop", "claim_id", v.ClaimID, "error", err)
		}
	}
}

func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.tenants[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.tenants[tenantID] = lock
	}
	return lock
}
