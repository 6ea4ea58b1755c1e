// Package worker provides async claim scoring for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/scoring"
)

// Worker scores submitted claims asynchronously from the EventBus.
type Worker struct {
	bus     domain.EventBus
	service *scoring.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// GlobalTenant is the bus key for the all-tenants subscription. The bus
// routes on exact (tenant, topic) keys, so producers of submitted claims
// publish under this key as well as the claim's own tenant; the message
// envelope carries the real tenant.
const GlobalTenant = "_global"

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via the
	// global subscription).
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, service *scoring.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing submitted claims for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, GlobalTenant, domain.TopicClaimSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicClaimSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processClaim(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicClaimSubmitted,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processClaim(ctx, msg.TenantID, msg)
}

// ClaimMessage is the payload for async claim submission.
type ClaimMessage struct {
	TenantID string              `json:"tenantId"`
	Claim    domain.ClaimRequest `json:"claim"`
}

// processClaim runs one submitted claim through the scoring pipeline.
// Duplicates are acknowledged quietly: redelivery of an already scored
// claim is normal bus behavior, not an error.
func (w *Worker) processClaim(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var claimMsg ClaimMessage
	if err := json.Unmarshal(msg.Payload, &claimMsg); err != nil {
		slog.Error("failed to parse claim message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if claimMsg.TenantID != "" {
		tenantID = claimMsg.TenantID
	}

	slog.Debug("processing submitted claim",
		"claim_id", claimMsg.Claim.ClaimID,
		"tenant_id", tenantID,
	)

	verdict, err := w.service.ScoreClaim(ctx, tenantID, &claimMsg.Claim)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateClaim) {
			slog.Debug("claim already scored, skipping",
				"claim_id", claimMsg.Claim.ClaimID,
				"tenant_id", tenantID,
			)
			return nil
		}
		slog.Error("claim scoring failed",
			"claim_id", claimMsg.Claim.ClaimID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("claim processed",
		"claim_id", verdict.ClaimID,
		"tenant_id", tenantID,
		"composite_index", verdict.CompositeIndex,
		"threat_level", verdict.ThreatLevel,
		"enforcement_state", verdict.EnforcementState,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
