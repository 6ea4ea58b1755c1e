package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/rules"
	"github.com/opensource-health/kestrel/internal/scoring"
	"github.com/opensource-health/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	service *scoring.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, service *scoring.Service, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		service: service,
		version: version,
	}
}

// GlobalTenantID scopes rules and threat-band config shared by all tenants.
const GlobalTenantID = domain.GlobalTenantID

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	Verdict  *domain.Verdict `json:"verdict"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Score handles POST /score requests: synchronous claim scoring.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	verdict, err := h.service.ScoreClaim(ctx, tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ScoreResponse{Verdict: verdict}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// Submit handles POST /score/async: publishes the claim to the submitted
// topic for the worker to score off the HTTP path. The claim is validated
// here so callers still get synchronous 4xx feedback; persistence and
// duplicate detection happen in the worker.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.service.ValidateRequest(&req); err != nil {
		writeError(w, err)
		return
	}

	payload, err := json.Marshal(worker.ClaimMessage{TenantID: tenantID, Claim: req})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode claim message",
		})
		return
	}

	// The bus routes on exact (tenant, topic) keys, so the claim goes out
	// under both the request tenant and the global worker key. Whichever
	// worker shape is running scores it once; a second delivery lands as
	// an already-scored duplicate and is acknowledged quietly.
	for _, busTenant := range []string{tenantID, worker.GlobalTenant} {
		if err := h.bus.Publish(ctx, busTenant, domain.TopicClaimSubmitted, payload); err != nil {
			slog.Error("failed to publish claim", "claim_id", req.ClaimID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"claimId": req.ClaimID,
		"status":  "SUBMITTED",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the scoring pipeline can accept traffic. Missing
// model artifacts fail closed: not ready, never degraded scoring.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.service.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "anomaly model artifacts not loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetVerdict retrieves a verdict by ID.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	verdictID := chi.URLParam(r, "id")

	v, err := h.repo.GetVerdict(ctx, tenantID, verdictID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// ListVerdicts handles GET /verdicts with explorer filters.
func (h *Handler) ListVerdicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	filter, err := parseVerdictFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	verdicts, err := h.repo.ListVerdicts(ctx, tenantID, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verdicts": verdicts,
		"count":    len(verdicts),
	})
}

// analyticsRanges maps the range query parameter to a lookback window.
// Absent or "all" means the full history.
var analyticsRanges = map[string]time.Duration{
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// HospitalAnalytics returns the tenant's per-hospital risk-weighted loss
// exposure, most exposed hospitals first.
func (h *Handler) HospitalAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var since time.Time
	rangeParam := r.URL.Query().Get("range")
	if rangeParam != "" && rangeParam != "all" {
		window, ok := analyticsRanges[rangeParam]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "range must be one of 7d, 30d, all",
			})
			return
		}
		since = time.Now().UTC().Add(-window)
	}

	hospitals, err := h.repo.HospitalLossReport(ctx, tenantID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if hospitals == nil {
		hospitals = []*domain.HospitalLossSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hospitals": hospitals,
		"count":     len(hospitals),
	})
}

// ClaimRecord joins a claim to its verdict for the dataset explorer.
type ClaimRecord struct {
	Claim   *domain.Claim   `json:"claim"`
	Verdict *domain.Verdict `json:"verdict,omitempty"`
}

// GetClaim retrieves a claim and its verdict, if scored.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	claimID := chi.URLParam(r, "id")

	claim, err := h.repo.GetClaim(ctx, tenantID, claimID)
	if err != nil {
		writeError(w, err)
		return
	}

	record := ClaimRecord{Claim: claim}
	if v, err := h.service.VerdictByClaim(ctx, tenantID, claimID); err == nil {
		record.Verdict = v
	}

	writeJSON(w, http.StatusOK, record)
}

// ListClaims handles GET /claims: the dataset explorer. Filters apply to
// the verdict side of the join; unscored claims only appear unfiltered.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	filter, err := parseVerdictFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	verdicts, err := h.repo.ListVerdicts(ctx, tenantID, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	records := make([]ClaimRecord, 0, len(verdicts))
	for _, v := range verdicts {
		claim, err := h.repo.GetClaim(ctx, tenantID, v.ClaimID)
		if err != nil {
			slog.Warn("verdict without claim", "claim_id", v.ClaimID, "error", err)
			continue
		}
		records = append(records, ClaimRecord{Claim: claim, Verdict: v})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"claims": records,
		"count":  len(records),
	})
}

// ListRules returns all loaded rules from the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a rule by key from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleKey := chi.URLParam(r, "key")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.Key == ruleKey {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// UpdateRuleRequest is the request body for PATCH /rules/{key}. Only the
// threshold and the enabled flag are externally mutable; expressions and
// weights are fixed.
type UpdateRuleRequest struct {
	Threshold *float64 `json:"thresholdValue,omitempty"`
	Enabled   *bool    `json:"isEnabled,omitempty"`
}

// UpdateRule patches a rule's threshold or enabled flag and persists it.
// Call POST /rules/reload to apply the change to the running engine.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleKey := chi.URLParam(r, "key")

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Threshold == nil && req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "thresholdValue or isEnabled is required",
		})
		return
	}

	updated, err := h.repo.UpdateRuleConfig(ctx, GlobalTenantID, ruleKey, domain.RuleConfigPatch{
		Threshold: req.Threshold,
		Enabled:   req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule updated", "rule_key", ruleKey)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule":    updated,
		"message": "Rule updated. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// ListConfig returns the threat-band configuration entries.
func (h *Handler) ListConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configs, err := h.repo.ListSystemConfigs(ctx, GlobalTenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configs": configs,
		"count":   len(configs),
	})
}

// UpdateConfigRequest is the request body for PATCH /config/{key}.
type UpdateConfigRequest struct {
	Value string `json:"configValue"`
}

// UpdateConfig patches a threat-band boundary. Values must be integers in
// [0,100]; band ordering is the operator's responsibility.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	switch key {
	case domain.ConfigKeyLowMax, domain.ConfigKeyMediumMax, domain.ConfigKeyHighMax:
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown config key",
		})
		return
	}

	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	n, err := strconv.Atoi(req.Value)
	if err != nil || n < 0 || n > 100 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "configValue must be an integer between 0 and 100",
		})
		return
	}

	updated, err := h.repo.UpdateSystemConfig(ctx, GlobalTenantID, key, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("config updated", "config_key", key, "config_value", req.Value)
	writeJSON(w, http.StatusOK, updated)
}

func parseVerdictFilter(r *http.Request) (domain.VerdictFilter, error) {
	var filter domain.VerdictFilter
	q := r.URL.Query()

	if s := q.Get("min_score"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return filter, errors.New("min_score must be an integer")
		}
		filter.MinScore = &n
	}
	if s := q.Get("max_score"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return filter, errors.New("max_score must be an integer")
		}
		filter.MaxScore = &n
	}
	if s := q.Get("risk_level"); s != "" {
		switch s {
		case domain.ThreatLow, domain.ThreatMedium, domain.ThreatHigh, domain.ThreatCritical:
			filter.RiskLevel = s
		default:
			return filter, errors.New("risk_level must be LOW, MEDIUM, HIGH or CRITICAL")
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	return filter, nil
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicateClaim):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrEngineNotReady):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case domain.IsIntegrity(err):
		slog.Error("integrity violation", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
