// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
)

var (
	// ErrNotFound wraps domain.ErrNotFound so callers can match either.
	ErrNotFound     = fmt.Errorf("record %w", domain.ErrNotFound)
	ErrInvalidInput = errors.New("invalid input")
)

// defaultListLimit caps unbounded verdict listings.
const defaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveClaim stores a claim with tenant isolation. The database assigns the
// insertion sequence number.
func (r *SQLRepository) SaveClaim(ctx context.Context, tenantID string, claim *domain.Claim) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO claims (
			id, tenant_id, hospital_id, patient_id, procedure_code,
			package_rate, claim_amount, admission_date, discharge_date,
			created_at, is_inpatient
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		claim.ID, tenantID, claim.HospitalID, claim.PatientID, claim.ProcedureCode,
		claim.PackageRate, claim.ClaimAmount, claim.AdmissionDate, claim.DischargeDate,
		claim.CreatedAt, claim.IsInpatient,
	)
	return err
}

// GetClaim retrieves a claim by ID with tenant isolation.
func (r *SQLRepository) GetClaim(ctx context.Context, tenantID string, claimID string) (*domain.Claim, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT seq, id, tenant_id, hospital_id, patient_id, procedure_code,
			   package_rate, claim_amount, admission_date, discharge_date,
			   created_at, is_inpatient
		FROM claims
		WHERE tenant_id = ? AND id = ?
	`

	var c domain.Claim
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, claimID).Scan(
		&c.Seq, &c.ID, &c.TenantID, &c.HospitalID, &c.PatientID, &c.ProcedureCode,
		&c.PackageRate, &c.ClaimAmount, &c.AdmissionDate, &c.DischargeDate,
		&c.CreatedAt, &c.IsInpatient,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// ListClaims retrieves the tenant's full claim history in insertion order.
// This ordering is load-bearing: it breaks admission-date ties during
// feature computation.
func (r *SQLRepository) ListClaims(ctx context.Context, tenantID string) ([]*domain.Claim, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT seq, id, tenant_id, hospital_id, patient_id, procedure_code,
			   package_rate, claim_amount, admission_date, discharge_date,
			   created_at, is_inpatient
		FROM claims
		WHERE tenant_id = ?
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*domain.Claim
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(
			&c.Seq, &c.ID, &c.TenantID, &c.HospitalID, &c.PatientID, &c.ProcedureCode,
			&c.PackageRate, &c.ClaimAmount, &c.AdmissionDate, &c.DischargeDate,
			&c.CreatedAt, &c.IsInpatient,
		); err != nil {
			return nil, err
		}
		claims = append(claims, &c)
	}

	return claims, rows.Err()
}

// SaveVerdict stores a verdict with tenant isolation. Verdicts are
// write-once: the unique (tenant_id, claim_id) constraint rejects a second
// verdict for the same claim.
func (r *SQLRepository) SaveVerdict(ctx context.Context, tenantID string, v *domain.Verdict) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	triggers, _ := json.Marshal(v.RuleTriggers)
	breakdown, _ := json.Marshal(v.RiskBreakdown)
	signalVector, _ := json.Marshal(v.SignalVector)
	knowledgeSignals, _ := json.Marshal(v.KnowledgeSignals)

	hardStop := 0
	if v.HardStop {
		hardStop = 1
	}

	query := `
		INSERT INTO verdicts (
			id, tenant_id, claim_id,
			anomaly_score_norm, rule_score_norm, final_risk_score,
			risk_level, investigation_priority,
			composite_index, threat_level, confidence_score,
			enforcement_state, hard_stop, fraud_pattern,
			rule_triggers, risk_breakdown, signal_vector, knowledge_signals,
			explanation, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, tenantID, v.ClaimID,
		v.AnomalyScoreNorm, v.RuleScoreNorm, v.FinalRiskScore,
		v.RiskLevel, v.InvestigationPriority,
		v.CompositeIndex, v.ThreatLevel, v.ConfidenceScore,
		v.EnforcementState, hardStop, v.FraudPattern,
		string(triggers), string(breakdown), string(signalVector), string(knowledgeSignals),
		v.Explanation, v.Timestamp,
	)
	return err
}

// GetVerdict retrieves a verdict by its ID with tenant isolation.
func (r *SQLRepository) GetVerdict(ctx context.Context, tenantID string, verdictID string) (*domain.Verdict, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return r.getVerdict(ctx, tenantID, "id = ?", verdictID)
}

// GetVerdictByClaim retrieves the verdict for a claim with tenant isolation.
func (r *SQLRepository) GetVerdictByClaim(ctx context.Context, tenantID string, claimID string) (*domain.Verdict, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return r.getVerdict(ctx, tenantID, "claim_id = ?", claimID)
}

func (r *SQLRepository) getVerdict(ctx context.Context, tenantID string, cond string, arg string) (*domain.Verdict, error) {
	query := `
		SELECT id, tenant_id, claim_id,
			   anomaly_score_norm, rule_score_norm, final_risk_score,
			   risk_level, investigation_priority,
			   composite_index, threat_level, confidence_score,
			   enforcement_state, hard_stop, fraud_pattern,
			   rule_triggers, risk_breakdown, signal_vector, knowledge_signals,
			   explanation, timestamp
		FROM verdicts
		WHERE tenant_id = ? AND ` + cond

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, arg)
	v, err := scanVerdict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// ListVerdicts retrieves verdicts matching the filter, newest first.
func (r *SQLRepository) ListVerdicts(ctx context.Context, tenantID string, filter domain.VerdictFilter) ([]*domain.Verdict, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var conds []string
	args := []any{tenantID}
	if filter.MinScore != nil {
		conds = append(conds, "composite_index >= ?")
		args = append(args, *filter.MinScore)
	}
	if filter.MaxScore != nil {
		conds = append(conds, "composite_index <= ?")
		args = append(args, *filter.MaxScore)
	}
	if filter.RiskLevel != "" {
		conds = append(conds, "threat_level = ?")
		args = append(args, filter.RiskLevel)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, tenant_id, claim_id,
			   anomaly_score_norm, rule_score_norm, final_risk_score,
			   risk_level, investigation_priority,
			   composite_index, threat_level, confidence_score,
			   enforcement_state, hard_stop, fraud_pattern,
			   rule_triggers, risk_breakdown, signal_vector, knowledge_signals,
			   explanation, timestamp
		FROM verdicts
		WHERE tenant_id = ?`
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verdicts []*domain.Verdict
	for rows.Next() {
		v, err := scanVerdict(rows.Scan)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, v)
	}

	return verdicts, rows.Err()
}

func scanVerdict(scan func(...any) error) (*domain.Verdict, error) {
	var v domain.Verdict
	var hardStop int
	var triggers, breakdown, signalVector, knowledgeSignals string

	err := scan(
		&v.ID, &v.TenantID, &v.ClaimID,
		&v.AnomalyScoreNorm, &v.RuleScoreNorm, &v.FinalRiskScore,
		&v.RiskLevel, &v.InvestigationPriority,
		&v.CompositeIndex, &v.ThreatLevel, &v.ConfidenceScore,
		&v.EnforcementState, &hardStop, &v.FraudPattern,
		&triggers, &breakdown, &signalVector, &knowledgeSignals,
		&v.Explanation, &v.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	v.HardStop = hardStop == 1
	json.Unmarshal([]byte(triggers), &v.RuleTriggers)
	json.Unmarshal([]byte(breakdown), &v.RiskBreakdown)
	json.Unmarshal([]byte(signalVector), &v.SignalVector)
	json.Unmarshal([]byte(knowledgeSignals), &v.KnowledgeSignals)

	return &v, nil
}

// HospitalLossReport aggregates the tenant's scored claims per hospital in
// one JOIN: total claims, high-risk claims (composite index at or above
// domain.HighRiskCompositeIndex), total billed amount, and the risk-weighted
// loss SUM(claim_amount * final_risk_score). Ordered by loss descending.
func (r *SQLRepository) HospitalLossReport(ctx context.Context, tenantID string, since time.Time) ([]*domain.HospitalLossSummary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	args := []any{domain.HighRiskCompositeIndex, tenantID}
	query := `
		SELECT c.hospital_id,
			   COUNT(c.id),
			   COALESCE(SUM(CASE WHEN v.composite_index >= ? THEN 1 ELSE 0 END), 0),
			   COALESCE(SUM(c.claim_amount), 0),
			   COALESCE(SUM(c.claim_amount * v.final_risk_score), 0)
		FROM claims c
		JOIN verdicts v ON v.tenant_id = c.tenant_id AND v.claim_id = c.id
		WHERE c.tenant_id = ?`
	if !since.IsZero() {
		query += " AND c.created_at >= ?"
		args = append(args, since)
	}
	query += `
		GROUP BY c.hospital_id
		ORDER BY SUM(c.claim_amount * v.final_risk_score) DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*domain.HospitalLossSummary
	for rows.Next() {
		var s domain.HospitalLossSummary
		if err := rows.Scan(&s.HospitalID, &s.TotalClaims, &s.HighRiskClaims,
			&s.TotalClaimAmount, &s.RiskWeightedLoss); err != nil {
			return nil, err
		}
		s.TotalClaimAmount = round2(s.TotalClaimAmount)
		s.RiskWeightedLoss = round2(s.RiskWeightedLoss)
		if s.TotalClaimAmount > 0 {
			s.FraudExposurePercent = round2(s.RiskWeightedLoss / s.TotalClaimAmount * 100)
		}
		summaries = append(summaries, &s)
	}

	return summaries, rows.Err()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// SaveRuleConfig stores a rule configuration with tenant isolation,
// overwriting any existing row for the same key.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			rule_key, tenant_id, description, expression, threshold, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_key, tenant_id) DO UPDATE SET
			description = excluded.description,
			expression = excluded.expression,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Key, tenantID, rule.Description, rule.Expression,
		rule.Threshold, enabled, now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
// Disabled rules are returned too; the caller decides what enabled means.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleKey string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT rule_key, tenant_id, description, expression, threshold, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND rule_key = ?
	`

	var cfg domain.RuleConfig
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleKey).Scan(
		&cfg.Key, &cfg.TenantID, &cfg.Description, &cfg.Expression, &cfg.Threshold, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// ListRuleConfigs retrieves all rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT rule_key, tenant_id, description, expression, threshold, enabled
		FROM rule_configs
		WHERE tenant_id = ?
		ORDER BY rule_key
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var enabled int
		if err := rows.Scan(
			&cfg.Key, &cfg.TenantID, &cfg.Description, &cfg.Expression, &cfg.Threshold, &enabled,
		); err != nil {
			return nil, err
		}
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// UpdateRuleConfig patches the mutable fields of a rule configuration and
// returns the updated row. Nil patch fields are left unchanged.
func (r *SQLRepository) UpdateRuleConfig(ctx context.Context, tenantID string, ruleKey string, patch domain.RuleConfigPatch) (*domain.RuleConfig, error) {
	cfg, err := r.GetRuleConfig(ctx, tenantID, ruleKey)
	if err != nil {
		return nil, err
	}

	if patch.Threshold != nil {
		cfg.Threshold = *patch.Threshold
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}

	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}

	query := `
		UPDATE rule_configs
		SET threshold = ?, enabled = ?, updated_at = ?
		WHERE tenant_id = ? AND rule_key = ?
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query),
		cfg.Threshold, enabled, time.Now().UTC(), tenantID, ruleKey,
	); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveSystemConfig stores a system configuration entry, overwriting any
// existing row for the same key.
func (r *SQLRepository) SaveSystemConfig(ctx context.Context, tenantID string, cfg *domain.SystemConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO system_configs (config_key, tenant_id, config_value, description, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(config_key, tenant_id) DO UPDATE SET
			config_value = excluded.config_value,
			description = excluded.description,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cfg.Key, tenantID, cfg.Value, cfg.Description, time.Now().UTC(),
	)
	return err
}

// ListSystemConfigs retrieves all system configuration entries for a tenant.
func (r *SQLRepository) ListSystemConfigs(ctx context.Context, tenantID string) ([]*domain.SystemConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT config_key, config_value, description
		FROM system_configs
		WHERE tenant_id = ?
		ORDER BY config_key
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.SystemConfig
	for rows.Next() {
		var cfg domain.SystemConfig
		var description sql.NullString
		if err := rows.Scan(&cfg.Key, &cfg.Value, &description); err != nil {
			return nil, err
		}
		cfg.Description = description.String
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// UpdateSystemConfig sets a system configuration value and returns the
// updated row.
func (r *SQLRepository) UpdateSystemConfig(ctx context.Context, tenantID string, key string, value string) (*domain.SystemConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE system_configs
		SET config_value = ?, updated_at = ?
		WHERE tenant_id = ? AND config_key = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), value, time.Now().UTC(), tenantID, key)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return &domain.SystemConfig{Key: key, Value: value}, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
