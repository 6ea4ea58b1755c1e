// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Claim operations. ListClaims returns the tenant's full historical
	// claim set in insertion order; it is the feature-computation context.
	SaveClaim(ctx context.Context, tenantID string, claim *Claim) error
	GetClaim(ctx context.Context, tenantID string, claimID string) (*Claim, error)
	ListClaims(ctx context.Context, tenantID string) ([]*Claim, error)

	// Verdict operations. Verdicts are write-once.
	SaveVerdict(ctx context.Context, tenantID string, verdict *Verdict) error
	GetVerdict(ctx context.Context, tenantID string, verdictID string) (*Verdict, error)
	GetVerdictByClaim(ctx context.Context, tenantID string, claimID string) (*Verdict, error)
	ListVerdicts(ctx context.Context, tenantID string, filter VerdictFilter) ([]*Verdict, error)

	// Analytics. HospitalLossReport aggregates scored claims per hospital;
	// a zero since covers the tenant's full history.
	HospitalLossReport(ctx context.Context, tenantID string, since time.Time) ([]*HospitalLossSummary, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleKey string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)
	UpdateRuleConfig(ctx context.Context, tenantID string, ruleKey string, patch RuleConfigPatch) (*RuleConfig, error)

	// System configuration (threat band boundaries)
	SaveSystemConfig(ctx context.Context, tenantID string, cfg *SystemConfig) error
	ListSystemConfigs(ctx context.Context, tenantID string) ([]*SystemConfig, error)
	UpdateSystemConfig(ctx context.Context, tenantID string, key string, value string) (*SystemConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RuleConfigPatch carries the mutable subset of a rule configuration.
// Nil fields are left unchanged.
type RuleConfigPatch struct {
	Threshold *float64 `json:"thresholdValue,omitempty"`
	Enabled   *bool    `json:"isEnabled,omitempty"`
}

// VerdictFilter narrows ListVerdicts results for the dataset explorer.
type VerdictFilter struct {
	// MinScore/MaxScore bound the composite index; nil means unbounded.
	MinScore *int
	MaxScore *int

	// RiskLevel filters on threat level when set (LOW/MEDIUM/HIGH/CRITICAL).
	RiskLevel string

	// Limit caps the result set; 0 means the repository default.
	Limit int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
