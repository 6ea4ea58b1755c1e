package repository

// Schema definitions for Kestrel.
// Compatible with both SQLite and PostgreSQL except where noted.

// The claims table carries a monotonically increasing seq column: it is
// the insertion order that feature computation uses to break admission-date
// ties, so the auto-increment syntax is driver specific.

const schemaClaimsSQLite = `
CREATE TABLE IF NOT EXISTS claims (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    hospital_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    procedure_code TEXT NOT NULL,
    package_rate REAL NOT NULL,
    claim_amount REAL NOT NULL,
    admission_date TIMESTAMP NOT NULL,
    discharge_date TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    is_inpatient INTEGER NOT NULL DEFAULT 0,
    UNIQUE (tenant_id, id)
);
`

const schemaClaimsPostgres = `
CREATE TABLE IF NOT EXISTS claims (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    hospital_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    procedure_code TEXT NOT NULL,
    package_rate REAL NOT NULL,
    claim_amount REAL NOT NULL,
    admission_date TIMESTAMP NOT NULL,
    discharge_date TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    is_inpatient INTEGER NOT NULL DEFAULT 0,
    UNIQUE (tenant_id, id)
);
`

const schemaClaimsIndexes = `
CREATE INDEX IF NOT EXISTS idx_claims_tenant ON claims(tenant_id);
CREATE INDEX IF NOT EXISTS idx_claims_patient ON claims(tenant_id, patient_id);
CREATE INDEX IF NOT EXISTS idx_claims_hospital ON claims(tenant_id, hospital_id);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    anomaly_score_norm REAL NOT NULL,
    rule_score_norm REAL NOT NULL,
    final_risk_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    investigation_priority TEXT NOT NULL,
    composite_index INTEGER NOT NULL,
    threat_level TEXT NOT NULL,
    confidence_score INTEGER NOT NULL,
    enforcement_state TEXT NOT NULL,
    hard_stop INTEGER NOT NULL DEFAULT 0,
    fraud_pattern TEXT NOT NULL,
    rule_triggers TEXT NOT NULL,
    risk_breakdown TEXT NOT NULL,
    signal_vector TEXT NOT NULL,
    knowledge_signals TEXT NOT NULL,
    explanation TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, claim_id)
);

CREATE INDEX IF NOT EXISTS idx_verdicts_tenant ON verdicts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_claim ON verdicts(tenant_id, claim_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_threat ON verdicts(tenant_id, threat_level);
CREATE INDEX IF NOT EXISTS idx_verdicts_index ON verdicts(tenant_id, composite_index);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    rule_key TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    threshold REAL NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (rule_key, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
`

const schemaSystemConfigs = `
CREATE TABLE IF NOT EXISTS system_configs (
    config_key TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    config_value TEXT NOT NULL,
    description TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (config_key, tenant_id)
);
`

// AllSchemas returns all schema statements for the driver, in order.
func AllSchemas(driver string) []string {
	claims := schemaClaimsSQLite
	if driver == "postgres" {
		claims = schemaClaimsPostgres
	}
	return []string{
		claims,
		schemaClaimsIndexes,
		schemaVerdicts,
		schemaRuleConfigs,
		schemaSystemConfigs,
	}
}
