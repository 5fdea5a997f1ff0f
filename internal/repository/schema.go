package repository

// Schema definitions for Tillwatch database.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS pos_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    branch_id TEXT NOT NULL,
    pos_device_id TEXT NOT NULL,
    cashier_id TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    received_at TIMESTAMP NOT NULL,
    order_total DOUBLE PRECISION NOT NULL,
    discount_amount DOUBLE PRECISION,
    discount_percent DOUBLE PRECISION,
    reason TEXT NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_pos_events_cashier ON pos_events(cashier_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_pos_events_branch ON pos_events(branch_id, occurred_at);
`

// schemaRules stores every committed rule version. Rows are never updated.
const schemaRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id TEXT NOT NULL,
    version INTEGER NOT NULL,
    name TEXT NOT NULL,
    rule_family TEXT NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL,
    body TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    updated_by TEXT NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_family ON fraud_rules(rule_family);
`

const schemaFlags = `
CREATE TABLE IF NOT EXISTS fraud_flags (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_version INTEGER NOT NULL,
    rule_family TEXT NOT NULL,
    severity TEXT NOT NULL,
    risk_score_contribution INTEGER NOT NULL,
    evidence TEXT NOT NULL,
    status TEXT NOT NULL,
    branch_id TEXT NOT NULL,
    cashier_id TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    event_day TEXT NOT NULL,
    exposure DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    investigated_by TEXT NOT NULL,
    investigation_notes TEXT NOT NULL,
    resolved_at TIMESTAMP,
    UNIQUE (event_id, rule_id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_flags_branch ON fraud_flags(branch_id, created_at);
CREATE INDEX IF NOT EXISTS idx_fraud_flags_cashier ON fraud_flags(cashier_id, created_at);
CREATE INDEX IF NOT EXISTS idx_fraud_flags_status ON fraud_flags(status);
CREATE INDEX IF NOT EXISTS idx_fraud_flags_day ON fraud_flags(event_day, branch_id);
`

const schemaActions = `
CREATE TABLE IF NOT EXISTS fraud_actions (
    id TEXT PRIMARY KEY,
    flag_id TEXT NOT NULL,
    type TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    success INTEGER NOT NULL,
    error TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    response_time_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_actions_flag ON fraud_actions(flag_id, timestamp);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL UNIQUE,
    risk_score INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    matched_rules TEXT NOT NULL,
    flag_ids TEXT NOT NULL,
    rule_errors TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaRules,
		schemaFlags,
		schemaActions,
		schemaEvaluations,
	}
}
