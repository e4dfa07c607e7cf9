package repository

// Schema definitions for the Kestrel database. Compatible with both SQLite
// and PostgreSQL. Instants used in range queries are stored as unix
// nanoseconds so comparisons behave the same on both drivers.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    amount_cents BIGINT NOT NULL,
    currency TEXT NOT NULL,
    country_code TEXT NOT NULL,
    direction TEXT NOT NULL,
    device_fingerprint TEXT NOT NULL,
    ip_address TEXT NOT NULL,
    transaction_url TEXT NOT NULL,
    account_ref TEXT NOT NULL DEFAULT '',
    ts_ns BIGINT NOT NULL,
    created_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_entity_ts ON transactions(entity_id, ts_ns);
CREATE INDEX IF NOT EXISTS idx_transactions_device ON transactions(device_fingerprint);
CREATE INDEX IF NOT EXISTS idx_transactions_ip ON transactions(ip_address);
`

const schemaEntities = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    website TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    updated_ns BIGINT NOT NULL
);
`

// Rule definitions keep their first insertion position so that equal
// priorities evaluate in declaration order.
const schemaRuleDefinitions = `
CREATE TABLE IF NOT EXISTS rule_definitions (
    name TEXT PRIMARY KEY,
    description TEXT NOT NULL,
    version TEXT NOT NULL,
    conditions TEXT NOT NULL,
    actions TEXT NOT NULL,
    reason TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    declared_ns BIGINT NOT NULL,
    updated_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_definitions_declared ON rule_definitions(declared_ns);
`

const schemaVelocityRules = `
CREATE TABLE IF NOT EXISTS velocity_rules (
    name TEXT PRIMARY KEY,
    description TEXT NOT NULL,
    scope TEXT NOT NULL,
    window_ns BIGINT NOT NULL,
    max_count BIGINT NOT NULL,
    max_amount_cents BIGINT NOT NULL,
    risk_level TEXT NOT NULL,
    status TEXT NOT NULL,
    updated_ns BIGINT NOT NULL
);
`

const schemaPlans = `
CREATE TABLE IF NOT EXISTS psp_plans (
    psp_code TEXT PRIMARY KEY,
    plan TEXT NOT NULL,
    updated_ns BIGINT NOT NULL
);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    sar_required INTEGER NOT NULL,
    ctr_required INTEGER NOT NULL,
    evaluated_ns BIGINT NOT NULL,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_tx ON decisions(tx_id);
CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(entity_id, evaluated_ns);
CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome);
`

const schemaDetections = `
CREATE TABLE IF NOT EXISTS detections (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    window_start_ns BIGINT NOT NULL,
    window_end_ns BIGINT NOT NULL,
    detected_ns BIGINT NOT NULL,
    explanation TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_entity ON detections(entity_id, detected_ns);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaEntities,
		schemaRuleDefinitions,
		schemaVelocityRules,
		schemaPlans,
		schemaDecisions,
		schemaDetections,
	}
}
