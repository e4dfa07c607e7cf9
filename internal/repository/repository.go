// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string

	seqMu   sync.Mutex
	lastSeq int64
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		db, err = openSQLite(cfg)
		cfg.Driver = "sqlite"
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

var _ domain.Repository = (*SQLRepository)(nil)

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// nextSeq returns a strictly increasing nanosecond stamp for insertion order.
func (r *SQLRepository) nextSeq() int64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= r.lastSeq {
		seq = r.lastSeq + 1
	}
	r.lastSeq = seq
	return seq
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveTransaction stores a transaction under the entity it belongs to.
func (r *SQLRepository) SaveTransaction(ctx context.Context, entityID string, tx *domain.Transaction) error {
	if entityID == "" || tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: entityID and transaction id are required", ErrInvalidInput)
	}

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (
			id, entity_id, merchant_id, amount_cents, currency, country_code,
			direction, device_fingerprint, ip_address, transaction_url, account_ref,
			ts_ns, created_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, entityID, tx.MerchantID, tx.AmountCents, tx.Currency, tx.CountryCode,
		string(tx.Direction), tx.DeviceFingerprint, tx.IPAddress, tx.TransactionURL, tx.AccountRef,
		tx.Timestamp.UnixNano(), createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	return nil
}

const transactionColumns = `
	id, merchant_id, amount_cents, currency, country_code, direction,
	device_fingerprint, ip_address, transaction_url, account_ref, ts_ns, created_ns
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var direction string
	var ts, created int64
	if err := s.Scan(
		&tx.ID, &tx.MerchantID, &tx.AmountCents, &tx.Currency, &tx.CountryCode, &direction,
		&tx.DeviceFingerprint, &tx.IPAddress, &tx.TransactionURL, &tx.AccountRef, &ts, &created,
	); err != nil {
		return nil, err
	}
	tx.Direction = domain.Direction(direction)
	tx.Timestamp = fromNanos(ts)
	tx.CreatedAt = fromNanos(created)
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", txID, err)
	}
	return tx, nil
}

// TransactionsBetween returns the entity's transactions with timestamps in
// [start, end), oldest first.
func (r *SQLRepository) TransactionsBetween(ctx context.Context, entityID string, start, end time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE entity_id = ? AND ts_ns >= ? AND ts_ns < ?
		ORDER BY ts_ns, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", entityID, err)
	}
	defer rows.Close()

	txs := []*domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// EntitiesByDevice returns the entities that transacted with the device.
func (r *SQLRepository) EntitiesByDevice(ctx context.Context, fingerprint string) ([]string, error) {
	return r.entitiesBy(ctx, "device_fingerprint", fingerprint)
}

// EntitiesByIP returns the entities that transacted from the IP address.
func (r *SQLRepository) EntitiesByIP(ctx context.Context, ip string) ([]string, error) {
	return r.entitiesBy(ctx, "ip_address", ip)
}

// entitiesBy is only called with fixed column names.
func (r *SQLRepository) entitiesBy(ctx context.Context, column, value string) ([]string, error) {
	if value == "" {
		return []string{}, nil
	}

	query := `SELECT DISTINCT entity_id FROM transactions WHERE ` + column + ` = ? ORDER BY entity_id`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), value)
	if err != nil {
		return nil, fmt.Errorf("entities by %s: %w", column, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveEntity creates or updates an entity.
func (r *SQLRepository) SaveEntity(ctx context.Context, e *domain.Entity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}

	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `
		INSERT INTO entities (id, name, status, website, risk_level, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			website = excluded.website,
			risk_level = excluded.risk_level,
			updated_ns = excluded.updated_ns
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.Name, string(e.Status), e.Website, string(e.RiskLevel), updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save entity %s: %w", e.ID, err)
	}
	return nil
}

// GetEntity retrieves an entity by ID.
func (r *SQLRepository) GetEntity(ctx context.Context, entityID string) (*domain.Entity, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entityID is required", ErrInvalidInput)
	}

	query := `SELECT id, name, status, website, risk_level, updated_ns FROM entities WHERE id = ?`

	var e domain.Entity
	var status, risk string
	var updated int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), entityID).Scan(
		&e.ID, &e.Name, &status, &e.Website, &risk, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", entityID, err)
	}

	e.Status = domain.EntityStatus(status)
	e.RiskLevel = domain.RiskLevel(risk)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

// EntityStatus implements domain.EntityStatusLookup.
func (r *SQLRepository) EntityStatus(ctx context.Context, entityID string) (domain.EntityStatus, bool, error) {
	e, err := r.GetEntity(ctx, entityID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Status, true, nil
}

// SaveRuleDefinition creates or replaces a rule by name. A replaced rule
// keeps its original declaration position.
func (r *SQLRepository) SaveRuleDefinition(ctx context.Context, def *domain.RuleDefinition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidInput)
	}

	conditions, err := json.Marshal(def.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions for %s: %w", def.Name, err)
	}
	actions, err := json.Marshal(def.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions for %s: %w", def.Name, err)
	}

	seq := r.nextSeq()
	query := `
		INSERT INTO rule_definitions (
			name, description, version, conditions, actions, reason, priority, enabled, declared_ns, updated_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			version = excluded.version,
			conditions = excluded.conditions,
			actions = excluded.actions,
			reason = excluded.reason,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_ns = excluded.updated_ns
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		def.Name, def.Description, def.Version, string(conditions), string(actions),
		def.Reason, def.Priority, boolInt(def.Enabled), seq, seq,
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", def.Name, err)
	}
	return nil
}

// ListRuleDefinitions returns every stored rule, enabled or not, in
// declaration order.
func (r *SQLRepository) ListRuleDefinitions(ctx context.Context) ([]*domain.RuleDefinition, error) {
	query := `
		SELECT name, description, version, conditions, actions, reason, priority, enabled
		FROM rule_definitions
		ORDER BY declared_ns
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	defs := []*domain.RuleDefinition{}
	for rows.Next() {
		var def domain.RuleDefinition
		var conditions, actions string
		var enabled int

		if err := rows.Scan(
			&def.Name, &def.Description, &def.Version, &conditions, &actions,
			&def.Reason, &def.Priority, &enabled,
		); err != nil {
			return nil, err
		}

		def.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(conditions), &def.Conditions); err != nil {
			return nil, fmt.Errorf("failed to parse conditions for %s: %w", def.Name, err)
		}
		if err := json.Unmarshal([]byte(actions), &def.Actions); err != nil {
			return nil, fmt.Errorf("failed to parse actions for %s: %w", def.Name, err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// SaveVelocityRule creates or replaces a velocity rule by name.
func (r *SQLRepository) SaveVelocityRule(ctx context.Context, rule *domain.VelocityRule) error {
	if rule == nil || rule.Name == "" {
		return fmt.Errorf("%w: velocity rule name is required", ErrInvalidInput)
	}
	if rule.Window <= 0 {
		return fmt.Errorf("%w: velocity rule %s needs a positive window", ErrInvalidInput, rule.Name)
	}

	scope := rule.Scope
	if scope == "" {
		scope = domain.ScopeEntity
	}
	status := rule.Status
	if status == "" {
		status = domain.VelocityRuleActive
	}

	query := `
		INSERT INTO velocity_rules (
			name, description, scope, window_ns, max_count, max_amount_cents, risk_level, status, updated_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			scope = excluded.scope,
			window_ns = excluded.window_ns,
			max_count = excluded.max_count,
			max_amount_cents = excluded.max_amount_cents,
			risk_level = excluded.risk_level,
			status = excluded.status,
			updated_ns = excluded.updated_ns
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Name, rule.Description, string(scope), int64(rule.Window), rule.MaxCount,
		rule.MaxAmountCents, string(rule.RiskLevel), status, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save velocity rule %s: %w", rule.Name, err)
	}
	return nil
}

// ListVelocityRules returns every stored velocity rule ordered by name.
func (r *SQLRepository) ListVelocityRules(ctx context.Context) ([]*domain.VelocityRule, error) {
	query := `
		SELECT name, description, scope, window_ns, max_count, max_amount_cents, risk_level, status
		FROM velocity_rules
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list velocity rules: %w", err)
	}
	defer rows.Close()

	out := []*domain.VelocityRule{}
	for rows.Next() {
		var rule domain.VelocityRule
		var scope, risk string
		var window int64
		if err := rows.Scan(
			&rule.Name, &rule.Description, &scope, &window, &rule.MaxCount,
			&rule.MaxAmountCents, &risk, &rule.Status,
		); err != nil {
			return nil, err
		}
		rule.Scope = domain.VelocityScope(scope)
		rule.RiskLevel = domain.RiskLevel(risk)
		rule.Window = time.Duration(window)
		out = append(out, &rule)
	}
	return out, rows.Err()
}

// SavePlan records the billing plan of a caller.
func (r *SQLRepository) SavePlan(ctx context.Context, pspCode, plan string) error {
	if pspCode == "" {
		return fmt.Errorf("%w: pspCode is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO psp_plans (psp_code, plan, updated_ns) VALUES (?, ?, ?)
		ON CONFLICT(psp_code) DO UPDATE SET
			plan = excluded.plan,
			updated_ns = excluded.updated_ns
	`
	if _, err := r.db.ExecContext(ctx, r.rebind(query), pspCode, plan, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("save plan for %s: %w", pspCode, err)
	}
	return nil
}

// PlanFor implements domain.PlanLookup. Unknown callers have no plan.
func (r *SQLRepository) PlanFor(ctx context.Context, pspCode string) (string, error) {
	var plan string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT plan FROM psp_plans WHERE psp_code = ?`), pspCode).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("plan for %s: %w", pspCode, err)
	}
	return plan, nil
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

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
