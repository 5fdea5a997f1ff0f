// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
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
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
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
	if cfg.ConnMaxLifetimeMs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMs) * time.Millisecond)
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
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying pool for health and stats collection.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// SaveEvent stores a normalized event. Saving an existing eventId is a no-op.
func (r *SQLRepository) SaveEvent(ctx context.Context, ev *domain.POSEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("%w: eventId is required", ErrInvalidInput)
	}

	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	query := `
		INSERT INTO pos_events (
			event_id, event_type, branch_id, pos_device_id, cashier_id,
			occurred_at, received_at, order_total, discount_amount, discount_percent,
			reason, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ev.EventID, string(ev.EventType), ev.BranchID, ev.PosDeviceID, ev.CashierID,
		ev.OccurredAt.UTC(), ev.ReceivedAt.UTC(), ev.OrderTotal,
		nullFloat(ev.DiscountAmount), nullFloat(ev.DiscountPercent),
		ev.Reason, string(metadata),
	)
	return err
}

// GetEvent retrieves an event by ID.
func (r *SQLRepository) GetEvent(ctx context.Context, eventID string) (*domain.POSEvent, error) {
	query := `
		SELECT event_id, event_type, branch_id, pos_device_id, cashier_id,
			   occurred_at, received_at, order_total, discount_amount, discount_percent,
			   reason, metadata
		FROM pos_events
		WHERE event_id = ?
	`

	var ev domain.POSEvent
	var eventType string
	var discountAmount, discountPercent sql.NullFloat64
	var metadata sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), eventID).Scan(
		&ev.EventID, &eventType, &ev.BranchID, &ev.PosDeviceID, &ev.CashierID,
		&ev.OccurredAt, &ev.ReceivedAt, &ev.OrderTotal, &discountAmount, &discountPercent,
		&ev.Reason, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev.EventType = domain.EventType(eventType)
	if discountAmount.Valid {
		ev.DiscountAmount = &discountAmount.Float64
	}
	if discountPercent.Valid {
		ev.DiscountPercent = &discountPercent.Float64
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse event metadata: %w", err)
		}
	}

	return &ev, nil
}

// SaveEvaluation stores the evaluation of an event, replacing any earlier
// evaluation of the same event.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	matched, _ := json.Marshal(eval.MatchedRules)
	flagIDs, _ := json.Marshal(eval.FlagIDs)
	ruleErrors, _ := json.Marshal(eval.RuleErrors)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, event_id, risk_score, skipped, timestamp,
			matched_rules, flag_ids, rule_errors, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			id = excluded.id,
			risk_score = excluded.risk_score,
			skipped = excluded.skipped,
			timestamp = excluded.timestamp,
			matched_rules = excluded.matched_rules,
			flag_ids = excluded.flag_ids,
			rule_errors = excluded.rule_errors,
			metadata = excluded.metadata
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.EventID, eval.RiskScore, boolInt(eval.Skipped), eval.Timestamp.UTC(),
		string(matched), string(flagIDs), string(ruleErrors), string(metadata),
	)
	return err
}

// GetEvaluationByEvent retrieves the latest evaluation of an event.
func (r *SQLRepository) GetEvaluationByEvent(ctx context.Context, eventID string) (*domain.Evaluation, error) {
	query := `
		SELECT id, event_id, risk_score, skipped, timestamp,
			   matched_rules, flag_ids, rule_errors, metadata
		FROM evaluations
		WHERE event_id = ?
	`

	var eval domain.Evaluation
	var skipped int
	var matched, flagIDs, metadata string
	var ruleErrors sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), eventID).Scan(
		&eval.ID, &eval.EventID, &eval.RiskScore, &skipped, &eval.Timestamp,
		&matched, &flagIDs, &ruleErrors, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	eval.Skipped = skipped == 1
	json.Unmarshal([]byte(matched), &eval.MatchedRules)
	json.Unmarshal([]byte(flagIDs), &eval.FlagIDs)
	if ruleErrors.Valid {
		json.Unmarshal([]byte(ruleErrors.String), &eval.RuleErrors)
	}
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
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

	// Convert ? to $1, $2, etc.
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
