package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

const flagColumns = `
	id, event_id, rule_id, rule_version, rule_family, severity,
	risk_score_contribution, evidence, status, branch_id, cashier_id,
	occurred_at, exposure, created_at, updated_at,
	investigated_by, investigation_notes, resolved_at
`

// CreateFlag inserts a flag. A second insert for the same (eventId, ruleId)
// leaves the stored flag untouched and returns it with created=false.
func (r *SQLRepository) CreateFlag(ctx context.Context, flag *domain.FraudFlag) (*domain.FraudFlag, bool, error) {
	evidence, err := json.Marshal(flag.Evidence)
	if err != nil {
		return nil, false, fmt.Errorf("encoding evidence: %w", err)
	}

	query := `
		INSERT INTO fraud_flags (
			id, event_id, rule_id, rule_version, rule_family, severity,
			risk_score_contribution, evidence, status, branch_id, cashier_id,
			occurred_at, event_day, exposure, created_at, updated_at,
			investigated_by, investigation_notes, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		flag.ID, flag.EventID, flag.RuleID, flag.RuleVersion, flag.RuleFamily, string(flag.Severity),
		flag.RiskScoreContribution, string(evidence), string(flag.Status), flag.BranchID, flag.CashierID,
		flag.OccurredAt.UTC(), flag.OccurredAt.UTC().Format(time.DateOnly), flag.Exposure,
		flag.CreatedAt.UTC(), flag.UpdatedAt.UTC(),
		flag.InvestigatedBy, flag.InvestigationNotes, nullTime(flag.ResolvedAt),
	)
	if err != nil {
		return nil, false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		stored := *flag
		return &stored, true, nil
	}

	existing, err := r.getFlagByEventRule(ctx, flag.EventID, flag.RuleID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetFlag retrieves a flag by ID.
func (r *SQLRepository) GetFlag(ctx context.Context, flagID string) (*domain.FraudFlag, error) {
	query := `SELECT ` + flagColumns + ` FROM fraud_flags WHERE id = ?`
	return scanFlag(r.db.QueryRowContext(ctx, r.rebind(query), flagID))
}

func (r *SQLRepository) getFlagByEventRule(ctx context.Context, eventID, ruleID string) (*domain.FraudFlag, error) {
	query := `SELECT ` + flagColumns + ` FROM fraud_flags WHERE event_id = ? AND rule_id = ?`
	return scanFlag(r.db.QueryRowContext(ctx, r.rebind(query), eventID, ruleID))
}

// UpdateFlagStatus is a compare-and-swap on the flag's status.
func (r *SQLRepository) UpdateFlagStatus(ctx context.Context, flag *domain.FraudFlag, expected domain.FlagStatus) error {
	query := `
		UPDATE fraud_flags SET
			status = ?, investigated_by = ?, investigation_notes = ?,
			resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(flag.Status), flag.InvestigatedBy, flag.InvestigationNotes,
		nullTime(flag.ResolvedAt), flag.UpdatedAt.UTC(),
		flag.ID, string(expected),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing flag from a lost race.
	if _, err := r.GetFlag(ctx, flag.ID); err != nil {
		return err
	}
	return domain.ErrConcurrentUpdate
}

// ListFlags returns one page of flags, newest first.
func (r *SQLRepository) ListFlags(ctx context.Context, filter domain.FlagFilter) (*domain.FlagPage, error) {
	filter.Normalize()

	var where []string
	var args []any
	if filter.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, filter.BranchID)
	}
	if filter.CashierID != "" {
		where = append(where, "cashier_id = ?")
		args = append(args, filter.CashierID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.From != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "occurred_at <= ?")
		args = append(args, filter.To.UTC())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM fraud_flags` + clause
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, err
	}

	query := `SELECT ` + flagColumns + ` FROM fraud_flags` + clause +
		` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flags := make([]*domain.FraudFlag, 0, filter.Limit)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &domain.FlagPage{
		Flags:  flags,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// DailyMetrics aggregates flags per event day and branch.
// Exposure excludes flags closed as false positives; prevented loss counts
// only confirmed fraud.
func (r *SQLRepository) DailyMetrics(ctx context.Context, filter domain.MetricsFilter) ([]*domain.DailyMetric, error) {
	var where []string
	var args []any
	if filter.FromDay != "" {
		where = append(where, "event_day >= ?")
		args = append(args, filter.FromDay)
	}
	if filter.ToDay != "" {
		where = append(where, "event_day <= ?")
		args = append(args, filter.ToDay)
	}
	if filter.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, filter.BranchID)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	query := `
		SELECT event_day, branch_id, status, severity, COUNT(*), SUM(exposure)
		FROM fraud_flags` + clause + `
		GROUP BY event_day, branch_id, status, severity
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type dayBranch struct{ day, branch string }
	buckets := make(map[dayBranch]*domain.DailyMetric)

	for rows.Next() {
		var day, branch, status, severity string
		var count int
		var exposure float64
		if err := rows.Scan(&day, &branch, &status, &severity, &count, &exposure); err != nil {
			return nil, err
		}

		key := dayBranch{day, branch}
		m, ok := buckets[key]
		if !ok {
			m = &domain.DailyMetric{
				Day:        day,
				BranchID:   branch,
				ByStatus:   make(map[domain.FlagStatus]int),
				BySeverity: make(map[domain.Severity]int),
			}
			buckets[key] = m
		}

		st := domain.FlagStatus(status)
		m.FlagsTotal += count
		m.ByStatus[st] += count
		m.BySeverity[domain.Severity(severity)] += count
		if st != domain.FlagFalsePositive {
			m.Exposure += exposure
		}
		if st == domain.FlagConfirmedFraud {
			m.PreventedLoss += exposure
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	metrics := make([]*domain.DailyMetric, 0, len(buckets))
	for _, m := range buckets {
		metrics = append(metrics, m)
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Day != metrics[j].Day {
			return metrics[i].Day < metrics[j].Day
		}
		return metrics[i].BranchID < metrics[j].BranchID
	})

	return metrics, nil
}

// SaveActions records action outcomes in a single transaction.
func (r *SQLRepository) SaveActions(ctx context.Context, actions []domain.FraudAction) error {
	if len(actions) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.rebind(`
		INSERT INTO fraud_actions (
			id, flag_id, type, timestamp, success, error, attempts, response_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, query,
			uuid.New().String(), a.FlagID, a.Type, a.Timestamp.UTC(),
			boolInt(a.Success), a.Error, a.Attempts, a.ResponseTimeMs,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListActions returns a flag's action history, oldest first.
func (r *SQLRepository) ListActions(ctx context.Context, flagID string) ([]domain.FraudAction, error) {
	query := `
		SELECT flag_id, type, timestamp, success, error, attempts, response_time_ms
		FROM fraud_actions
		WHERE flag_id = ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), flagID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.FraudAction
	for rows.Next() {
		var a domain.FraudAction
		var success int
		if err := rows.Scan(&a.FlagID, &a.Type, &a.Timestamp, &success, &a.Error, &a.Attempts, &a.ResponseTimeMs); err != nil {
			return nil, err
		}
		a.Success = success == 1
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (*domain.FraudFlag, error) {
	var f domain.FraudFlag
	var severity, status, evidence string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&f.ID, &f.EventID, &f.RuleID, &f.RuleVersion, &f.RuleFamily, &severity,
		&f.RiskScoreContribution, &evidence, &status, &f.BranchID, &f.CashierID,
		&f.OccurredAt, &f.Exposure, &f.CreatedAt, &f.UpdatedAt,
		&f.InvestigatedBy, &f.InvestigationNotes, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFlagNotFound
	}
	if err != nil {
		return nil, err
	}

	f.Severity = domain.Severity(severity)
	f.Status = domain.FlagStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		f.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
		return nil, fmt.Errorf("failed to parse evidence: %w", err)
	}

	return &f, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
