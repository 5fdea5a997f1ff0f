package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// SaveRuleVersion appends one immutable rule version.
func (r *SQLRepository) SaveRuleVersion(ctx context.Context, rule *domain.FraudRule) error {
	if rule == nil || rule.ID == "" || rule.Version <= 0 {
		return fmt.Errorf("%w: rule id and version are required", ErrInvalidInput)
	}

	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encoding rule: %w", err)
	}

	query := `
		INSERT INTO fraud_rules (
			id, version, name, rule_family, severity, enabled, body,
			created_at, updated_at, updated_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Version, rule.Name, rule.RuleFamily, string(rule.Severity),
		boolInt(rule.Enabled), string(body),
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(), rule.UpdatedBy,
	)
	return err
}

// ListRuleVersions returns every stored version of a rule, oldest first.
func (r *SQLRepository) ListRuleVersions(ctx context.Context, ruleID string) ([]*domain.FraudRule, error) {
	query := `
		SELECT body FROM fraud_rules
		WHERE id = ?
		ORDER BY version ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRules(rows)
}

// ListLatestRules returns the newest version of every rule.
func (r *SQLRepository) ListLatestRules(ctx context.Context) ([]*domain.FraudRule, error) {
	query := `
		SELECT r.body FROM fraud_rules r
		JOIN (
			SELECT id, MAX(version) AS version FROM fraud_rules GROUP BY id
		) latest ON latest.id = r.id AND latest.version = r.version
		ORDER BY r.created_at ASC, r.id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]*domain.FraudRule, error) {
	var rules []*domain.FraudRule
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}

		var rule domain.FraudRule
		if err := json.Unmarshal([]byte(body), &rule); err != nil {
			return nil, fmt.Errorf("failed to parse rule body: %w", err)
		}
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}
