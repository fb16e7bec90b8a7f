package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/flagforge/evalservice/internal/domain"
)

// PostgresRepository implements Repository directly over database/sql,
// deliberately bypassing any ORM: three tables (feature_flags,
// targeting_rules, conditions), rules ordered by an explicit position
// column rather than relying on insertion order.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens and pings a connection pool against dbURL.
func NewPostgresRepository(dbURL string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryFromDB wraps an already-open pool, so callers that
// also need raw *sql.DB access (the metrics aggregator, the health check)
// can share a single pool with the repository instead of opening two.
func NewPostgresRepositoryFromDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

const flagQuery = `
SELECT id, tenant_id, key, name, description, enabled, created_at, updated_at
FROM feature_flags
WHERE tenant_id = $1 AND key = $2`

const rulesQuery = `
SELECT id, flag_id, name, enabled, percentage, position
FROM targeting_rules
WHERE flag_id = $1
ORDER BY position ASC`

const conditionsQuery = `
SELECT id, rule_id, attribute, operator, value
FROM conditions
WHERE rule_id = $1`

// Get loads a flag and its targeting rules (with their conditions),
// rules ordered by position ascending. Returns ErrNotFound if absent.
func (r *PostgresRepository) Get(ctx context.Context, tenant, key string) (*domain.FeatureFlag, error) {
	var f domain.FeatureFlag
	row := r.db.QueryRowContext(ctx, flagQuery, tenant, key)
	if err := row.Scan(&f.ID, &f.TenantID, &f.Key, &f.Name, &f.Description, &f.Enabled, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query flag: %w", err)
	}

	rules, err := r.loadRules(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	f.Rules = rules
	return &f, nil
}

func (r *PostgresRepository) loadRules(ctx context.Context, flagID string) ([]domain.TargetingRule, error) {
	rows, err := r.db.QueryContext(ctx, rulesQuery, flagID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.TargetingRule
	for rows.Next() {
		var rule domain.TargetingRule
		if err := rows.Scan(&rule.ID, &rule.FlagID, &rule.Name, &rule.Enabled, &rule.Percentage, &rule.Position); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}

	for i := range rules {
		conds, err := r.loadConditions(ctx, rules[i].ID)
		if err != nil {
			return nil, err
		}
		rules[i].Conditions = conds
	}
	return rules, nil
}

func (r *PostgresRepository) loadConditions(ctx context.Context, ruleID string) ([]domain.Condition, error) {
	rows, err := r.db.QueryContext(ctx, conditionsQuery, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", err)
	}
	defer rows.Close()

	var conds []domain.Condition
	for rows.Next() {
		var c domain.Condition
		var rawValue []byte
		if err := rows.Scan(&c.ID, &c.RuleID, &c.Attribute, &c.Operator, &rawValue); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		c.Value = decodeConditionValue(rawValue)
		conds = append(conds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conditions: %w", err)
	}
	return conds, nil
}
