package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by the risk_rules table
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `rule_code, category, name, description, impact_type, impact_value,
	condition_config, evaluation_order, enabled, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r          Rule
		category   string
		impactType string
		condition  []byte
	)
	if err := row.Scan(&r.Code, &category, &r.Name, &r.Description, &impactType, &r.ImpactValue,
		&condition, &r.EvaluationOrder, &r.Enabled, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Category = Category(category)
	r.ImpactType = ImpactType(impactType)

	var cfg ConditionConfig
	if err := json.Unmarshal(condition, &cfg); err != nil {
		return nil, fmt.Errorf("rule %s: invalid condition_config: %w", r.Code, err)
	}
	r.Condition = cfg.Build()
	return &r, nil
}

// Add inserts a new rule
func (s *PostgresRuleStore) Add(rule *Rule) error {
	condition, err := json.Marshal(ConfigOf(rule.Condition))
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}

	now := time.Now()
	result, err := s.db.Exec(`
		INSERT INTO risk_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (rule_code) DO NOTHING
	`, rule.Code, string(rule.Category), rule.Name, rule.Description, string(rule.ImpactType),
		rule.ImpactValue, condition, rule.EvaluationOrder, rule.Enabled, rule.Version, now)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.Code, ErrRuleExists)
	}

	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

// Get retrieves a rule by code
func (s *PostgresRuleStore) Get(code string) (*Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM risk_rules WHERE rule_code = $1`, code)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", code, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(`SELECT ` + ruleColumns + ` FROM risk_rules ORDER BY evaluation_order ASC, rule_code ASC`)
}

// ListEnabled returns enabled rules in evaluation order
func (s *PostgresRuleStore) ListEnabled() ([]*Rule, error) {
	return s.query(`SELECT ` + ruleColumns + ` FROM risk_rules WHERE enabled = true ORDER BY evaluation_order ASC, rule_code ASC`)
}

func (s *PostgresRuleStore) query(q string) ([]*Rule, error) {
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(rule *Rule) error {
	condition, err := json.Marshal(ConfigOf(rule.Condition))
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}

	rule.UpdatedAt = time.Now()

	err = s.db.QueryRow(`
		UPDATE risk_rules
		SET category = $1, name = $2, description = $3, impact_type = $4, impact_value = $5,
			condition_config = $6, evaluation_order = $7, enabled = $8, version = $9, updated_at = $10
		WHERE rule_code = $11
		RETURNING created_at
	`, string(rule.Category), rule.Name, rule.Description, string(rule.ImpactType), rule.ImpactValue,
		condition, rule.EvaluationOrder, rule.Enabled, rule.Version, rule.UpdatedAt, rule.Code).Scan(&rule.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.Code, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return nil
}

// Delete removes a rule
func (s *PostgresRuleStore) Delete(code string) error {
	result, err := s.db.Exec(`DELETE FROM risk_rules WHERE rule_code = $1`, code)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", code, ErrRuleNotFound)
	}

	return nil
}
