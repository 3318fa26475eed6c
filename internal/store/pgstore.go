package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trialgrid/crfengine/model"
)

// PgStore is a PostgreSQL-backed store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the store's tables if they do not exist. Called
// explicitly at startup; no statement here runs on the request path.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS validation_rules (
			id BIGSERIAL PRIMARY KEY,
			form_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rule_type TEXT NOT NULL,
			field_path TEXT NOT NULL,
			severity TEXT NOT NULL,
			error_message TEXT NOT NULL,
			warning_message TEXT NOT NULL DEFAULT '',
			min_value DOUBLE PRECISION,
			max_value DOUBLE PRECISION,
			pattern TEXT NOT NULL DEFAULT '',
			operator TEXT NOT NULL DEFAULT '',
			compare_field_path TEXT NOT NULL DEFAULT '',
			custom_expression TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			item_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_validation_rules_form
			ON validation_rules (form_id)`,
		`CREATE TABLE IF NOT EXISTS item_metadata (
			item_id TEXT PRIMARY KEY,
			form_id TEXT NOT NULL,
			field_path TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			mandatory BOOLEAN NOT NULL DEFAULT FALSE,
			min_value DOUBLE PRECISION,
			max_value DOUBLE PRECISION,
			pattern TEXT NOT NULL DEFAULT '',
			ordinal BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_item_metadata_form
			ON item_metadata (form_id)`,
		`CREATE TABLE IF NOT EXISTS native_rules (
			id BIGINT PRIMARY KEY,
			form_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL,
			expression TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS native_rule_actions (
			rule_id BIGINT NOT NULL REFERENCES native_rules (id),
			action_type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_configs (
			form_id TEXT PRIMARY KEY,
			study_id TEXT NOT NULL DEFAULT '',
			requires_sdv BOOLEAN NOT NULL DEFAULT FALSE,
			requires_signature BOOLEAN NOT NULL DEFAULT FALSE,
			requires_dde BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS form_instances (
			id TEXT PRIMARY KEY,
			form_id TEXT NOT NULL,
			completion_status BOOLEAN NOT NULL DEFAULT FALSE,
			double_entry_status BOOLEAN NOT NULL DEFAULT FALSE,
			sdv_status BOOLEAN NOT NULL DEFAULT FALSE,
			signature_status BOOLEAN NOT NULL DEFAULT FALSE,
			lock_status BOOLEAN NOT NULL DEFAULT FALSE,
			locked_by TEXT NOT NULL DEFAULT '',
			locked_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS discrepancy_notes (
			id TEXT PRIMARY KEY,
			form_instance_id TEXT NOT NULL,
			field_path TEXT NOT NULL,
			message TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancy_notes_instance
			ON discrepancy_notes (form_instance_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const ruleColumns = `id, form_id, name, description, rule_type, field_path,
	severity, error_message, warning_message, min_value, max_value,
	pattern, operator, compare_field_path, custom_expression, active, item_id`

// LoadCustomRules returns the custom rules for a form, ordered by id.
func (s *PgStore) LoadCustomRules(ctx context.Context, formID string) ([]model.ValidationRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM validation_rules
		WHERE form_id = $1
		ORDER BY id ASC`,
		formID,
	)
	if err != nil {
		return nil, fmt.Errorf("query custom rules: %w", err)
	}
	defer rows.Close()

	var rules []model.ValidationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// LoadItemMetadataRules projects validation rules from the form's item
// metadata rows.
func (s *PgStore) LoadItemMetadataRules(ctx context.Context, formID string) ([]model.ValidationRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, form_id, field_path, label, mandatory,
		       min_value, max_value, pattern, ordinal
		FROM item_metadata
		WHERE form_id = $1
		ORDER BY ordinal ASC, item_id ASC`,
		formID,
	)
	if err != nil {
		return nil, fmt.Errorf("query item metadata: %w", err)
	}
	defer rows.Close()

	var rules []model.ValidationRule
	for rows.Next() {
		var item ItemMetadata
		var ordinal int64
		if err := rows.Scan(
			&item.ItemID, &item.FormID, &item.FieldPath, &item.Label,
			&item.Mandatory, &item.MinValue, &item.MaxValue, &item.Pattern,
			&ordinal,
		); err != nil {
			return nil, fmt.Errorf("scan item metadata: %w", err)
		}
		rules = append(rules, ProjectItemRules(item, ordinal)...)
	}
	return rules, rows.Err()
}

// LoadNativeRules returns the form's native rule rows joined with their
// actions. A rule with several actions yields one row per action.
func (s *PgStore) LoadNativeRules(ctx context.Context, formID string) ([]model.NativeRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.form_id, r.name, r.target, r.expression,
		       a.action_type, a.message
		FROM native_rules r
		JOIN native_rule_actions a ON a.rule_id = r.id
		WHERE r.form_id = $1
		ORDER BY r.id ASC`,
		formID,
	)
	if err != nil {
		return nil, fmt.Errorf("query native rules: %w", err)
	}
	defer rows.Close()

	var rules []model.NativeRule
	for rows.Next() {
		var n model.NativeRule
		if err := rows.Scan(
			&n.ID, &n.FormID, &n.Name, &n.Target, &n.Expression,
			&n.ActionType, &n.Message,
		); err != nil {
			return nil, fmt.Errorf("scan native rule: %w", err)
		}
		rules = append(rules, n)
	}
	return rules, rows.Err()
}

// CreateRule inserts a new custom rule and returns it with its assigned
// id.
func (s *PgStore) CreateRule(ctx context.Context, rule model.ValidationRule) (model.ValidationRule, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO validation_rules (
			form_id, name, description, rule_type, field_path,
			severity, error_message, warning_message, min_value, max_value,
			pattern, operator, compare_field_path, custom_expression, active, item_id
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		) RETURNING id`,
		rule.FormID, rule.Name, rule.Description, rule.Kind, rule.FieldPath,
		rule.Severity, rule.ErrorMessage, rule.WarningMessage, rule.MinValue, rule.MaxValue,
		rule.Pattern, rule.Operator, rule.CompareFieldPath, rule.CustomExpression, rule.Active, rule.ItemID,
	).Scan(&rule.ID)
	if err != nil {
		return model.ValidationRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return rule, nil
}

// UpdateRule replaces an existing custom rule.
func (s *PgStore) UpdateRule(ctx context.Context, rule model.ValidationRule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE validation_rules SET
			form_id = $1, name = $2, description = $3, rule_type = $4,
			field_path = $5, severity = $6, error_message = $7,
			warning_message = $8, min_value = $9, max_value = $10,
			pattern = $11, operator = $12, compare_field_path = $13,
			custom_expression = $14, active = $15, item_id = $16,
			updated_at = now()
		WHERE id = $17`,
		rule.FormID, rule.Name, rule.Description, rule.Kind,
		rule.FieldPath, rule.Severity, rule.ErrorMessage,
		rule.WarningMessage, rule.MinValue, rule.MaxValue,
		rule.Pattern, rule.Operator, rule.CompareFieldPath,
		rule.CustomExpression, rule.Active, rule.ItemID,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("rule %d not found", rule.ID))
	}
	return nil
}

// DeleteRule removes a custom rule.
func (s *PgStore) DeleteRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM validation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("rule %d not found", id))
	}
	return nil
}

// ToggleRule flips a custom rule's active flag.
func (s *PgStore) ToggleRule(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE validation_rules SET active = $1, updated_at = now()
		WHERE id = $2`,
		active, id,
	)
	if err != nil {
		return fmt.Errorf("toggle rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("rule %d not found", id))
	}
	return nil
}

// ReadLifecycleFlags returns the stored flags for a form instance.
func (s *PgStore) ReadLifecycleFlags(ctx context.Context, formInstanceID string) (model.LifecycleFlags, error) {
	flags, err := scanFlags(s.pool.QueryRow(ctx, `
		SELECT id, form_id, completion_status, double_entry_status,
		       sdv_status, signature_status, lock_status, locked_by, locked_at
		FROM form_instances
		WHERE id = $1`,
		formInstanceID,
	))
	if err == pgx.ErrNoRows {
		return model.LifecycleFlags{}, model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", formInstanceID),
		)
	}
	if err != nil {
		return model.LifecycleFlags{}, fmt.Errorf("query form instance: %w", err)
	}
	return flags, nil
}

// ReadWorkflowConfig returns the form's workflow configuration; forms
// without a stored row get the zero config.
func (s *PgStore) ReadWorkflowConfig(ctx context.Context, formID string) (model.WorkflowConfig, error) {
	var cfg model.WorkflowConfig
	err := s.pool.QueryRow(ctx, `
		SELECT form_id, study_id, requires_sdv, requires_signature, requires_dde
		FROM workflow_configs
		WHERE form_id = $1`,
		formID,
	).Scan(&cfg.FormID, &cfg.StudyID, &cfg.RequiresSDV, &cfg.RequiresSignature, &cfg.RequiresDDE)
	if err == pgx.ErrNoRows {
		return model.WorkflowConfig{FormID: formID}, nil
	}
	if err != nil {
		return model.WorkflowConfig{}, fmt.Errorf("query workflow config: %w", err)
	}
	return cfg, nil
}

// PutWorkflowConfig upserts the form's workflow configuration.
func (s *PgStore) PutWorkflowConfig(ctx context.Context, cfg model.WorkflowConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_configs (form_id, study_id, requires_sdv, requires_signature, requires_dde, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (form_id) DO UPDATE SET
			study_id = EXCLUDED.study_id,
			requires_sdv = EXCLUDED.requires_sdv,
			requires_signature = EXCLUDED.requires_signature,
			requires_dde = EXCLUDED.requires_dde,
			updated_at = now()`,
		cfg.FormID, cfg.StudyID, cfg.RequiresSDV, cfg.RequiresSignature, cfg.RequiresDDE,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow config: %w", err)
	}
	return nil
}

// AcquireLock runs the read-check-write lock sequence in one transaction
// with the instance row locked FOR UPDATE, so concurrent attempts cannot
// both pass the guard.
func (s *PgStore) AcquireLock(ctx context.Context, formInstanceID, actorID string,
	guard func(model.LifecycleFlags, model.WorkflowConfig) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin lock transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	flags, err := scanFlags(tx.QueryRow(ctx, `
		SELECT id, form_id, completion_status, double_entry_status,
		       sdv_status, signature_status, lock_status, locked_by, locked_at
		FROM form_instances
		WHERE id = $1
		FOR UPDATE`,
		formInstanceID,
	))
	if err == pgx.ErrNoRows {
		return model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", formInstanceID),
		)
	}
	if err != nil {
		return fmt.Errorf("query form instance: %w", err)
	}

	var cfg model.WorkflowConfig
	err = tx.QueryRow(ctx, `
		SELECT form_id, study_id, requires_sdv, requires_signature, requires_dde
		FROM workflow_configs
		WHERE form_id = $1`,
		flags.FormID,
	).Scan(&cfg.FormID, &cfg.StudyID, &cfg.RequiresSDV, &cfg.RequiresSignature, &cfg.RequiresDDE)
	if err == pgx.ErrNoRows {
		cfg = model.WorkflowConfig{FormID: flags.FormID}
	} else if err != nil {
		return fmt.Errorf("query workflow config: %w", err)
	}

	if err := guard(flags, cfg); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE form_instances SET
			lock_status = TRUE, locked_by = $1, locked_at = now()
		WHERE id = $2`,
		actorID, formInstanceID,
	); err != nil {
		return fmt.Errorf("apply lock: %w", err)
	}

	return tx.Commit(ctx)
}

// OpenQuery inserts a discrepancy note and returns its id.
func (s *PgStore) OpenQuery(ctx context.Context, formInstanceID, fieldPath, message string, severity model.Severity) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discrepancy_notes (id, form_instance_id, field_path, message, severity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'open', $6)`,
		id, formInstanceID, fieldPath, message, severity, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert discrepancy note: %w", err)
	}
	return id, nil
}

func scanRule(row pgx.Row) (model.ValidationRule, error) {
	var rule model.ValidationRule
	err := row.Scan(
		&rule.ID, &rule.FormID, &rule.Name, &rule.Description, &rule.Kind,
		&rule.FieldPath, &rule.Severity, &rule.ErrorMessage, &rule.WarningMessage,
		&rule.MinValue, &rule.MaxValue, &rule.Pattern, &rule.Operator,
		&rule.CompareFieldPath, &rule.CustomExpression, &rule.Active, &rule.ItemID,
	)
	if err != nil {
		return model.ValidationRule{}, fmt.Errorf("scan rule: %w", err)
	}
	return rule, nil
}

func scanFlags(row pgx.Row) (model.LifecycleFlags, error) {
	var flags model.LifecycleFlags
	err := row.Scan(
		&flags.FormInstanceID, &flags.FormID, &flags.CompletionStatus,
		&flags.DoubleEntryStatus, &flags.SDVStatus, &flags.SignatureStatus,
		&flags.LockStatus, &flags.LockedBy, &flags.LockedAt,
	)
	return flags, err
}
