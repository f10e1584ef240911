package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// Store persists data access rules.
type Store struct {
	db     *storage.Handle
	audit  audit.Logger
	logger *observability.Logger
	now    func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreAuditLogger records every rule mutation.
func WithStoreAuditLogger(l audit.Logger) StoreOption {
	return func(s *Store) { s.audit = l }
}

// WithStoreLogger sets the structured logger.
func WithStoreLogger(l *observability.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a rule store.
func NewStore(db *storage.Handle, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		audit:  audit.NoOpLogger{},
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) record(ctx context.Context, action audit.Action, opts audit.Options) {
	if _, err := s.audit.Record(ctx, action, contextkeys.GetActorID(ctx), opts); err != nil {
		observability.FromContext(ctx, s.logger).
			WithError(err).
			WithField("action", string(action)).
			Error("failed to write audit entry")
	}
}

// normalize validates in and fills defaults. Nothing is written when it fails.
func normalize(in RuleInput) (RuleInput, error) {
	if (in.RoleID == "") == (in.UserID == "") {
		return in, ErrRuleOwner
	}

	in.DatabasePattern = strings.TrimSpace(in.DatabasePattern)
	if in.DatabasePattern == "" {
		return in, fmt.Errorf("%w: database pattern is required", ErrInvalidRule)
	}
	in.TablePattern = strings.TrimSpace(in.TablePattern)
	if in.TablePattern == "" {
		in.TablePattern = "*"
	}
	if err := ValidatePattern(in.DatabasePattern); err != nil {
		return in, err
	}
	if err := ValidatePattern(in.TablePattern); err != nil {
		return in, err
	}

	if in.AccessType == "" {
		in.AccessType = AccessRead
	}
	if !in.AccessType.Valid() {
		return in, fmt.Errorf("%w: %q", ErrInvalidAccessType, in.AccessType)
	}
	if in.IsAllowed == nil {
		allowed := true
		in.IsAllowed = &allowed
	}
	return in, nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func (s *Store) insert(ctx context.Context, r storage.Runner, in RuleInput, now time.Time) (*Rule, error) {
	rule := &Rule{
		ID:              uuid.NewString(),
		RoleID:          in.RoleID,
		UserID:          in.UserID,
		ConnectionID:    in.ConnectionID,
		DatabasePattern: in.DatabasePattern,
		TablePattern:    in.TablePattern,
		AccessType:      in.AccessType,
		IsAllowed:       *in.IsAllowed,
		Priority:        in.Priority,
		Description:     in.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := r.ExecContext(ctx, `
		INSERT INTO data_access_rules (id, role_id, user_id, connection_id, database_pattern, table_pattern,
			access_type, is_allowed, priority, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, nullable(rule.RoleID), nullable(rule.UserID), nullable(rule.ConnectionID),
		rule.DatabasePattern, rule.TablePattern, string(rule.AccessType), rule.IsAllowed,
		rule.Priority, rule.Description, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create access rule: %w", err)
	}
	return rule, nil
}

func ruleDetails(r *Rule) map[string]interface{} {
	return map[string]interface{}{
		"role_id":       r.RoleID,
		"user_id":       r.UserID,
		"connection_id": r.ConnectionID,
		"target":        r.Target(),
		"access_type":   string(r.AccessType),
		"is_allowed":    r.IsAllowed,
		"priority":      r.Priority,
	}
}

// CreateRule validates and stores a rule.
func (s *Store) CreateRule(ctx context.Context, in RuleInput) (*Rule, error) {
	in, err := normalize(in)
	if err != nil {
		return nil, err
	}

	rule, err := s.insert(ctx, s.db, in, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.ActionAccessRuleCreate, audit.On("access_rule", rule.ID, ruleDetails(rule)))
	return rule, nil
}

// UpdateRule replaces every mutable field of a rule with in.
func (s *Store) UpdateRule(ctx context.Context, id string, in RuleInput) (*Rule, error) {
	in, err := normalize(in)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE data_access_rules
		SET role_id = ?, user_id = ?, connection_id = ?, database_pattern = ?, table_pattern = ?,
			access_type = ?, is_allowed = ?, priority = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		nullable(in.RoleID), nullable(in.UserID), nullable(in.ConnectionID), in.DatabasePattern, in.TablePattern,
		string(in.AccessType), *in.IsAllowed, in.Priority, in.Description, s.now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update access rule: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return nil, ErrRuleNotFound
	}

	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionAccessRuleUpdate, audit.On("access_rule", id, ruleDetails(rule)))
	return rule, nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM data_access_rules WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete access rule: %w", err)
	}

	s.record(ctx, audit.ActionAccessRuleDelete, audit.On("access_rule", id, ruleDetails(rule)))
	return nil
}

const ruleColumns = `id, role_id, user_id, connection_id, database_pattern, table_pattern,
	access_type, is_allowed, priority, description, created_at, updated_at`

// GetRule returns one rule.
func (s *Store) GetRule(ctx context.Context, id string) (*Rule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM data_access_rules WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}

// ListRules returns the rules matching the filter, highest priority first.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]*Rule, error) {
	clauses := []string{"1=1"}
	var args []interface{}
	if f.RoleID != "" {
		clauses, args = append(clauses, "role_id = ?"), append(args, f.RoleID)
	}
	if f.UserID != "" {
		clauses, args = append(clauses, "user_id = ?"), append(args, f.UserID)
	}
	if f.ConnectionID != "" {
		clauses, args = append(clauses, "connection_id = ?"), append(args, f.ConnectionID)
	}

	return s.queryRules(ctx, strings.Join(clauses, " AND "), args...)
}

// RulesForPrincipal returns the candidate rules for a user: the user's own
// rules plus those of every role in roleIDs, limited to global rules and
// rules of connectionID.
func (s *Store) RulesForPrincipal(ctx context.Context, userID string, roleIDs []string, connectionID string) ([]*Rule, error) {
	owners := []string{"user_id = ?"}
	args := []interface{}{userID}
	if len(roleIDs) > 0 {
		placeholders := make([]string, len(roleIDs))
		for i, id := range roleIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		owners = append(owners, "role_id IN ("+strings.Join(placeholders, ", ")+")")
	}

	where := "(" + strings.Join(owners, " OR ") + ")"
	if connectionID == "" {
		where += " AND connection_id IS NULL"
	} else {
		where += " AND (connection_id IS NULL OR connection_id = ?)"
		args = append(args, connectionID)
	}

	return s.queryRules(ctx, where, args...)
}

func (s *Store) queryRules(ctx context.Context, where string, args ...interface{}) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM data_access_rules WHERE "+where+" ORDER BY priority DESC, created_at ASC, id ASC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query access rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate access rules: %w", err)
	}
	return rules, nil
}

// SetRulesForRole atomically replaces every rule owned by a role.
func (s *Store) SetRulesForRole(ctx context.Context, roleID string, inputs []RuleInput) ([]*Rule, error) {
	return s.replace(ctx, "role_id", roleID, inputs, func(in *RuleInput) {
		in.RoleID, in.UserID = roleID, ""
	})
}

// SetRulesForUser atomically replaces every rule owned by a user.
func (s *Store) SetRulesForUser(ctx context.Context, userID string, inputs []RuleInput) ([]*Rule, error) {
	return s.replace(ctx, "user_id", userID, inputs, func(in *RuleInput) {
		in.RoleID, in.UserID = "", userID
	})
}

func (s *Store) replace(ctx context.Context, column, owner string, inputs []RuleInput, setOwner func(*RuleInput)) ([]*Rule, error) {
	if owner == "" {
		return nil, ErrRuleOwner
	}

	normalized := make([]RuleInput, len(inputs))
	for i, in := range inputs {
		setOwner(&in)
		n, err := normalize(in)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		normalized[i] = n
	}

	now := s.now().UTC()
	rules := make([]*Rule, 0, len(normalized))
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM data_access_rules WHERE "+column+" = ?", owner); err != nil {
			return fmt.Errorf("failed to clear access rules: %w", err)
		}
		for _, in := range normalized {
			rule, err := s.insert(ctx, tx, in, now)
			if err != nil {
				return err
			}
			rules = append(rules, rule)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resourceType := "role"
	if column == "user_id" {
		resourceType = "user"
	}
	s.record(ctx, audit.ActionAccessRuleReplace, audit.On(resourceType, owner, map[string]interface{}{
		"rule_count": len(rules),
	}))
	return rules, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row scanner) (*Rule, error) {
	var (
		rule                         Rule
		roleID, userID, connectionID sql.NullString
		accessType                   string
	)
	err := row.Scan(&rule.ID, &roleID, &userID, &connectionID, &rule.DatabasePattern, &rule.TablePattern,
		&accessType, &rule.IsAllowed, &rule.Priority, &rule.Description, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan access rule: %w", err)
	}

	rule.RoleID = roleID.String
	rule.UserID = userID.String
	rule.ConnectionID = connectionID.String
	rule.AccessType = AccessType(accessType)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}
