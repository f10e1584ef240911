package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
)

// RoleResolver returns the ids of the roles a user holds.
type RoleResolver interface {
	GetUserRoleIDs(ctx context.Context, userID string) ([]string, error)
}

// Evaluator decides data access for a principal.
type Evaluator struct {
	rules   *Store
	roles   RoleResolver
	matcher *Matcher
	audit   audit.Logger
	logger  *observability.Logger
	metrics *observability.Metrics
}

// EvaluatorOption customizes an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithMatcher replaces the default pattern matcher.
func WithMatcher(m *Matcher) EvaluatorOption {
	return func(e *Evaluator) { e.matcher = m }
}

// WithAuditLogger records denied access checks.
func WithAuditLogger(l audit.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.audit = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator creates an evaluator over a rule store and a role resolver.
func NewEvaluator(rules *Store, roles RoleResolver, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		rules:  rules,
		roles:  roles,
		audit:  audit.NoOpLogger{},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.matcher == nil {
		e.matcher = NewMatcher(DefaultPatternCacheSize, DefaultPatternCacheTTL, e.metrics)
	}
	return e
}

// Sort orders rules by priority, highest first. At equal priority deny rules
// come before allow rules; otherwise the input order is kept.
func Sort(rules []*Rule) []*Rule {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return !sorted[i].IsAllowed && sorted[j].IsAllowed
	})
	return sorted
}

// Evaluate decides access to database, or to table within it when table is
// non-empty, from an already gathered candidate set. It does no I/O.
func (e *Evaluator) Evaluate(rules []*Rule, database, table string) Decision {
	if IsSystemDatabase(database) {
		return Decision{Allowed: true, Reason: ReasonSystemDatabase}
	}
	if len(rules) == 0 {
		return Decision{Allowed: false, Reason: ReasonNoRules}
	}

	for _, rule := range Sort(rules) {
		if !e.matcher.Match(rule.DatabasePattern, database) {
			continue
		}
		if table != "" && !e.matcher.Match(rule.TablePattern, table) {
			continue
		}
		if rule.IsAllowed {
			return Decision{Allowed: true, Reason: "Allowed by rule: " + rule.Target(), Rule: rule}
		}
		return Decision{Allowed: false, Reason: "Denied by rule: " + rule.Target(), Rule: rule}
	}

	return Decision{Allowed: false, Reason: ReasonNoMatch}
}

func decisionSource(d Decision) string {
	switch {
	case d.Rule != nil:
		return "rule"
	case d.Reason == ReasonSystemDatabase:
		return "system"
	case d.Reason == ReasonNoRules:
		return "no_rules"
	default:
		return "no_match"
	}
}

// candidates gathers the user's own rules and the rules of its roles.
func (e *Evaluator) candidates(ctx context.Context, userID, connectionID string) ([]*Rule, error) {
	roleIDs, err := e.roles.GetUserRoleIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}
	return e.rules.RulesForPrincipal(ctx, userID, roleIDs, connectionID)
}

// CheckUserAccess decides one access request. Denials are audited.
func (e *Evaluator) CheckUserAccess(ctx context.Context, req AccessRequest) (Decision, error) {
	ctx, span := observability.Tracer().Start(ctx, "policy.CheckUserAccess",
		trace.WithAttributes(
			attribute.String("db.name", req.Database),
			attribute.String("db.table", req.Table),
			attribute.String("connection.id", req.ConnectionID),
		),
	)
	defer span.End()
	start := time.Now()

	var decision Decision
	if IsSystemDatabase(req.Database) {
		decision = Decision{Allowed: true, Reason: ReasonSystemDatabase}
	} else {
		rules, err := e.candidates(ctx, req.UserID, req.ConnectionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load rules")
			return Decision{}, err
		}
		decision = e.Evaluate(rules, req.Database, req.Table)
	}

	span.SetAttributes(
		attribute.Bool("access.allowed", decision.Allowed),
		attribute.String("access.reason", decision.Reason),
	)
	e.metrics.ObserveAccessDecision(decision.Allowed, decisionSource(decision), time.Since(start))

	if !decision.Allowed {
		e.recordDenial(ctx, req, decision)
	}
	return decision, nil
}

func (e *Evaluator) recordDenial(ctx context.Context, req AccessRequest, d Decision) {
	resourceType, resourceID := "database", req.Database
	if req.Table != "" {
		resourceType, resourceID = "table", req.Database+"."+req.Table
	}

	details := map[string]interface{}{
		"reason":        d.Reason,
		"connection_id": req.ConnectionID,
	}
	if req.AccessType != "" {
		details["access_type"] = string(req.AccessType)
	}
	if d.Rule != nil {
		details["rule_id"] = d.Rule.ID
	}

	_, err := e.audit.Record(ctx, audit.ActionAccessDenied, req.UserID, audit.Options{
		Status:       audit.StatusFailure,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	})
	if err != nil {
		observability.FromContext(ctx, e.logger).WithError(err).Error("failed to audit access denial")
	}
}

// FilterDatabasesForUser returns the databases the user may access, in input
// order. System databases are never returned, and a user without any rules
// gets an empty list.
func (e *Evaluator) FilterDatabasesForUser(ctx context.Context, userID string, databases []string, connectionID string) ([]string, error) {
	ctx, span := observability.Tracer().Start(ctx, "policy.FilterDatabasesForUser",
		trace.WithAttributes(attribute.Int("db.candidates", len(databases))))
	defer span.End()

	rules, err := e.candidates(ctx, userID, connectionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	allowed := make([]string, 0, len(databases))
	if len(rules) == 0 {
		return allowed, nil
	}
	for _, db := range databases {
		if IsSystemDatabase(db) {
			continue
		}
		if e.Evaluate(rules, db, "").Allowed {
			allowed = append(allowed, db)
		}
	}

	span.SetAttributes(attribute.Int("db.allowed", len(allowed)))
	return allowed, nil
}

// FilterTablesForUser returns the tables of database the user may access, in
// input order. Tables of a system database are returned unfiltered; a user
// without any rules gets an empty list.
func (e *Evaluator) FilterTablesForUser(ctx context.Context, userID, database string, tables []string, connectionID string) ([]string, error) {
	ctx, span := observability.Tracer().Start(ctx, "policy.FilterTablesForUser",
		trace.WithAttributes(
			attribute.String("db.name", database),
			attribute.Int("db.candidates", len(tables)),
		))
	defer span.End()

	if IsSystemDatabase(database) {
		return append([]string{}, tables...), nil
	}

	rules, err := e.candidates(ctx, userID, connectionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	allowed := make([]string, 0, len(tables))
	if len(rules) == 0 {
		return allowed, nil
	}
	for _, table := range tables {
		if e.Evaluate(rules, database, table).Allowed {
			allowed = append(allowed, table)
		}
	}
	return allowed, nil
}
