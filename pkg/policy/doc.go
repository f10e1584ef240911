// Package policy stores data access rules and decides, per request, whether a
// principal may touch a database or table.
//
// A decision gathers the user's own rules plus the rules of every role the
// user holds, limited to global rules and rules of the requested connection.
// System databases are always allowed. With no candidate rules the answer is
// deny. Otherwise rules are ordered by priority (deny first on ties) and the
// first rule whose patterns match decides.
//
//	evaluator := policy.NewEvaluator(policy.NewStore(db), identities,
//		policy.WithAuditLogger(recorder),
//		policy.WithMetrics(metrics))
//
//	decision, err := evaluator.CheckUserAccess(ctx, policy.AccessRequest{
//		UserID:   userID,
//		Database: "sales",
//		Table:    "orders",
//	})
//
// A rule's access type is informational; matching only looks at the patterns,
// the allow flag and the priority.
package policy
