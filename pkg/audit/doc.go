// Package audit records an immutable trail of security-relevant events.
//
// # Overview
//
// Every entry carries an action, an optional acting user, the affected
// resource, free-form details and the request context (IP address, user
// agent, request id). When the acting user is known, a snapshot of their
// username, email and display name is captured at write time so the entry
// stays readable after the user is renamed, deactivated or deleted.
//
// # Usage Example
//
// Record an event:
//
//	recorder := audit.NewRecorder(db, logger, audit.WithMetrics(metrics))
//	recorder.Record(ctx, audit.ActionRoleCreate, actorID,
//		audit.On("role", role.ID, map[string]interface{}{"name": role.Name}))
//
// Search entries:
//
//	page, err := recorder.Search(ctx, audit.Filter{
//		UserQuery: "alice",
//		Actions:   []audit.Action{audit.ActionLogin, audit.ActionLoginFailed},
//		Limit:     100,
//	})
//
// Purge old entries, archiving them to S3 first:
//
//	client, _ := audit.NewS3Client(ctx, s3cfg)
//	retention := audit.NewRetention(recorder, audit.NewS3Archiver(client, s3cfg.Bucket, s3cfg.Prefix),
//		audit.RetentionPolicy{RetentionDays: 90})
//	result, err := retention.Run(ctx, time.Now())
//
// # Export Formats
//
// JSON, NDJSON and CSV. NDJSON is used for archives.
package audit
