package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// SnapshotSource resolves the current identity fields of a user.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
}

// SnapshotState classifies the outcome of snapshot enrichment.
type SnapshotState int

const (
	// SnapshotSkipped means the entry has no acting user.
	SnapshotSkipped SnapshotState = iota
	// SnapshotResolved means the snapshot was captured.
	SnapshotResolved
	// SnapshotUnavailable means enrichment failed; the entry is still written.
	SnapshotUnavailable
)

// SnapshotResult keeps "enrichment unavailable" apart from "write failed".
type SnapshotResult struct {
	State    SnapshotState
	Snapshot *Snapshot
	// UserMissing is set when the user row no longer exists.
	UserMissing bool
	Err         error
}

// Recorder writes and queries audit entries.
type Recorder struct {
	db        *storage.Handle
	snapshots SnapshotSource
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithSnapshotSource overrides the users table lookup.
func WithSnapshotSource(src SnapshotSource) RecorderOption {
	return func(r *Recorder) { r.snapshots = src }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder on the given handle.
func NewRecorder(db *storage.Handle, logger *observability.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Recorder{
		db:        db,
		snapshots: userTableSource{db: db},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type userTableSource struct {
	db *storage.Handle
}

func (s userTableSource) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		"SELECT username, email, display_name FROM users WHERE id = ?", userID,
	).Scan(&snap.Username, &snap.Email, &snap.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, storage.ErrNotFound
	}
	return snap, err
}

// ResolveSnapshot looks up the acting user's identity fields.
func (r *Recorder) ResolveSnapshot(ctx context.Context, userID string) SnapshotResult {
	if userID == "" {
		return SnapshotResult{State: SnapshotSkipped}
	}
	snap, err := r.snapshots.Snapshot(ctx, userID)
	if err != nil {
		return SnapshotResult{
			State:       SnapshotUnavailable,
			UserMissing: errors.Is(err, storage.ErrNotFound),
			Err:         err,
		}
	}
	return SnapshotResult{State: SnapshotResolved, Snapshot: &snap}
}

// Record writes one immutable entry. A failed snapshot lookup never fails
// the write; a failed insert does.
func (r *Recorder) Record(ctx context.Context, action Action, userID string, opts Options) (*Entry, error) {
	entry := &Entry{
		ID:           uuid.NewString(),
		Action:       action,
		ResourceType: opts.ResourceType,
		ResourceID:   opts.ResourceID,
		Details:      opts.Details,
		Status:       opts.Status,
		IPAddress:    opts.IPAddress,
		UserAgent:    opts.UserAgent,
		RequestID:    contextkeys.GetRequestID(ctx),
		CreatedAt:    r.now().UTC(),
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}
	if opts.Error != nil {
		entry.Status = StatusFailure
		entry.ErrorMessage = opts.Error.Error()
	}
	if entry.IPAddress == "" {
		entry.IPAddress = contextkeys.GetClientIP(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = contextkeys.GetUserAgent(ctx)
	}

	result := r.ResolveSnapshot(ctx, userID)
	switch result.State {
	case SnapshotResolved:
		entry.UserID = &userID
		entry.Snapshot = result.Snapshot
	case SnapshotUnavailable:
		observability.FromContext(ctx, r.logger).
			WithError(result.Err).
			WithField("action", string(action)).
			Warn("audit snapshot unavailable, writing entry without it")
		if result.UserMissing {
			// keep the reference out of the foreign key but on the record
			entry.Details = withDetail(entry.Details, "subject_user_id", userID)
		} else {
			entry.UserID = &userID
		}
	}

	if err := r.insert(ctx, entry); err != nil {
		r.metrics.ObserveAuditWrite(false, false)
		return nil, err
	}
	r.metrics.ObserveAuditWrite(true, result.State != SnapshotUnavailable)
	return entry, nil
}

func withDetail(details map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out[key] = value
	return out
}

func (r *Recorder) insert(ctx context.Context, e *Entry) error {
	var details interface{}
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = string(data)
	}

	var username, email, displayName interface{}
	if e.Snapshot != nil {
		username, email, displayName = e.Snapshot.Username, e.Snapshot.Email, e.Snapshot.DisplayName
	}

	var userID interface{}
	if e.UserID != nil {
		userID = *e.UserID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, action, user_id, resource_type, resource_id, details, status,
			error_message, ip_address, user_agent, request_id,
			username, email, display_name, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), userID, e.ResourceType, e.ResourceID, details, string(e.Status),
		e.ErrorMessage, e.IPAddress, e.UserAgent, e.RequestID,
		username, email, displayName, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
