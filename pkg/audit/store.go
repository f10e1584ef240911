package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 1000
)

const entryColumns = `id, action, user_id, resource_type, resource_id, details, status,
	error_message, ip_address, user_agent, request_id,
	username, email, display_name, created_at`

// whereClause builds the shared WHERE clause for Search and Delete.
func whereClause(f Filter) (string, []interface{}) {
	clauses := []string{"1=1"}
	var args []interface{}

	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.UserQuery != "" {
		like := storage.ContainsPattern(strings.ToLower(f.UserQuery))
		clauses = append(clauses, "(LOWER(COALESCE(username, '')) LIKE ?"+storage.LikeEscape+
			" OR LOWER(COALESCE(email, '')) LIKE ?"+storage.LikeEscape+")")
		args = append(args, like, like)
	}
	if len(f.Actions) > 0 {
		placeholders := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			placeholders[i] = "?"
			args = append(args, string(a))
		}
		clauses = append(clauses, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.To.UTC())
	}
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, f.ResourceID)
	}

	return strings.Join(clauses, " AND "), args
}

// Search returns entries matching the filter, newest first.
func (r *Recorder) Search(ctx context.Context, f Filter) (*Page, error) {
	where, args := whereClause(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + entryColumns + " FROM audit_logs WHERE " + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}

	return &Page{Entries: entries, Total: total}, nil
}

// Get returns one entry by id.
func (r *Recorder) Get(ctx context.Context, id string) (*Entry, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM audit_logs WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Delete removes every entry matching the filter and returns how many were
// removed. Limit and Offset are ignored; an empty filter is rejected.
func (r *Recorder) Delete(ctx context.Context, f Filter) (int64, error) {
	if f.IsEmpty() {
		return 0, ErrEmptyFilter
	}

	where, args := whereClause(f)
	result, err := r.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	r.metrics.ObserveAuditPurge(n)
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e                            Entry
		action, status               string
		userID                       sql.NullString
		details                      []byte
		username, email, displayName sql.NullString
		createdAt                    time.Time
	)

	err := s.Scan(&e.ID, &action, &userID, &e.ResourceType, &e.ResourceID, &details, &status,
		&e.ErrorMessage, &e.IPAddress, &e.UserAgent, &e.RequestID,
		&username, &email, &displayName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	e.Action = Action(action)
	e.Status = Status(status)
	e.CreatedAt = createdAt.UTC()
	if userID.Valid {
		e.UserID = &userID.String
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}
	if username.Valid || email.Valid || displayName.Valid {
		e.Snapshot = &Snapshot{
			Username:    username.String,
			Email:       email.String,
			DisplayName: displayName.String,
		}
	}

	return &e, nil
}
