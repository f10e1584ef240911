package audit

import (
	"context"
	"time"
)

// RetentionPolicy defines how long audit entries are kept.
type RetentionPolicy struct {
	// RetentionDays is the number of days entries are kept; 0 disables purging.
	RetentionDays int
	// ArchiveFormat is the export format used when an Archiver is configured.
	ArchiveFormat ExportFormat
	// BatchSize bounds how many entries are exported per archive object. It
	// is capped at the search page limit.
	BatchSize int
}

// RetentionResult summarizes one retention run.
type RetentionResult struct {
	Cutoff    time.Time
	Archived  int
	Deleted   int64
	Locations []string
}

// Retention purges audit entries older than the policy allows, archiving
// them first when an Archiver is configured.
type Retention struct {
	recorder *Recorder
	archiver Archiver
	policy   RetentionPolicy
}

// NewRetention creates a retention job. archiver may be nil.
func NewRetention(recorder *Recorder, archiver Archiver, policy RetentionPolicy) *Retention {
	if policy.BatchSize <= 0 || policy.BatchSize > maxSearchLimit {
		policy.BatchSize = maxSearchLimit
	}
	if policy.ArchiveFormat == "" {
		policy.ArchiveFormat = ExportFormatNDJSON
	}
	return &Retention{recorder: recorder, archiver: archiver, policy: policy}
}

// Run purges entries created before now minus the retention period.
func (r *Retention) Run(ctx context.Context, now time.Time) (*RetentionResult, error) {
	if r.policy.RetentionDays <= 0 {
		return &RetentionResult{}, nil
	}

	cutoff := now.UTC().AddDate(0, 0, -r.policy.RetentionDays)
	result := &RetentionResult{Cutoff: cutoff}
	filter := Filter{To: &cutoff}

	if r.archiver != nil {
		// archive page by page; nothing is deleted until every page is stored
		for offset := 0; ; offset += r.policy.BatchSize {
			filter.Limit, filter.Offset = r.policy.BatchSize, offset
			page, err := r.recorder.Search(ctx, filter)
			if err != nil {
				return result, err
			}
			if len(page.Entries) == 0 {
				break
			}

			data, err := Export(page.Entries, r.policy.ArchiveFormat)
			if err != nil {
				return result, err
			}
			name := ArchiveName(cutoff, offset/r.policy.BatchSize, r.policy.ArchiveFormat)
			location, err := r.archiver.Archive(ctx, name, data, r.policy.ArchiveFormat)
			if err != nil {
				return result, err
			}
			result.Archived += len(page.Entries)
			result.Locations = append(result.Locations, location)
		}
	}

	deleted, err := r.recorder.Delete(ctx, Filter{To: &cutoff})
	if err != nil {
		return result, err
	}
	result.Deleted = deleted

	if deleted > 0 {
		_, _ = r.recorder.Record(ctx, ActionAuditPurge, "", Options{
			ResourceType: "audit_log",
			Details: map[string]interface{}{
				"cutoff":   cutoff.Format(time.RFC3339),
				"deleted":  deleted,
				"archived": result.Archived,
			},
		})
	}

	return result, nil
}
