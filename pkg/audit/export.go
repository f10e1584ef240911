package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// Export renders entries in the requested format.
func Export(entries []*Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON:
		return json.MarshalIndent(entries, "", "  ")
	case ExportFormatNDJSON, "":
		return exportNDJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported export format: %q", format)
	}
}

func exportNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

var csvHeader = []string{
	"ID",
	"Timestamp",
	"Action",
	"Status",
	"UserID",
	"Username",
	"Email",
	"DisplayName",
	"ResourceType",
	"ResourceID",
	"IPAddress",
	"UserAgent",
	"RequestID",
	"ErrorMessage",
	"Details",
}

func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		var snap Snapshot
		if e.Snapshot != nil {
			snap = *e.Snapshot
		}

		details := ""
		if len(e.Details) > 0 {
			data, err := json.Marshal(e.Details)
			if err != nil {
				return nil, fmt.Errorf("failed to encode details of %s: %w", e.ID, err)
			}
			details = string(data)
		}

		row := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Action),
			string(e.Status),
			formatStringPtr(e.UserID),
			snap.Username,
			snap.Email,
			snap.DisplayName,
			e.ResourceType,
			e.ResourceID,
			e.IPAddress,
			e.UserAgent,
			e.RequestID,
			e.ErrorMessage,
			details,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

func formatStringPtr(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}
