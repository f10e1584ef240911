package audit

import "context"

// Logger is the write side of the audit trail, consumed by every component
// that performs a sensitive operation.
type Logger interface {
	Record(ctx context.Context, action Action, userID string, opts Options) (*Entry, error)
}

// NoOpLogger discards every entry.
type NoOpLogger struct{}

func (NoOpLogger) Record(context.Context, Action, string, Options) (*Entry, error) {
	return nil, nil
}

// Failure returns Options describing a failed operation.
func Failure(err error, resourceType, resourceID string) Options {
	return Options{
		Status:       StatusFailure,
		Error:        err,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// On returns Options for a successful operation on one resource.
func On(resourceType, resourceID string, details map[string]interface{}) Options {
	return Options{
		Status:       StatusSuccess,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	}
}
