package audit

import (
	"errors"
	"time"
)

// Action identifies what happened.
type Action string

const (
	// Authentication events
	ActionLogin        Action = "auth.login"
	ActionLoginFailed  Action = "auth.login_failed"
	ActionLogout       Action = "auth.logout"
	ActionLogoutAll    Action = "auth.logout_all"
	ActionTokenRefresh Action = "auth.token_refresh"

	// Identity events
	ActionUserCreate         Action = "user.create"
	ActionUserUpdate         Action = "user.update"
	ActionUserDelete         Action = "user.delete"
	ActionUserPasswordChange Action = "user.password_change"
	ActionUserRolesUpdate    Action = "user.roles_update"
	ActionRoleCreate         Action = "role.create"
	ActionRoleUpdate         Action = "role.update"
	ActionRoleDelete         Action = "role.delete"
	ActionRoleSetDefault     Action = "role.set_default"
	ActionRolePermissions    Action = "role.permissions_update"
	ActionRoleAssign         Action = "role.assign"
	ActionRoleRevoke         Action = "role.revoke"

	// Data access events
	ActionAccessRuleCreate  Action = "access_rule.create"
	ActionAccessRuleUpdate  Action = "access_rule.update"
	ActionAccessRuleDelete  Action = "access_rule.delete"
	ActionAccessRuleReplace Action = "access_rule.replace"
	ActionAccessDenied      Action = "access.denied"

	// Configuration events
	ActionConnectionCreate     Action = "connection.create"
	ActionConnectionUpdate     Action = "connection.update"
	ActionConnectionDelete     Action = "connection.delete"
	ActionConnectionSetDefault Action = "connection.set_default"
	ActionAIProviderCreate     Action = "ai_provider.create"
	ActionAIProviderUpdate     Action = "ai_provider.update"
	ActionAIProviderDelete     Action = "ai_provider.delete"
	ActionAIConfigCreate       Action = "ai_config.create"
	ActionAIConfigUpdate       Action = "ai_config.update"
	ActionAIConfigDelete       Action = "ai_config.delete"
	ActionAIConfigSetDefault   Action = "ai_config.set_default"

	// Retention
	ActionAuditPurge Action = "audit.purge"
)

// Status represents the outcome of an event
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

var (
	// ErrNotFound is returned by Get for an unknown id.
	ErrNotFound = errors.New("audit entry not found")
	// ErrEmptyFilter is returned by Delete when no criterion is set.
	ErrEmptyFilter = errors.New("refusing to delete audit entries without a filter")
)

// Snapshot is the identity of the acting user as of the moment the entry was
// written. It is never updated afterwards.
type Snapshot struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Entry is one immutable audit row.
type Entry struct {
	ID           string                 `json:"id"`
	Action       Action                 `json:"action"`
	UserID       *string                `json:"user_id,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Status       Status                 `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Snapshot     *Snapshot              `json:"snapshot,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Options carries the optional parts of an entry. IPAddress and UserAgent
// default to the values stored in the request context.
type Options struct {
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	Status       Status
	Error        error
	IPAddress    string
	UserAgent    string
}

// Filter selects entries for Search and Delete. Zero-valued fields are ignored.
type Filter struct {
	UserID string
	// UserQuery matches a case-insensitive substring of the snapshot
	// username or email.
	UserQuery    string
	Actions      []Action
	Status       Status
	From         *time.Time
	To           *time.Time
	ResourceType string
	ResourceID   string

	Limit  int
	Offset int
}

// IsEmpty reports whether the filter selects every entry.
func (f Filter) IsEmpty() bool {
	return f.UserID == "" && f.UserQuery == "" && len(f.Actions) == 0 && f.Status == "" &&
		f.From == nil && f.To == nil && f.ResourceType == "" && f.ResourceID == ""
}

// Page is one page of search results.
type Page struct {
	Entries []*Entry `json:"entries"`
	Total   int      `json:"total"`
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)
