package rbac

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

var (
	ErrUserNotFound = fmt.Errorf("user %w", storage.ErrNotFound)
	ErrRoleNotFound = fmt.Errorf("role %w", storage.ErrNotFound)

	ErrUserExists = fmt.Errorf("user with this email or username already exists: %w", storage.ErrConflict)
	ErrRoleExists = fmt.Errorf("role with this name already exists: %w", storage.ErrConflict)

	ErrSystemRole         = errors.New("Cannot delete system role")
	ErrSystemRoleRename   = errors.New("cannot rename system role")
	ErrSystemUser         = errors.New("cannot delete or deactivate system user")
	ErrInvalidDefaultRole = errors.New("default role does not exist")
	ErrUnknownPermission  = errors.New("unknown permission")
	ErrInvalidInput       = errors.New("invalid input")
)

// Built-in role names
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleAnalyst    = "analyst"
	RoleViewer     = "viewer"
)

// User is a platform account.
type User struct {
	ID                string                 `json:"id"`
	Email             string                 `json:"email"`
	Username          string                 `json:"username"`
	PasswordHash      string                 `json:"-"`
	DisplayName       string                 `json:"display_name"`
	IsActive          bool                   `json:"is_active"`
	IsSystem          bool                   `json:"is_system"`
	LastLoginAt       *time.Time             `json:"last_login_at,omitempty"`
	PasswordChangedAt *time.Time             `json:"password_changed_at,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	Roles             []string               `json:"roles"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Role groups permissions. Priority only orders roles for display.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	IsSystem    bool      `json:"is_system"`
	IsDefault   bool      `json:"is_default"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is one entry of the system-defined catalog, e.g. "roles:assign".
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateUserInput describes a new user. When RoleIDs is empty the current
// default role, if any, is assigned.
type CreateUserInput struct {
	Email       string
	Username    string
	Password    string
	DisplayName string
	Metadata    map[string]interface{}
	RoleIDs     []string

	isSystem bool
}

// UpdateUserInput is a partial update; nil fields are left unchanged.
type UpdateUserInput struct {
	Email       *string
	Username    *string
	DisplayName *string
	Password    *string
	IsActive    *bool
	Metadata    map[string]interface{}
	// RoleIDs replaces the user's role set when non-nil.
	RoleIDs *[]string
}

// UserFilter narrows ListUsers. Search matches email, username and display
// name case-insensitively.
type UserFilter struct {
	Search   string
	IsActive *bool
	RoleID   string
	Limit    int
	Offset   int
}

// UserPage is one page of ListUsers.
type UserPage struct {
	Users []*User `json:"users"`
	Total int     `json:"total"`
}

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Name        string
	Description string
	Priority    int
	IsDefault   bool
	Permissions []string

	isSystem bool
}

// UpdateRoleInput is a partial update; nil fields are left unchanged.
type UpdateRoleInput struct {
	Name        *string
	Description *string
	Priority    *int
	IsDefault   *bool
	Permissions *[]string
}

// DeleteRoleOptions controls DeleteRole. AllowSystem only takes effect when
// the acting principal holds the super admin role.
type DeleteRoleOptions struct {
	AllowSystem bool
}

// BootstrapInput describes the initial system administrator.
type BootstrapInput struct {
	Email       string
	Username    string
	Password    string
	DisplayName string
}

// CatalogEntry is a permission definition seeded at startup.
type CatalogEntry struct {
	Name        string
	Description string
	Category    string
}

// Permission names
const (
	PermUsersRead        = "users:read"
	PermUsersWrite       = "users:write"
	PermRolesRead        = "roles:read"
	PermRolesWrite       = "roles:write"
	PermRolesAssign      = "roles:assign"
	PermAccessRulesRead  = "access_rules:read"
	PermAccessRulesWrite = "access_rules:write"
	PermConnectionsRead  = "connections:read"
	PermConnectionsWrite = "connections:write"
	PermQueriesExecute   = "queries:execute"
	PermQueriesWrite     = "queries:write"
	PermAIUse            = "ai:use"
	PermAIConfigure      = "ai:configure"
	PermAuditRead        = "audit:read"
	PermAuditDelete      = "audit:delete"
	PermSettingsWrite    = "settings:write"
)

// Catalog returns the built-in permission catalog.
func Catalog() []CatalogEntry {
	return []CatalogEntry{
		{PermUsersRead, "View users", "users"},
		{PermUsersWrite, "Create, update and deactivate users", "users"},
		{PermRolesRead, "View roles and their permissions", "roles"},
		{PermRolesWrite, "Create, update and delete roles", "roles"},
		{PermRolesAssign, "Assign roles to users", "roles"},
		{PermAccessRulesRead, "View data access rules", "access"},
		{PermAccessRulesWrite, "Manage data access rules", "access"},
		{PermConnectionsRead, "View connection profiles", "connections"},
		{PermConnectionsWrite, "Manage connection profiles", "connections"},
		{PermQueriesExecute, "Run read queries", "queries"},
		{PermQueriesWrite, "Run write and DDL queries", "queries"},
		{PermAIUse, "Use the AI assistant", "ai"},
		{PermAIConfigure, "Manage AI providers and models", "ai"},
		{PermAuditRead, "View the audit log", "audit"},
		{PermAuditDelete, "Purge audit log entries", "audit"},
		{PermSettingsWrite, "Change platform settings", "settings"},
	}
}

// BuiltInRole is a role seeded at startup.
type BuiltInRole struct {
	Name        string
	Description string
	Priority    int
	IsSystem    bool
	IsDefault   bool
	// Permissions is nil for a role that receives the whole catalog.
	Permissions []string
}

// BuiltInRoles returns all built-in role definitions
func BuiltInRoles() []BuiltInRole {
	return []BuiltInRole{
		{
			Name:        RoleSuperAdmin,
			Description: "Unrestricted access, including system resources",
			Priority:    100,
			IsSystem:    true,
		},
		{
			Name:        RoleAdmin,
			Description: "Manage users, roles, connections and access rules",
			Priority:    80,
			IsSystem:    true,
			Permissions: []string{
				PermUsersRead, PermUsersWrite,
				PermRolesRead, PermRolesWrite, PermRolesAssign,
				PermAccessRulesRead, PermAccessRulesWrite,
				PermConnectionsRead, PermConnectionsWrite,
				PermQueriesExecute, PermQueriesWrite,
				PermAIUse, PermAIConfigure,
				PermAuditRead,
			},
		},
		{
			Name:        RoleAnalyst,
			Description: "Query data and use the AI assistant",
			Priority:    50,
			Permissions: []string{
				PermConnectionsRead,
				PermQueriesExecute,
				PermAIUse,
			},
		},
		{
			Name:        RoleViewer,
			Description: "Read-only access",
			Priority:    10,
			IsDefault:   true,
			Permissions: []string{
				PermConnectionsRead,
				PermQueriesExecute,
			},
		},
	}
}
