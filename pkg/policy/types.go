package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

var (
	ErrRuleNotFound      = fmt.Errorf("access rule %w", storage.ErrNotFound)
	ErrRuleOwner         = errors.New("access rule must belong to exactly one of a role or a user")
	ErrInvalidRule       = errors.New("invalid access rule")
	ErrInvalidPattern    = errors.New("invalid pattern")
	ErrInvalidAccessType = errors.New("invalid access type")
)

// AccessType labels what a rule is meant to cover. It is stored and returned
// but does not take part in matching.
type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessWrite AccessType = "write"
	AccessAdmin AccessType = "admin"
	AccessMisc  AccessType = "misc"
)

// Valid reports whether t is a known access type.
func (t AccessType) Valid() bool {
	switch t {
	case AccessRead, AccessWrite, AccessAdmin, AccessMisc:
		return true
	}
	return false
}

// Rule is one data access rule. Exactly one of RoleID and UserID is set; an
// empty ConnectionID applies to every connection.
type Rule struct {
	ID              string     `json:"id"`
	RoleID          string     `json:"role_id,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	ConnectionID    string     `json:"connection_id,omitempty"`
	DatabasePattern string     `json:"database_pattern"`
	TablePattern    string     `json:"table_pattern"`
	AccessType      AccessType `json:"access_type"`
	IsAllowed       bool       `json:"is_allowed"`
	Priority        int        `json:"priority"`
	Description     string     `json:"description,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Target renders the rule's patterns as "database.table".
func (r *Rule) Target() string {
	return r.DatabasePattern + "." + r.TablePattern
}

// RuleInput describes a rule to create or the full new state of a rule to
// update. TablePattern defaults to "*", AccessType to read and IsAllowed to
// true.
type RuleInput struct {
	RoleID          string
	UserID          string
	ConnectionID    string
	DatabasePattern string
	TablePattern    string
	AccessType      AccessType
	IsAllowed       *bool
	Priority        int
	Description     string
}

// RuleFilter narrows ListRules. Zero-valued fields are ignored.
type RuleFilter struct {
	RoleID       string
	UserID       string
	ConnectionID string
}

// AccessRequest asks whether a user may touch a database, or a table in it
// when Table is set.
type AccessRequest struct {
	UserID       string
	Database     string
	Table        string
	ConnectionID string
	// AccessType is recorded for auditing only.
	AccessType AccessType
}

// Decision is the outcome of an access check. Rule is the deciding rule, nil
// when no rule decided.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    *Rule  `json:"rule,omitempty"`
}

// Decision reasons that do not name a rule.
const (
	ReasonSystemDatabase = "System database access"
	ReasonNoRules        = "No access rules defined"
	ReasonNoMatch        = "No matching access rule"
)

var systemDatabases = map[string]bool{
	"system":             true,
	"information_schema": true,
	"INFORMATION_SCHEMA": true,
}

// IsSystemDatabase reports whether name is a system database that policy never
// blocks.
func IsSystemDatabase(name string) bool {
	return systemDatabases[name]
}
