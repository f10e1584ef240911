package connections

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

var (
	ErrNotFound     = fmt.Errorf("connection %w", storage.ErrNotFound)
	ErrExists       = fmt.Errorf("connection with this name already exists: %w", storage.ErrConflict)
	ErrInvalidInput = errors.New("invalid connection")
	ErrUnreachable  = errors.New("connection target unreachable")
)

// Connection is a saved database server profile. Password is only populated
// by Get and GetDefault.
type Connection struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Username    string    `json:"username"`
	Password    string    `json:"-"`
	HasPassword bool      `json:"has_password"`
	Database    string    `json:"database"`
	Secure      bool      `json:"secure"`
	IsDefault   bool      `json:"is_default"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Address returns host:port.
func (c *Connection) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CreateInput describes a new connection.
type CreateInput struct {
	Name      string
	Host      string
	Port      int
	Username  string
	Password  string
	Database  string
	Secure    bool
	IsDefault bool
}

// UpdateInput is a partial update; nil fields are left unchanged. An empty
// Password clears the stored one.
type UpdateInput struct {
	Name     *string
	Host     *string
	Port     *int
	Username *string
	Password *string
	Database *string
	Secure   *bool
}

// ProbeResult reports a connectivity check.
type ProbeResult struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}
