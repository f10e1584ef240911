package aiconfig

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

var (
	ErrProviderNotFound = fmt.Errorf("ai provider %w", storage.ErrNotFound)
	ErrConfigNotFound   = fmt.Errorf("ai config %w", storage.ErrNotFound)
	ErrProviderExists   = fmt.Errorf("ai provider with this name already exists: %w", storage.ErrConflict)
	ErrConfigExists     = fmt.Errorf("ai config with this name already exists: %w", storage.ErrConflict)
	ErrProviderInUse    = errors.New("ai provider is referenced by one or more configs")
	ErrInvalidInput     = errors.New("invalid ai configuration")
)

// ProviderType names an AI backend family.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOllama    ProviderType = "ollama"
	ProviderAzure     ProviderType = "azure_openai"
	ProviderCustom    ProviderType = "custom"
)

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderAzure, ProviderCustom:
		return true
	}
	return false
}

// Provider is an AI endpoint with its credentials. APIKey is only populated
// by GetProvider and ResolveDefault.
type Provider struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Type      ProviderType `json:"provider_type"`
	BaseURL   string       `json:"base_url,omitempty"`
	APIKey    string       `json:"-"`
	HasAPIKey bool         `json:"has_api_key"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ProviderInput describes a provider to create.
type ProviderInput struct {
	Name    string
	Type    ProviderType
	BaseURL string
	APIKey  string
}

// ProviderUpdate is a partial update; nil fields are left unchanged. An
// empty APIKey clears the stored key.
type ProviderUpdate struct {
	Name    *string
	BaseURL *string
	APIKey  *string
}

// Config selects a model on a provider.
type Config struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	IsDefault  bool      `json:"is_default"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConfigInput describes a config to create.
type ConfigInput struct {
	ProviderID string
	Name       string
	Model      string
	IsDefault  bool
}

// ConfigUpdate is a partial update; nil fields are left unchanged.
type ConfigUpdate struct {
	ProviderID *string
	Name       *string
	Model      *string
}

// Resolved is a config together with its provider, key decrypted.
type Resolved struct {
	Config   *Config   `json:"config"`
	Provider *Provider `json:"provider"`
}
