package aiconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/cipher"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// Store persists AI providers and model configs.
type Store struct {
	db     *storage.Handle
	cipher *cipher.Cipher
	audit  audit.Logger
	logger *observability.Logger
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithAuditLogger records every mutation.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Store) { s.audit = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an AI configuration store.
func NewStore(db *storage.Handle, c *cipher.Cipher, opts ...Option) *Store {
	s := &Store{
		db:     db,
		cipher: c,
		audit:  audit.NoOpLogger{},
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) record(ctx context.Context, action audit.Action, opts audit.Options) {
	if _, err := s.audit.Record(ctx, action, contextkeys.GetActorID(ctx), opts); err != nil {
		observability.FromContext(ctx, s.logger).
			WithError(err).
			WithField("action", string(action)).
			Error("failed to write audit entry")
	}
}

func (s *Store) seal(key string) (string, error) {
	if key == "" {
		return "", nil
	}
	sealed, err := s.cipher.Encrypt(key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt api key: %w", err)
	}
	return sealed, nil
}

// CreateProvider stores a provider with its API key encrypted.
func (s *Store) CreateProvider(ctx context.Context, in ProviderInput) (*Provider, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: provider name is required", ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrInvalidInput, in.Type)
	}
	sealed, err := s.seal(in.APIKey)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &Provider{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      in.Type,
		BaseURL:   strings.TrimSpace(in.BaseURL),
		HasAPIKey: sealed != "",
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_providers (id, name, provider_type, base_url, api_key_encrypted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Type), p.BaseURL, sealed, now, now,
	)
	if err != nil {
		if s.db.IsUniqueViolation(err) {
			return nil, ErrProviderExists
		}
		return nil, fmt.Errorf("failed to create ai provider: %w", err)
	}

	s.record(ctx, audit.ActionAIProviderCreate, audit.On("ai_provider", p.ID, map[string]interface{}{
		"name":          p.Name,
		"provider_type": string(p.Type),
	}))
	return p, nil
}

// UpdateProvider applies a partial update.
func (s *Store) UpdateProvider(ctx context.Context, id string, in ProviderUpdate) (*Provider, error) {
	p, sealed, err := s.loadProvider(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("%w: provider name is required", ErrInvalidInput)
		}
	}
	if in.BaseURL != nil {
		p.BaseURL = strings.TrimSpace(*in.BaseURL)
	}
	if in.APIKey != nil {
		if sealed, err = s.seal(*in.APIKey); err != nil {
			return nil, err
		}
	}

	p.UpdatedAt = s.now().UTC()
	p.HasAPIKey = sealed != ""
	_, err = s.db.ExecContext(ctx, `
		UPDATE ai_providers SET name = ?, base_url = ?, api_key_encrypted = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.BaseURL, sealed, p.UpdatedAt, id,
	)
	if err != nil {
		if s.db.IsUniqueViolation(err) {
			return nil, ErrProviderExists
		}
		return nil, fmt.Errorf("failed to update ai provider: %w", err)
	}

	s.record(ctx, audit.ActionAIProviderUpdate, audit.On("ai_provider", id, map[string]interface{}{
		"api_key_changed": in.APIKey != nil,
	}))
	return p, nil
}

// DeleteProvider removes a provider that no config references. Otherwise it
// fails with ErrProviderInUse and nothing changes.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		var refs int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM ai_configs WHERE provider_id = ?", id).Scan(&refs); err != nil {
			return fmt.Errorf("failed to count ai configs: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("%w: %d config(s)", ErrProviderInUse, refs)
		}

		result, err := tx.ExecContext(ctx, "DELETE FROM ai_providers WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete ai provider: %w", err)
		}
		if err := storage.RequireOneRow(result); err != nil {
			return ErrProviderNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.record(ctx, audit.ActionAIProviderDelete, audit.On("ai_provider", id, nil))
	return nil
}

// GetProvider returns a provider with its API key decrypted.
func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	p, sealed, err := s.loadProvider(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return s.openProvider(p, sealed)
}

// ListProviders returns every provider by name. Keys are not decrypted.
func (s *Store) ListProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+providerColumns+" FROM ai_providers ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list ai providers: %w", err)
	}
	defer rows.Close()

	providers := make([]*Provider, 0)
	for rows.Next() {
		p, _, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// CreateConfig stores a model config. With IsDefault it becomes the only
// default.
func (s *Store) CreateConfig(ctx context.Context, in ConfigInput) (*Config, error) {
	name, model := strings.TrimSpace(in.Name), strings.TrimSpace(in.Model)
	if name == "" || model == "" {
		return nil, fmt.Errorf("%w: config name and model are required", ErrInvalidInput)
	}

	now := s.now().UTC()
	c := &Config{
		ID:         uuid.NewString(),
		ProviderID: in.ProviderID,
		Name:       name,
		Model:      model,
		IsDefault:  in.IsDefault,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		if _, _, err := s.loadProvider(ctx, tx, in.ProviderID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ai_configs (id, provider_id, name, model, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProviderID, c.Name, c.Model, false, now, now,
		)
		if err != nil {
			if s.db.IsUniqueViolation(err) {
				return ErrConfigExists
			}
			return fmt.Errorf("failed to create ai config: %w", err)
		}
		if in.IsDefault {
			return storage.SetSingletonFlag(ctx, tx, "ai_configs", "is_default", c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.ActionAIConfigCreate, audit.On("ai_config", c.ID, map[string]interface{}{
		"name":        c.Name,
		"model":       c.Model,
		"provider_id": c.ProviderID,
		"is_default":  c.IsDefault,
	}))
	return c, nil
}

// UpdateConfig applies a partial update.
func (s *Store) UpdateConfig(ctx context.Context, id string, in ConfigUpdate) (*Config, error) {
	var c *Config
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		if c, err = s.loadConfig(ctx, tx, id); err != nil {
			return err
		}
		if in.ProviderID != nil {
			if _, _, err := s.loadProvider(ctx, tx, *in.ProviderID); err != nil {
				return err
			}
			c.ProviderID = *in.ProviderID
		}
		if in.Name != nil {
			c.Name = strings.TrimSpace(*in.Name)
		}
		if in.Model != nil {
			c.Model = strings.TrimSpace(*in.Model)
		}
		if c.Name == "" || c.Model == "" {
			return fmt.Errorf("%w: config name and model are required", ErrInvalidInput)
		}

		c.UpdatedAt = s.now().UTC()
		_, err = tx.ExecContext(ctx,
			"UPDATE ai_configs SET provider_id = ?, name = ?, model = ?, updated_at = ? WHERE id = ?",
			c.ProviderID, c.Name, c.Model, c.UpdatedAt, id)
		if err != nil {
			if s.db.IsUniqueViolation(err) {
				return ErrConfigExists
			}
			return fmt.Errorf("failed to update ai config: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.ActionAIConfigUpdate, audit.On("ai_config", id, map[string]interface{}{
		"model":       c.Model,
		"provider_id": c.ProviderID,
	}))
	return c, nil
}

// DeleteConfig removes a config.
func (s *Store) DeleteConfig(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM ai_configs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete ai config: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return ErrConfigNotFound
	}

	s.record(ctx, audit.ActionAIConfigDelete, audit.On("ai_config", id, nil))
	return nil
}

// GetConfig returns one config.
func (s *Store) GetConfig(ctx context.Context, id string) (*Config, error) {
	return s.loadConfig(ctx, s.db, id)
}

// ListConfigs returns every config, the default first.
func (s *Store) ListConfigs(ctx context.Context) ([]*Config, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+configColumns+" FROM ai_configs ORDER BY is_default DESC, name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list ai configs: %w", err)
	}
	defer rows.Close()

	configs := make([]*Config, 0)
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// SetDefaultConfig makes id the only default config.
func (s *Store) SetDefaultConfig(ctx context.Context, id string) error {
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		return storage.SetSingletonFlag(ctx, tx, "ai_configs", "is_default", id)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrConfigNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to set default ai config: %w", err)
	}

	s.record(ctx, audit.ActionAIConfigSetDefault, audit.On("ai_config", id, nil))
	return nil
}

// GetDefaultConfig returns the default config.
func (s *Store) GetDefaultConfig(ctx context.Context) (*Config, error) {
	c, err := scanConfig(s.db.QueryRowContext(ctx,
		"SELECT "+configColumns+" FROM ai_configs WHERE is_default = ?", true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	return c, err
}

// ResolveDefault returns the default config with its provider and decrypted
// key.
func (s *Store) ResolveDefault(ctx context.Context) (*Resolved, error) {
	c, err := s.GetDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.GetProvider(ctx, c.ProviderID)
	if err != nil {
		return nil, err
	}
	return &Resolved{Config: c, Provider: p}, nil
}

const (
	providerColumns = "id, name, provider_type, base_url, api_key_encrypted, created_at, updated_at"
	configColumns   = "id, provider_id, name, model, is_default, created_at, updated_at"
)

func (s *Store) loadProvider(ctx context.Context, r storage.Runner, id string) (*Provider, string, error) {
	p, sealed, err := scanProvider(r.QueryRowContext(ctx,
		"SELECT "+providerColumns+" FROM ai_providers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrProviderNotFound
	}
	return p, sealed, err
}

func (s *Store) openProvider(p *Provider, sealed string) (*Provider, error) {
	if sealed == "" {
		return p, nil
	}
	key, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api key of provider %s: %w", p.ID, err)
	}
	p.APIKey = key
	return p, nil
}

func (s *Store) loadConfig(ctx context.Context, r storage.Runner, id string) (*Config, error) {
	c, err := scanConfig(r.QueryRowContext(ctx, "SELECT "+configColumns+" FROM ai_configs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	return c, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row scanner) (*Provider, string, error) {
	var (
		p            Provider
		providerType string
		sealed       string
	)
	if err := row.Scan(&p.ID, &p.Name, &providerType, &p.BaseURL, &sealed, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("failed to scan ai provider: %w", err)
	}
	p.Type = ProviderType(providerType)
	p.HasAPIKey = sealed != ""
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, sealed, nil
}

func scanConfig(row scanner) (*Config, error) {
	var c Config
	if err := row.Scan(&c.ID, &c.ProviderID, &c.Name, &c.Model, &c.IsDefault, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ai config: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}
