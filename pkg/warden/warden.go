// Package warden wires the authorization core together on one storage
// handle. There is no package-level state: every component hangs off the
// Warden returned by New.
package warden

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/aiconfig"
	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/auth"
	"github.com/platinummonkey/sqlwarden/pkg/cache"
	"github.com/platinummonkey/sqlwarden/pkg/cipher"
	"github.com/platinummonkey/sqlwarden/pkg/connections"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/password"
	"github.com/platinummonkey/sqlwarden/pkg/policy"
	"github.com/platinummonkey/sqlwarden/pkg/rbac"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// Options configures New. Cipher, Hasher and Tokens.Secret are required.
type Options struct {
	Cipher       *cipher.Cipher
	Hasher       password.Hasher
	Tokens       auth.TokenConfig
	Cache        cache.AccessCache
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	// LoginLimiter throttles failed logins; nil disables throttling.
	LoginLimiter auth.LoginLimiter
	// ProbeTimeout bounds TestConnection; zero means the prober default.
	ProbeTimeout time.Duration
}

// Warden is the explicit core handle.
type Warden struct {
	DB          *storage.Handle
	Audit       *audit.Recorder
	Identity    *rbac.Store
	Rules       *policy.Store
	Policy      *policy.Evaluator
	Tokens      *auth.TokenService
	Sessions    *auth.SessionStore
	Auth        *auth.Manager
	Connections *connections.Store
	Prober      *connections.Prober
	AI          *aiconfig.Store

	logger *observability.Logger
}

// New builds every component on db.
func New(db *storage.Handle, opts Options) (*Warden, error) {
	if db == nil {
		return nil, errors.New("storage handle is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("credential cipher is required")
	}
	if opts.Hasher == nil {
		return nil, errors.New("password hasher is required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Cache == nil {
		opts.Cache = cache.Noop{}
	}

	tokens, err := auth.NewTokenService(opts.Tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	recorder := audit.NewRecorder(db, opts.Logger.WithField("component", "audit"),
		audit.WithMetrics(opts.Metrics))

	identity := rbac.NewStore(db, opts.Hasher,
		rbac.WithAuditLogger(recorder),
		rbac.WithAccessCache(opts.Cache),
		rbac.WithLogger(opts.Logger.WithField("component", "rbac")),
		rbac.WithMetrics(opts.Metrics),
	)

	rules := policy.NewStore(db,
		policy.WithStoreAuditLogger(recorder),
		policy.WithStoreLogger(opts.Logger.WithField("component", "policy")),
	)

	evaluator := policy.NewEvaluator(rules, identity,
		policy.WithMatcher(policy.NewMatcher(policy.DefaultPatternCacheSize, policy.DefaultPatternCacheTTL, opts.Metrics)),
		policy.WithAuditLogger(recorder),
		policy.WithLogger(opts.Logger.WithField("component", "policy")),
		policy.WithMetrics(opts.Metrics),
	)

	authOpts := []auth.Option{
		auth.WithAuditLogger(recorder),
		auth.WithLogger(opts.Logger.WithField("component", "auth")),
		auth.WithMetrics(opts.Metrics),
	}
	if opts.LoginLimiter != nil {
		authOpts = append(authOpts, auth.WithLoginLimiter(opts.LoginLimiter))
	}
	sessions := auth.NewSessionStore(db)
	manager := auth.NewManager(identity, opts.Hasher, tokens, sessions, authOpts...)

	return &Warden{
		DB:       db,
		Audit:    recorder,
		Identity: identity,
		Rules:    rules,
		Policy:   evaluator,
		Tokens:   tokens,
		Sessions: sessions,
		Auth:     manager,
		Connections: connections.NewStore(db, opts.Cipher,
			connections.WithAuditLogger(recorder),
			connections.WithLogger(opts.Logger.WithField("component", "connections")),
		),
		Prober: connections.NewProber(opts.ProbeTimeout),
		AI: aiconfig.NewStore(db, opts.Cipher,
			aiconfig.WithAuditLogger(recorder),
			aiconfig.WithLogger(opts.Logger.WithField("component", "aiconfig")),
		),
		logger: opts.Logger,
	}, nil
}

// Init applies migrations, seeds the permission catalog and built-in roles,
// and creates the system administrator when admin is non-nil. It is safe to
// call on every start.
func (w *Warden) Init(ctx context.Context, admin *rbac.BootstrapInput) error {
	applied, err := storage.Migrate(ctx, w.DB)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	if applied > 0 {
		w.logger.WithField("applied", applied).Info("applied schema migrations")
	}

	if err := w.Identity.SeedCatalog(ctx); err != nil {
		return err
	}

	if admin == nil {
		return nil
	}
	if _, _, err := w.Identity.BootstrapAdmin(ctx, *admin); err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}
	return nil
}

// TestConnection probes the stored connection id. Unreachable endpoints come
// back in the result, not as an error.
func (w *Warden) TestConnection(ctx context.Context, id string) (*connections.ProbeResult, error) {
	conn, err := w.Connections.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := w.Prober.Probe(ctx, conn)
	if err != nil {
		return nil, err
	}
	observability.FromContext(ctx, w.logger).WithFields(map[string]interface{}{
		"connection_id": id,
		"reachable":     result.Reachable,
		"latency_ms":    result.Latency.Milliseconds(),
	}).Debug("probed connection")
	return result, nil
}

// Close releases the storage handle.
func (w *Warden) Close() error {
	return w.DB.Close()
}
