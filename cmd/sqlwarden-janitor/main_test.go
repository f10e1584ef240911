package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/auth"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/rbac"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

type memoryArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (a *memoryArchiver) Archive(_ context.Context, name string, data []byte, _ audit.ExportFormat) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[name] = data
	return "mem://" + name, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestJanitor_RunAll(t *testing.T) {
	ids, db := rbac.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	old := audit.NewRecorder(db, observability.NopLogger(), audit.WithClock(func() time.Time {
		return now.AddDate(0, 0, -120)
	}))
	_, err := old.Record(ctx, audit.ActionLogin, "", audit.Options{})
	require.NoError(t, err)
	recent := audit.NewRecorder(db, observability.NopLogger(), audit.WithClock(func() time.Time { return now }))
	_, err = recent.Record(ctx, audit.ActionLogin, "", audit.Options{})
	require.NoError(t, err)

	active := rbac.CreateTestUser(t, ids, "active", "password-1")
	inactive := rbac.CreateTestUser(t, ids, "inactive", "password-2")

	sessions := auth.NewSessionStore(db)
	live := &auth.Session{ID: "live", UserID: active.ID, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	stale := &auth.Session{ID: "stale", UserID: active.ID, ExpiresAt: now.Add(-72 * time.Hour), CreatedAt: now.Add(-80 * time.Hour)}
	orphan := &auth.Session{ID: "orphan", UserID: inactive.ID, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	require.NoError(t, sessions.Create(ctx, live, "token-live"))
	require.NoError(t, sessions.Create(ctx, stale, "token-stale"))
	require.NoError(t, sessions.Create(ctx, orphan, "token-orphan"))

	require.NoError(t, ids.DeleteUser(ctx, inactive.ID))

	archiver := &memoryArchiver{}
	j := newJanitor(db, archiver, audit.RetentionPolicy{RetentionDays: 90}, 24*time.Hour, quietLogger())
	j.now = func() time.Time { return now }

	require.NoError(t, j.runAll(ctx))

	assert.Len(t, archiver.objects, 1)

	page, err := recent.Search(ctx, audit.Filter{Actions: []audit.Action{audit.ActionLogin}})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total, "only the recent entry survives")

	_, err = sessions.Get(ctx, "live")
	assert.NoError(t, err)
	_, err = sessions.Get(ctx, "stale")
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)

	revoked, err := sessions.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.NotNil(t, revoked.RevokedAt, "sessions of deactivated users are revoked")
}

func TestJanitor_RetentionDisabled(t *testing.T) {
	db := storage.NewTestHandle(t)
	j := newJanitor(db, nil, audit.RetentionPolicy{}, time.Hour, quietLogger())

	require.NoError(t, j.runAll(context.Background()))
}

func TestSetupLogger(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, setupLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, setupLogger("nonsense").GetLevel())
}
