package session_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmesh/router-core/internal/session"
	"github.com/walletmesh/router-core/pkg/log"
)

func newGormStore(t *testing.T, cfg session.Config) *session.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := session.Open(context.Background(), session.DatabaseConfig{Driver: "sqlite", DSN: dsn}, cfg, log.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestGormStore_CreateGetSurvivesRoundTrip(t *testing.T) {
	store := newGormStore(t, session.DefaultConfig())

	perms := session.Permissions{"eip155:1": {"eth_accounts": session.Allow}}
	record, err := store.Create(context.Background(), "https://dapp.example", perms, map[string]string{"app": "demo"})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), record.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://dapp.example", got.Origin)
	assert.Equal(t, session.Allow, got.Permissions["eip155:1"]["eth_accounts"])
	assert.Equal(t, "demo", got.Metadata["app"])
}

func TestGormStore_ValidateAndRefresh_Expiry(t *testing.T) {
	cfg := session.Config{Lifetime: 50 * time.Millisecond, RefreshOnAccess: false}
	store := newGormStore(t, cfg.WithSweepDisabled())

	record, err := store.Create(context.Background(), "https://dapp.example", nil, nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	got, err := store.ValidateAndRefresh(context.Background(), record.SessionID, "https://dapp.example")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGormStore_ValidateAndRefresh_OriginMismatch(t *testing.T) {
	store := newGormStore(t, session.DefaultConfig())
	record, err := store.Create(context.Background(), "https://dapp.example", nil, nil)
	require.NoError(t, err)

	got, err := store.ValidateAndRefresh(context.Background(), record.SessionID, "https://evil.example")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGormStore_CleanExpired_Idempotent(t *testing.T) {
	cfg := session.Config{Lifetime: 10 * time.Millisecond, RefreshOnAccess: false}
	store := newGormStore(t, cfg.WithSweepDisabled())
	_, err := store.Create(context.Background(), "https://dapp.example", nil, nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	n, err := store.CleanExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CleanExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGormStore_Delete(t *testing.T) {
	store := newGormStore(t, session.DefaultConfig())
	record, err := store.Create(context.Background(), "https://dapp.example", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), record.SessionID))

	got, err := store.Get(context.Background(), record.SessionID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGormStore_Update_PersistsPermissionChanges(t *testing.T) {
	store := newGormStore(t, session.DefaultConfig())
	record, err := store.Create(context.Background(), "https://dapp.example", session.Permissions{}, nil)
	require.NoError(t, err)

	record.Permissions["eip155:1"] = session.ChainPermissions{"eth_accounts": session.Allow}
	require.NoError(t, store.Update(context.Background(), record))

	got, err := store.Get(context.Background(), record.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.Allow, got.Permissions["eip155:1"]["eth_accounts"])
}
