package access

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	relations, err := store.OpenSQLite(filepath.Join(t.TempDir(), "tenants.db"), RelationDatabase)
	require.NoError(t, err)
	t.Cleanup(func() { relations.Close() })
	return NewService(relations, zap.NewNop()), relations
}

func TestCreateTenantThenVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTenant(ctx, "tenant-alice", "alice@example.com")
	require.NoError(t, err)
	assert.True(t, created)

	ok, err := svc.VerifyAccess(ctx, "tenant-alice", "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "the owner is a member of their own tenant")

	ok, err = svc.VerifyAccess(ctx, "tenant-alice", "mallory@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAccessUnknownTenant(t *testing.T) {
	svc, _ := newTestService(t)

	ok, err := svc.VerifyAccess(context.Background(), "tenant-ghost", "alice@example.com")
	require.NoError(t, err, "a missing tenant is not an error")
	assert.False(t, ok)
}

func TestCreateTenantTwice(t *testing.T) {
	svc, relations := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTenant(ctx, "tenant-alice", "alice@example.com")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.CreateTenant(ctx, "tenant-alice", "bob@example.com")
	require.NoError(t, err)
	assert.False(t, created, "losing the creation race is not an error")

	// The original membership is untouched by the losing create
	doc, err := relations.Get(ctx, model.Key(model.KindTenant, "tenant-alice"))
	require.NoError(t, err)
	tenant, err := doc.Tenant()
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", tenant.Owner)
	assert.Equal(t, []string{"alice@example.com"}, tenant.Members)
}

func TestAddMember(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTenant(ctx, "tenant-alice", "alice@example.com")
	require.NoError(t, err)

	added, err := svc.AddMember(ctx, "tenant-alice", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = svc.AddMember(ctx, "tenant-alice", "bob@example.com")
	require.NoError(t, err)
	assert.False(t, added, "second add is a no-op")

	ok, err := svc.VerifyAccess(ctx, "tenant-alice", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAddMemberUnknownTenant(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.AddMember(context.Background(), "tenant-ghost", "bob@example.com")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
