package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginlookup/internal/domain"
)

// newTestRepo creates an in-memory SQLite repository for testing
func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
	})
	return repo
}

func registration(module, entry, name string, actions ...string) domain.Registration {
	reg := domain.Registration{Module: module, EntryPoint: entry, Actions: actions}
	if name != "" {
		reg.Metadata = map[string]string{domain.MetaName: name}
	}
	return reg
}

func TestRegisterAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	reg := registration("a", "svc1", "Alpha", domain.ActionPickProvider, "other")
	reg.Metadata[domain.MetaConfigClass] = "a.Settings"
	require.NoError(t, repo.Register(ctx, reg))

	got, err := repo.GetRegistration(ctx, domain.NewProviderID("a", "svc1"))
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.Meta(domain.MetaName))
	assert.Equal(t, "a.Settings", got.Meta(domain.MetaConfigClass))
	assert.ElementsMatch(t, []string{domain.ActionPickProvider, "other"}, got.Actions)
	assert.Equal(t, "database", got.Source)

	_, err = repo.GetRegistration(ctx, domain.NewProviderID("a", "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRegisterRejectsMissingIdentity(t *testing.T) {
	repo := newTestRepo(t)
	require.Error(t, repo.Register(context.Background(), registration("", "svc", "x")))
}

func TestListRegistrationsFiltersByAction(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, registration("a", "svc1", "Alpha", domain.ActionPickProvider)))
	require.NoError(t, repo.Register(ctx, registration("b", "svc2", "", domain.ActionPickProvider)))
	require.NoError(t, repo.Register(ctx, registration("c", "svc3", "Gamma", "other")))

	picked, err := repo.Query(ctx, domain.ActionPickProvider)
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "a", picked[0].Module)
	assert.Equal(t, "b", picked[1].Module)
	assert.Nil(t, picked[1].Metadata)

	all, err := repo.ListRegistrations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRegisterUpdatesInPlace(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, registration("a", "svc1", "Alpha", domain.ActionPickProvider)))
	require.NoError(t, repo.Register(ctx, registration("b", "svc2", "Beta", domain.ActionPickProvider)))
	require.NoError(t, repo.Register(ctx, registration("a", "svc1", "Alpha 2", "other")))

	all, err := repo.ListRegistrations(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Module)
	assert.Equal(t, "Alpha 2", all[0].Meta(domain.MetaName))
	assert.Equal(t, []string{"other"}, all[0].Actions)

	picked, err := repo.Query(ctx, domain.ActionPickProvider)
	require.NoError(t, err)
	require.Len(t, picked, 1)
	assert.Equal(t, "b", picked[0].Module)
}

func TestUnregister(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := domain.NewProviderID("a", "svc1")

	require.NoError(t, repo.Register(ctx, registration("a", "svc1", "Alpha", domain.ActionPickProvider)))

	removed, err := repo.Unregister(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = repo.Unregister(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)

	picked, err := repo.Query(ctx, domain.ActionPickProvider)
	require.NoError(t, err)
	assert.Empty(t, picked)
}
