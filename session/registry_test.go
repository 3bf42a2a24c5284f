package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmeve/esi-auth-golang/kv"
)

func TestRegistry(t *testing.T) {
	assert := assert.New(t)
	root := kv.NewMemory()

	r, err := NewRegistry(Options{Store: root}, 0)
	require.NoError(t, err)

	_, _, err = r.Acquire(ctx, "")
	assert.Error(err)

	a, release, err := r.Acquire(ctx, "browser-a")
	require.NoError(t, err)
	release()
	again, release, err := r.Acquire(ctx, "browser-a")
	require.NoError(t, err)
	release()
	assert.Same(a, again)

	b, release, err := r.Acquire(ctx, "browser-b")
	require.NoError(t, err)
	release()
	assert.NotSame(a, b)

	require.NoError(t, a.Login(ctx, "admin", "12345"))
	assert.True(a.IsAuthenticated(ctx))
	assert.False(b.IsAuthenticated(ctx))

	// admin config is shared between browsers
	require.NoError(t, b.UpdateAdminConfig(ctx, AdminConfig{Username: "ceo", Password: "hunter2"}))
	shared, err := r.Shared()
	require.NoError(t, err)
	cfg, err := shared.AdminConfig(ctx)
	require.NoError(t, err)
	assert.Equal("ceo", cfg.Username)
	assert.NoError(a.Login(ctx, "ceo", "hunter2"))

	keys, err := root.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(keys, "admin-config")
	assert.Contains(keys, "session:browser-a:auth-user")
}

func TestRegistryEvictsIdleManagers(t *testing.T) {
	r, err := NewRegistry(Options{Store: kv.NewMemory()}, 1)
	require.NoError(t, err)

	a, release, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	release()
	_, release, err = r.Acquire(ctx, "b")
	require.NoError(t, err)
	release()

	again, release, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	release()
	assert.NotSame(t, a, again)
}

func TestRegistryKeepsManagersInUse(t *testing.T) {
	assert := assert.New(t)
	r, err := NewRegistry(Options{Store: kv.NewMemory()}, 1)
	require.NoError(t, err)

	a, releaseA, err := r.Acquire(ctx, "a")
	require.NoError(t, err)

	// "a" falls out of the LRU but is still held
	_, releaseB, err := r.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()

	again, releaseAgain, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Same(a, again)

	releaseA()
	releaseA()
	releaseAgain()

	_, releaseB, err = r.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()

	fresh, release, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	release()
	assert.NotSame(a, fresh)
}

func TestRegistryTriggerSurvivesEviction(t *testing.T) {
	assert := assert.New(t)
	r, err := NewRegistry(Options{Store: kv.NewMemory()}, 1)
	require.NoError(t, err)

	a, release, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, a.Login(ctx, "admin", "12345"))
	seen := a.AuthTrigger()
	release()

	_, release, err = r.Acquire(ctx, "b")
	require.NoError(t, err)
	release()

	rebuilt, release, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	defer release()
	require.NotSame(t, a, rebuilt)

	assert.True(rebuilt.IsAuthenticated(ctx))
	assert.Equal(seen, rebuilt.AuthTrigger())

	require.NoError(t, rebuilt.Logout(ctx))
	assert.Greater(rebuilt.AuthTrigger(), seen)
}
