package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:kv-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func newTestRedis(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.(*redisStore).Close()
	})
	return s
}

func testStoreLifecycle(t *testing.T, s Store) {
	assert := assert.New(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "auth-user")
	assert.ErrorIs(err, ErrNotFound)

	assert.NoError(s.Set(ctx, "auth-user", []byte(`{"characterId":1}`)))
	assert.NoError(s.Set(ctx, "admin-config", []byte(`{"username":"admin"}`)))

	v, err := s.Get(ctx, "auth-user")
	assert.NoError(err)
	assert.Equal(`{"characterId":1}`, string(v))

	assert.NoError(s.Set(ctx, "auth-user", []byte(`{"characterId":2}`)))
	v, err = s.Get(ctx, "auth-user")
	assert.NoError(err)
	assert.Equal(`{"characterId":2}`, string(v))

	keys, err := s.Keys(ctx)
	assert.NoError(err)
	assert.Equal([]string{"admin-config", "auth-user"}, keys)

	assert.NoError(s.Delete(ctx, "auth-user"))
	assert.NoError(s.Delete(ctx, "never-set"))

	_, err = s.Get(ctx, "auth-user")
	assert.ErrorIs(err, ErrNotFound)

	keys, err = s.Keys(ctx)
	assert.NoError(err)
	assert.Equal([]string{"admin-config"}, keys)
}

func TestMemoryStore(t *testing.T) {
	testStoreLifecycle(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(newTestSQLiteDB(t))
	require.NoError(t, err)
	testStoreLifecycle(t, s)
}

func TestRedisStore(t *testing.T) {
	testStoreLifecycle(t, newTestRedis(t))
}

func TestPrefixedStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	base := NewMemory()

	a := Prefixed(base, "session:a:")
	b := Prefixed(base, "session:b:")

	assert.NoError(a.Set(ctx, "auth-user", []byte("a")))
	assert.NoError(b.Set(ctx, "auth-user", []byte("b")))

	v, err := a.Get(ctx, "auth-user")
	assert.NoError(err)
	assert.Equal("a", string(v))

	keys, err := b.Keys(ctx)
	assert.NoError(err)
	assert.Equal([]string{"auth-user"}, keys)

	assert.NoError(a.Delete(ctx, "auth-user"))
	_, err = a.Get(ctx, "auth-user")
	assert.ErrorIs(err, ErrNotFound)

	all, err := base.Keys(ctx)
	assert.NoError(err)
	assert.Equal([]string{"session:b:auth-user"}, all)
}

func TestJSONHelpers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemory()

	type config struct {
		Username string `json:"username"`
	}

	var out config
	assert.ErrorIs(GetJSON(ctx, s, "admin-config", &out), ErrNotFound)

	assert.NoError(SetJSON(ctx, s, "admin-config", config{Username: "admin"}))
	assert.NoError(GetJSON(ctx, s, "admin-config", &out))
	assert.Equal("admin", out.Username)
}

func TestNewFromConfig(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s, err := New(ctx, Config{})
	assert.NoError(err)
	assert.IsType(&memoryStore{}, s)

	_, err = New(ctx, Config{Driver: DriverSQLite})
	assert.Error(err)

	s, err = New(ctx, Config{Driver: DriverSQLite, SQLitePath: fmt.Sprintf("file:kv-factory-%d?mode=memory&cache=shared", time.Now().UnixNano())})
	assert.NoError(err)
	assert.IsType(&sqliteStore{}, s)

	mr := miniredis.RunT(t)
	s, err = New(ctx, Config{Driver: DriverRedis, Redis: RedisConfig{Addr: mr.Addr(), Prefix: "test:"}})
	assert.NoError(err)
	assert.IsType(&redisStore{}, s)

	_, err = New(ctx, Config{Driver: "etcd"})
	assert.Error(err)
}
