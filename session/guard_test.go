package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/lmeve/esi-auth-golang"
	"github.com/lmeve/esi-auth-golang/kv"
)

func TestDecide(t *testing.T) {
	user := &oauth.AuthUser{CharacterName: "Jita Trader"}

	tests := []struct {
		name     string
		user     *oauth.AuthUser
		hasLogin bool
		want     Decision
	}{
		{"identity", user, false, Allow},
		{"identity with login", user, true, Allow},
		{"anonymous with login", nil, true, DenyWithLogin},
		{"anonymous", nil, false, Deny},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.user, tc.hasLogin))
		})
	}
}

func newGuardedEcho(f *fixture, cfg GuardConfig) *echo.Echo {
	e := echo.New()
	cfg.Manager = func(echo.Context) (*Manager, error) { return f.m, nil }

	g := e.Group("", Guard(cfg))
	g.GET("/me", func(c echo.Context) error {
		return c.JSON(http.StatusOK, UserFromContext(c))
	})
	return e
}

func serve(e *echo.Echo, method, target, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if accept != "" {
		req.Header.Set(echo.HeaderAccept, accept)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGuardAnonymous(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	e := newGuardedEcho(f, GuardConfig{LoginPath: "/login"})

	rec := serve(e, http.MethodGet, "/me", "application/json")
	assert.Equal(http.StatusUnauthorized, rec.Code)
	assert.Contains(rec.Body.String(), `"login":"/login"`)

	rec = serve(e, http.MethodGet, "/me", "text/html,application/xhtml+xml")
	assert.Equal(http.StatusFound, rec.Code)
	assert.Equal("/login", rec.Header().Get(echo.HeaderLocation))

	e = newGuardedEcho(f, GuardConfig{})
	rec = serve(e, http.MethodGet, "/me", "text/html")
	assert.Equal(http.StatusUnauthorized, rec.Code)
	assert.NotContains(rec.Body.String(), "login")
}

func TestGuardAllows(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	require.NoError(t, f.m.Login(ctx, "admin", "12345"))

	e := newGuardedEcho(f, GuardConfig{LoginPath: "/login", Require: RequireAdmin})

	rec := serve(e, http.MethodGet, "/me", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "Local Administrator")
}

func TestGuardRequire(t *testing.T) {
	f := newFixture(t)
	f.srv.CeoId = f.srv.CharacterId + 1
	f.srv.Roles = nil
	f.loginESI(t)

	e := newGuardedEcho(f, GuardConfig{Require: RequireAdmin})
	rec := serve(e, http.MethodGet, "/me", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGuardRefreshesStaleToken(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	user := f.loginESI(t)
	f.clock.Set(time.UnixMilli(user.TokenExpiry))

	e := newGuardedEcho(f, GuardConfig{LoginPath: "/login", RefreshStale: true})

	rec := serve(e, http.MethodGet, "/me", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(1, f.srv.Calls("refresh"))
	assert.False(f.m.IsTokenExpired(ctx))

	f.clock.Advance(24 * time.Hour)
	f.srv.RefreshStatus = http.StatusBadRequest

	rec = serve(e, http.MethodGet, "/me", "")
	assert.Equal(http.StatusUnauthorized, rec.Code)
	assert.False(f.m.IsAuthenticated(ctx))
}

// flakyStore fails writes while failSet is on.
type flakyStore struct {
	kv.Store
	failSet atomic.Bool
}

func (s *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if s.failSet.Load() {
		return errors.New("store unavailable")
	}
	return s.Store.Set(ctx, key, value)
}

func TestGuardDeniesExpiredTokenWhenRefreshCannotPersist(t *testing.T) {
	assert := assert.New(t)
	store := &flakyStore{Store: kv.NewMemory()}
	f := newFixtureWithStore(t, store)
	user := f.loginESI(t)

	f.clock.Set(user.Expiry())
	store.failSet.Store(true)

	e := newGuardedEcho(f, GuardConfig{RefreshStale: true})
	rec := serve(e, http.MethodGet, "/me", "")
	assert.Equal(http.StatusUnauthorized, rec.Code)
	assert.Equal(1, f.srv.Calls("refresh"))

	// the failed write is not a rejected refresh, so the identity is kept
	assert.True(f.m.IsAuthenticated(ctx))
}

func TestGuardWithoutRefresh(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	user := f.loginESI(t)

	e := newGuardedEcho(f, GuardConfig{})

	// inside the refresh buffer the token is still usable
	f.clock.Set(user.Expiry().Add(-time.Minute))
	assert.Equal(http.StatusOK, serve(e, http.MethodGet, "/me", "").Code)

	f.clock.Set(user.Expiry())
	assert.Equal(http.StatusUnauthorized, serve(e, http.MethodGet, "/me", "").Code)
	assert.Equal(0, f.srv.Calls("refresh"))

	require.NoError(t, f.m.Login(ctx, "admin", "12345"))
	f.clock.Advance(48 * time.Hour)
	assert.Equal(http.StatusOK, serve(e, http.MethodGet, "/me", "").Code)
}
