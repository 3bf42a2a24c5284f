package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	oauth "github.com/lmeve/esi-auth-golang"
	"github.com/lmeve/esi-auth-golang/kv"
)

const (
	keyUser        = "auth-user"
	keyPKCE        = "pkce-state"
	keyAdminConfig = "admin-config"
	keyProcessed   = "processed-callback:"
	keyTrigger     = "auth-trigger"

	// ExpiryBuffer is how long before TokenExpiry a token already counts as
	// expired, so callers refresh ahead of time.
	ExpiryBuffer = 5 * time.Minute

	DefaultPKCETTL = 5 * time.Minute
)

// ErrNoPendingAuthorization is returned by HandleESICallback when no unexpired
// PKCE state is stored. It matches oauth.ErrStateMismatch.
var ErrNoPendingAuthorization = fmt.Errorf("%w: no pending authorization", oauth.ErrStateMismatch)

var (
	ErrSSONotConfigured = errors.New("esi login is not configured")
	ErrEmptyAdminConfig = errors.New("admin username and password must not be empty")
)

// Authorizer is the OAuth side the manager delegates to; *oauth.Client
// implements it.
type Authorizer interface {
	BeginAuthorization() (*oauth.AuthorizationRequest, error)
	CompleteAuthorization(ctx context.Context, code, state string, stored *oauth.PKCEAuthState) (*oauth.AuthUser, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth.TokenResponse, error)
}

type Options struct {
	// Store holds this session's identity and PKCE state.
	Store kv.Store
	// Shared holds the admin config. Defaults to Store.
	Shared     kv.Store
	Authorizer Authorizer
	Logger     *slog.Logger
	Now        func() time.Time
	PKCETTL    time.Duration
}

// Manager is the only writer of a session's persisted identity. Mutations are
// serialized; reads go straight to the store.
type Manager struct {
	store   kv.Store
	shared  kv.Store
	auth    Authorizer
	logger  *slog.Logger
	now     func() time.Time
	pkceTTL time.Duration

	mu      sync.Mutex
	loading atomic.Bool
	trigger atomic.Int64
	refresh singleflight.Group

	// callbacks collapses duplicate SSO redirects of the same code.
	callbacks singleflight.Group

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session manager requires a store")
	}
	if opts.Shared == nil {
		opts.Shared = opts.Store
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PKCETTL <= 0 {
		opts.PKCETTL = DefaultPKCETTL
	}

	return &Manager{
		store:   opts.Store,
		shared:  opts.Shared,
		auth:    opts.Authorizer,
		logger:  opts.Logger.With("component", "session"),
		now:     opts.Now,
		pkceTTL: opts.PKCETTL,
		subs:    make(map[int]func(Event)),
	}, nil
}

// User returns the persisted identity, or nil when anonymous.
func (m *Manager) User(ctx context.Context) (*oauth.AuthUser, error) {
	var user oauth.AuthUser
	err := kv.GetJSON(ctx, m.store, keyUser, &user)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load session identity: %w", err)
	}
	return &user, nil
}

func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	user, err := m.User(ctx)
	return err == nil && user != nil
}

func (m *Manager) IsLoading() bool {
	return m.loading.Load()
}

// AuthTrigger increases on every login and logout.
func (m *Manager) AuthTrigger() int64 {
	return m.trigger.Load()
}

// AdminConfig returns the stored admin credentials, or the defaults.
func (m *Manager) AdminConfig(ctx context.Context) (AdminConfig, error) {
	var cfg AdminConfig
	err := kv.GetJSON(ctx, m.shared, keyAdminConfig, &cfg)
	if errors.Is(err, kv.ErrNotFound) {
		return DefaultAdminConfig(), nil
	}
	if err != nil {
		return AdminConfig{}, fmt.Errorf("could not load admin config: %w", err)
	}
	return cfg, nil
}

// UpdateAdminConfig replaces the admin credentials. The current session is
// left as is.
func (m *Manager) UpdateAdminConfig(ctx context.Context, cfg AdminConfig) error {
	cfg.Username = strings.TrimSpace(cfg.Username)
	cfg.Password = strings.TrimSpace(cfg.Password)
	if cfg.Username == "" || cfg.Password == "" {
		return ErrEmptyAdminConfig
	}

	if err := kv.SetJSON(ctx, m.shared, keyAdminConfig, cfg); err != nil {
		return fmt.Errorf("could not save admin config: %w", err)
	}

	m.logger.Info("admin config updated", "username", cfg.Username)
	return nil
}

// Login authenticates against the local admin credentials.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loading.Store(true)
	defer m.loading.Store(false)

	cfg, err := m.AdminConfig(ctx)
	if err != nil {
		return err
	}

	user := ValidateLocalCredentials(username, password, cfg, m.now())
	if user == nil {
		m.logger.Info("local login rejected", "username", strings.TrimSpace(username))
		return oauth.ErrInvalidCredentials
	}

	if err := m.saveUser(ctx, user); err != nil {
		return err
	}

	m.logger.Info("local login", "username", strings.TrimSpace(username))
	m.notify(Event{Kind: EventLogin, Trigger: m.bumpTrigger(ctx), User: user})
	return nil
}

// LoginWithESI starts an SSO round trip and returns the url the browser must
// visit. A previous pending attempt is replaced.
func (m *Manager) LoginWithESI(ctx context.Context) (string, error) {
	if m.auth == nil {
		return "", ErrSSONotConfigured
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.auth.BeginAuthorization()
	if err != nil {
		return "", err
	}

	if err := kv.SetJSON(ctx, m.store, keyPKCE, req.State); err != nil {
		return "", fmt.Errorf("could not save pkce state: %w", err)
	}

	return req.AuthorizationUrl, nil
}

// HandleESICallback completes a pending SSO round trip. The stored PKCE state
// is discarded whatever the outcome.
func (m *Manager) HandleESICallback(ctx context.Context, code, state string) (*oauth.AuthUser, error) {
	if m.auth == nil {
		return nil, ErrSSONotConfigured
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.loading.Store(true)
	defer m.loading.Store(false)

	var stored oauth.PKCEAuthState
	err := kv.GetJSON(ctx, m.store, keyPKCE, &stored)
	defer m.discardPKCE(ctx)

	if errors.Is(err, kv.ErrNotFound) {
		m.logger.Warn("sso callback without pending authorization")
		return nil, ErrNoPendingAuthorization
	}
	if err != nil {
		return nil, fmt.Errorf("could not load pkce state: %w", err)
	}

	if stored.Expired(m.now(), m.pkceTTL) {
		m.logger.Warn("sso callback for expired authorization", "created", stored.CreatedAt)
		return nil, ErrNoPendingAuthorization
	}

	user, err := m.auth.CompleteAuthorization(ctx, code, state, &stored)
	if err != nil {
		if errors.Is(err, oauth.ErrStateMismatch) {
			m.logger.Warn("sso callback state mismatch")
		} else {
			m.logger.Error("sso login failed", "error", err)
		}
		return nil, err
	}

	if err := m.saveUser(ctx, user); err != nil {
		return nil, err
	}

	m.logger.Info("sso login", "character", user.CharacterName, "characterId", user.CharacterId)
	m.notify(Event{Kind: EventLogin, Trigger: m.bumpTrigger(ctx), User: user})
	return user, nil
}

func (m *Manager) discardPKCE(ctx context.Context) {
	if err := m.store.Delete(context.WithoutCancel(ctx), keyPKCE); err != nil {
		m.logger.Error("could not discard pkce state", "error", err)
	}
}

// Logout clears the identity. It always counts as a transition.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.logout(ctx, nil)
}

func (m *Manager) logout(ctx context.Context, cause error) error {
	if err := m.store.Delete(ctx, keyUser); err != nil {
		return fmt.Errorf("could not clear session identity: %w", err)
	}
	m.clearCallbackMarkers(ctx)

	m.notify(Event{Kind: EventLogout, Trigger: m.bumpTrigger(ctx), Err: cause})
	return nil
}

// clearCallbackMarkers forgets the codes this session exchanged. A replayed
// redirect after logout then fails for lack of pending state.
func (m *Manager) clearCallbackMarkers(ctx context.Context) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		m.logger.Warn("could not list callback markers", "error", err)
		return
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, keyProcessed) {
			continue
		}
		if err := m.store.Delete(ctx, k); err != nil {
			m.logger.Warn("could not delete callback marker", "key", k, "error", err)
		}
	}
}

// bumpTrigger advances the auth trigger and persists it, so a manager rebuilt
// for the same session continues from the stored value. Callers hold m.mu.
func (m *Manager) bumpTrigger(ctx context.Context) int64 {
	n := m.trigger.Add(1)
	if err := kv.SetJSON(context.WithoutCancel(ctx), m.store, keyTrigger, n); err != nil {
		m.logger.Error("could not persist auth trigger", "trigger", n, "error", err)
	}
	return n
}

// restoreTrigger loads the persisted auth trigger. The counter never moves
// backwards.
func (m *Manager) restoreTrigger(ctx context.Context) error {
	var n int64
	err := kv.GetJSON(ctx, m.store, keyTrigger, &n)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not load auth trigger: %w", err)
	}

	for {
		cur := m.trigger.Load()
		if n <= cur || m.trigger.CompareAndSwap(cur, n) {
			return nil
		}
	}
}

// RefreshUserToken renews the access token of an SSO identity. Admin and
// anonymous sessions are left alone. When the refresh fails the session is
// logged out and the refresh error returned. Concurrent calls share one
// refresh.
func (m *Manager) RefreshUserToken(ctx context.Context) error {
	_, err, _ := m.refresh.Do(keyUser, func() (any, error) {
		return nil, m.refreshUserToken(ctx)
	})
	return err
}

func (m *Manager) refreshUserToken(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, err := m.User(ctx)
	if err != nil {
		return err
	}
	if user == nil || user.IsAdmin {
		return nil
	}
	if m.auth == nil {
		return ErrSSONotConfigured
	}

	resp, err := m.auth.RefreshAccessToken(ctx, user.RefreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed, logging out", "characterId", user.CharacterId, "error", err)
		if lerr := m.logout(context.WithoutCancel(ctx), err); lerr != nil {
			return errors.Join(err, lerr)
		}
		return err
	}

	user.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		user.RefreshToken = resp.RefreshToken
	}
	user.TokenExpiry = m.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()

	if err := m.saveUser(ctx, user); err != nil {
		return err
	}

	m.logger.Debug("token refreshed", "characterId", user.CharacterId)
	m.notify(Event{Kind: EventRefresh, Trigger: m.trigger.Load(), User: user})
	return nil
}

// IsTokenExpired reports whether the identity's token is within ExpiryBuffer
// of its expiry. Admin and anonymous sessions never expire.
func (m *Manager) IsTokenExpired(ctx context.Context) bool {
	user, err := m.User(ctx)
	if err != nil {
		m.logger.Warn("could not check token expiry", "error", err)
		return false
	}
	return TokenExpired(user, m.now())
}

// TokenExpired is IsTokenExpired for a given identity and time.
func TokenExpired(user *oauth.AuthUser, now time.Time) bool {
	if user == nil || user.IsAdmin {
		return false
	}
	return !now.Before(user.Expiry().Add(-ExpiryBuffer))
}

func (m *Manager) saveUser(ctx context.Context, user *oauth.AuthUser) error {
	if err := kv.SetJSON(ctx, m.store, keyUser, user); err != nil {
		return fmt.Errorf("could not save session identity: %w", err)
	}
	return nil
}
