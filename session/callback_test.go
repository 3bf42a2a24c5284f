package session

import (
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/lmeve/esi-auth-golang"
)

type phaseRecorder struct {
	mu       sync.Mutex
	statuses []CallbackStatus
}

func (r *phaseRecorder) observe(s CallbackStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *phaseRecorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s.Phase)
	}
	return out
}

func (r *phaseRecorder) last() CallbackStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

func startESI(t *testing.T, f *fixture) string {
	t.Helper()

	authUrl, err := f.m.LoginWithESI(ctx)
	require.NoError(t, err)
	u, err := url.Parse(authUrl)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestProcessCallbackDenied(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	rec := &phaseRecorder{}
	h := NewCallbackHandler(f.m, rec.observe)

	startESI(t, f)

	_, err := h.ProcessCallback(ctx, url.Values{
		"error":             {"access_denied"},
		"error_description": {"The user denied the request"},
	})
	assert.ErrorIs(err, oauth.ErrOAuthDenied)
	assert.Contains(err.Error(), "The user denied the request")
	assert.Equal(0, f.srv.Calls("token"))
	assert.Equal([]Phase{PhaseProcessing, PhaseError}, rec.phases())

	_, err = h.ProcessCallback(ctx, url.Values{"error": {"access_denied"}})
	assert.ErrorIs(err, oauth.ErrOAuthDenied)
	assert.Contains(err.Error(), "access_denied")
}

func TestProcessCallbackMissingParameters(t *testing.T) {
	f := newFixture(t)
	h := NewCallbackHandler(f.m, nil)

	tests := []url.Values{
		{},
		{"code": {"abc"}},
		{"state": {"abc"}},
	}
	for _, q := range tests {
		_, err := h.ProcessCallback(ctx, q)
		assert.ErrorIs(t, err, oauth.ErrOAuthMalformedCallback)
	}
	assert.Equal(t, 0, f.srv.Calls("token"))
}

func TestProcessCallbackSuccess(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	rec := &phaseRecorder{}
	h := NewCallbackHandler(f.m, rec.observe)

	state := startESI(t, f)

	user, err := h.ProcessCallback(ctx, url.Values{"code": {"auth-code"}, "state": {state}})
	require.NoError(t, err)

	assert.Equal(f.srv.CharacterName, user.CharacterName)
	assert.Equal([]Phase{PhaseProcessing, PhaseSuccess}, rec.phases())
	assert.Equal(f.srv.CharacterName, rec.last().CharacterName)
	assert.Equal(int64(1), f.m.AuthTrigger())
}

func TestProcessCallbackOnlyOnce(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	h := NewCallbackHandler(f.m, nil)

	state := startESI(t, f)
	q := url.Values{"code": {"auth-code"}, "state": {state}}

	first, err := h.ProcessCallback(ctx, q)
	require.NoError(t, err)

	again, err := h.ProcessCallback(ctx, q)
	require.NoError(t, err)

	assert.Equal(first, again)
	assert.Equal(1, f.srv.Calls("token"))
	assert.Equal(int64(1), f.m.AuthTrigger())

	require.NoError(t, f.m.Logout(ctx))
	_, err = h.ProcessCallback(ctx, q)
	assert.ErrorIs(err, oauth.ErrStateMismatch)
	assert.Equal(1, f.srv.Calls("token"))

	keys, err := f.store.Keys(ctx)
	require.NoError(t, err)
	for _, k := range keys {
		assert.NotContains(k, keyProcessed)
	}
}

func TestConcurrentCallbacksShareOneExchange(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	state := startESI(t, f)
	q := url.Values{"code": {"auth-code"}, "state": {state}}
	f.srv.TokenGate = make(chan struct{})

	const callers = 8
	type result struct {
		user *oauth.AuthUser
		err  error
	}
	results := make(chan result, callers)
	for i := 0; i < callers; i++ {
		// each redirect gets its own handler, as each request does in the server
		h := NewCallbackHandler(f.m, nil)
		go func() {
			user, err := h.ProcessCallback(ctx, q)
			results <- result{user, err}
		}()
	}

	gateHeld(t, f.srv, "token")
	close(f.srv.TokenGate)

	for i := 0; i < callers; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(f.srv.CharacterName, r.user.CharacterName)
	}
	assert.Equal(1, f.srv.Calls("token"))
	assert.Equal(int64(1), f.m.AuthTrigger())
}

func TestProcessCallbackStateMismatch(t *testing.T) {
	f := newFixture(t)
	rec := &phaseRecorder{}
	h := NewCallbackHandler(f.m, rec.observe)

	startESI(t, f)

	_, err := h.ProcessCallback(ctx, url.Values{"code": {"auth-code"}, "state": {"forged"}})
	assert.ErrorIs(t, err, oauth.ErrStateMismatch)
	assert.Equal(t, 0, f.srv.Calls("token"))
	assert.ErrorIs(t, rec.last().Err, oauth.ErrStateMismatch)
}
