package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	oauth "github.com/lmeve/esi-auth-golang"
	"github.com/lmeve/esi-auth-golang/kv"
)

type Phase string

const (
	PhaseProcessing Phase = "processing"
	PhaseSuccess    Phase = "success"
	PhaseError      Phase = "error"
)

// CallbackStatus is reported to the observer as the callback progresses.
type CallbackStatus struct {
	Phase         Phase
	CharacterName string
	Err           error
}

// CallbackHandler turns the SSO redirect into a session login.
type CallbackHandler struct {
	m        *Manager
	observer func(CallbackStatus)
	logger   *slog.Logger
}

// NewCallbackHandler wires a handler to m. observer may be nil.
func NewCallbackHandler(m *Manager, observer func(CallbackStatus)) *CallbackHandler {
	if observer == nil {
		observer = func(CallbackStatus) {}
	}
	return &CallbackHandler{
		m:        m,
		observer: observer,
		logger:   m.logger.With("component", "callback"),
	}
}

// ProcessCallback handles the query of an SSO redirect. A code is exchanged at
// most once: duplicate concurrent calls share one result, and a code that
// already completed returns the current identity.
func (h *CallbackHandler) ProcessCallback(ctx context.Context, query url.Values) (*oauth.AuthUser, error) {
	h.observer(CallbackStatus{Phase: PhaseProcessing})

	user, err := h.process(ctx, query)
	if err != nil {
		h.observer(CallbackStatus{Phase: PhaseError, Err: err})
		return nil, err
	}

	h.observer(CallbackStatus{Phase: PhaseSuccess, CharacterName: user.CharacterName})
	return user, nil
}

func (h *CallbackHandler) process(ctx context.Context, query url.Values) (*oauth.AuthUser, error) {
	if errParam := query.Get("error"); errParam != "" {
		desc := query.Get("error_description")
		if desc == "" {
			desc = errParam
		}
		h.logger.Info("sso authorization denied", "error", errParam, "description", desc)
		return nil, fmt.Errorf("%w: %s", oauth.ErrOAuthDenied, desc)
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.logger.Warn("suspicious sso callback: missing code or state",
			"hasCode", code != "", "hasState", state != "")
		return nil, oauth.ErrOAuthMalformedCallback
	}

	sum := sha256.Sum256([]byte(code))
	marker := keyProcessed + hex.EncodeToString(sum[:])

	v, err, _ := h.m.callbacks.Do(marker, func() (any, error) {
		_, err := h.m.store.Get(ctx, marker)
		switch {
		case err == nil:
			return h.alreadyProcessed(ctx)
		case !errors.Is(err, kv.ErrNotFound):
			return nil, fmt.Errorf("could not check callback marker: %w", err)
		}

		user, err := h.m.HandleESICallback(ctx, code, state)
		if err != nil {
			return nil, err
		}

		if err := h.m.store.Set(ctx, marker, []byte("1")); err != nil {
			h.logger.Error("could not persist callback marker", "error", err)
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth.AuthUser), nil
}

func (h *CallbackHandler) alreadyProcessed(ctx context.Context) (*oauth.AuthUser, error) {
	user, err := h.m.User(ctx)
	if err != nil {
		return nil, err
	}
	if user == nil || user.IsAdmin {
		h.logger.Warn("replayed sso callback no longer matches the session identity")
		return nil, fmt.Errorf("%w: callback already processed", oauth.ErrOAuthMalformedCallback)
	}
	return user, nil
}
