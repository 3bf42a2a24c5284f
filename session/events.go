package session

import (
	oauth "github.com/lmeve/esi-auth-golang"
)

type EventKind string

const (
	EventLogin   EventKind = "login"
	EventLogout  EventKind = "logout"
	EventRefresh EventKind = "refresh"
)

// Event describes one session transition. Trigger is the auth trigger value
// after the transition. Err is set when a logout was forced by a failure.
type Event struct {
	Kind    EventKind
	Trigger int64
	User    *oauth.AuthUser
	Err     error
}

// Subscribe registers fn for every transition and returns a function that
// removes it. fn runs synchronously on the mutating goroutine and must not
// call mutating Manager methods.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) notify(ev Event) {
	m.subMu.Lock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
