package session

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/lmeve/esi-auth-golang/kv"
)

const defaultRegistrySize = 4096

type registryEntry struct {
	m    *Manager
	refs int
	// cached is false once the LRU dropped the entry; it then lives on only
	// until the last holder releases it.
	cached bool
}

// Registry hands out one Manager per browser namespace, so every request of
// that browser is serialized by the same Manager. Namespaces share the admin
// config stored at the root of the store.
type Registry struct {
	opts     Options
	mu       sync.Mutex
	entries  map[string]*registryEntry
	managers *lru.Cache
}

// NewRegistry keeps at most size idle managers alive; size <= 0 picks a
// default. Managers in use are never dropped. opts.Store is the root store
// that namespaces are carved from.
func NewRegistry(opts Options, size int) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session registry requires a store")
	}
	if size <= 0 {
		size = defaultRegistrySize
	}

	r := &Registry{
		opts:    opts,
		entries: make(map[string]*registryEntry),
	}

	cache, err := lru.NewWithEvict(size, r.evicted)
	if err != nil {
		return nil, err
	}
	r.managers = cache

	return r, nil
}

// evicted runs inside managers.Add, with r.mu held.
func (r *Registry) evicted(key, value interface{}) {
	e := value.(*registryEntry)
	e.cached = false
	if e.refs == 0 {
		delete(r.entries, key.(string))
	}
}

// Acquire returns the manager of namespace and pins it until release is
// called. release is safe to call more than once.
func (r *Registry) Acquire(ctx context.Context, namespace string) (*Manager, func(), error) {
	if namespace == "" {
		return nil, nil, fmt.Errorf("empty session namespace")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[namespace]
	if !ok {
		m, err := r.newManager(ctx, namespace)
		if err != nil {
			return nil, nil, err
		}
		e = &registryEntry{m: m}
		r.entries[namespace] = e
	}

	e.refs++
	if e.cached {
		r.managers.Get(namespace)
	} else {
		e.cached = true
		r.managers.Add(namespace, e)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			e.refs--
			if e.refs == 0 && !e.cached && r.entries[namespace] == e {
				delete(r.entries, namespace)
			}
		})
	}

	return e.m, release, nil
}

func (r *Registry) newManager(ctx context.Context, namespace string) (*Manager, error) {
	opts := r.opts
	opts.Shared = r.opts.Store
	opts.Store = kv.Prefixed(r.opts.Store, "session:"+namespace+":")

	m, err := NewManager(opts)
	if err != nil {
		return nil, err
	}
	m.logger = m.logger.With("session", namespace)

	if err := m.restoreTrigger(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Shared returns a manager bound to no browser, for operator tasks such as
// editing the admin config.
func (r *Registry) Shared() (*Manager, error) {
	opts := r.opts
	opts.Shared = r.opts.Store
	return NewManager(opts)
}
