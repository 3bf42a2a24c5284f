// Package kv holds the key-value stores the session layer persists into.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("key not found")

// Store is an async key-value service. Implementations must be safe for
// concurrent use but need not offer transactions.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// GetJSON decodes the value at key into out. It returns ErrNotFound when the
// key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	b, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b)
}

type prefixed struct {
	s      Store
	prefix string
}

// Prefixed scopes every key of s under prefix. Keys only lists keys in scope,
// with the prefix removed.
func Prefixed(s Store, prefix string) Store {
	return &prefixed{s: s, prefix: prefix}
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.s.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value []byte) error {
	return p.s.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.s.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Keys(ctx context.Context) ([]string, error) {
	all, err := p.s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, p.prefix) {
			keys = append(keys, strings.TrimPrefix(k, p.prefix))
		}
	}
	return keys, nil
}
