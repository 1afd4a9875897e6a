// Package kv is the durable key-value layer shared by the location cache and
// the submission queue. Each subsystem owns a disjoint set of keys.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrEmptyKey = errors.New("empty key")
	ErrClosed   = errors.New("store closed")

	// ErrUnchanged returned from an UpdateFunc makes Update return nil
	// without writing.
	ErrUnchanged = errors.New("value unchanged")
)

// UpdateFunc computes the next value of a key from its current one. current
// is nil and found false when the key is absent. It may run more than once
// for a single Update call and must not keep current.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

type Store interface {
	// Get returns ErrNotFound when the key has never been set or was deleted.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
	// Update is an atomic read-modify-write of one key. Concurrent Updates
	// of the same key, including from other processes sharing the backend,
	// never interleave. An error from fn aborts without writing and is
	// returned as is.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}
