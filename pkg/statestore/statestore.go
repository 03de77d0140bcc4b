// Package statestore provides the durable key/value backend used as the
// cross-region deployment ledger and as the distributed deployment lock.
// Backends are interchangeable: an in-memory map, Postgres, or an S3
// compatible object store all satisfy the same contract.
package statestore

import (
	"context"
	"fmt"
	"time"
)

var (
	ErrNotFound = fmt.Errorf("state store key not found")

	// ErrConflict is returned by SetIfAbsent when a live value already
	// exists under the key.
	ErrConflict = fmt.Errorf("state store key already exists")
)

func IsErrNotFound(err error) bool {
	return err == ErrNotFound
}

type Store interface {
	// Get returns the value stored under key, or ErrNotFound. Expired
	// values count as absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means the value never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only if no live value exists under key,
	// returning ErrConflict otherwise. An expired value may be overwritten.
	// TTL is mandatory for lock keys; a zero ttl is accepted for ordinary
	// keys.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
