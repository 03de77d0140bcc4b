package statestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/plantmetric/rollout/pkg/statestore"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()

	_, err := store.Get(ctx, "missing")
	assert.True(t, statestore.IsErrNotFound(err))

	err = store.Set(ctx, "key", []byte("value"), 0)
	assert.NoError(t, err)

	value, err := store.Get(ctx, "key")
	assert.NoError(t, err)
	assert.Equal(t, []byte("value"), value)

	err = store.Delete(ctx, "key")
	assert.NoError(t, err)

	_, err = store.Get(ctx, "key")
	assert.True(t, statestore.IsErrNotFound(err))
}

func TestMemorySetIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()

	err := store.SetIfAbsent(ctx, "key", []byte("one"), 0)
	assert.NoError(t, err)

	err = store.SetIfAbsent(ctx, "key", []byte("two"), 0)
	assert.Equal(t, statestore.ErrConflict, err)

	value, err := store.Get(ctx, "key")
	assert.NoError(t, err)
	assert.Equal(t, []byte("one"), value)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()

	err := store.SetIfAbsent(ctx, "key", []byte("one"), 10*time.Millisecond)
	assert.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = store.Get(ctx, "key")
	assert.True(t, statestore.IsErrNotFound(err))

	// an expired value no longer blocks SetIfAbsent
	err = store.SetIfAbsent(ctx, "key", []byte("two"), 0)
	assert.NoError(t, err)
}
