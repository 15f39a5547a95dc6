// internal/idempotency/memory_test.go
package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RememberFirstWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	got, stored, err := store.Remember(ctx, "k1", []byte("first"))
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, []byte("first"), got)

	// 重复写入必须返回最初的结果
	got, stored, err = store.Remember(ctx, "k1", []byte("second"))
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, []byte("first"), got)

	val, found, err := store.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("first"), val)
}

func TestMemoryStore_ClaimIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.Claim(ctx, "webhook:tx-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "webhook:tx-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Release 之后重投可以再次成功
	require.NoError(t, store.Release(ctx, "webhook:tx-1"))
	ok, err = store.Claim(ctx, "webhook:tx-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
