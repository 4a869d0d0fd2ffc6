package kvstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "beap-audit-store/m1", []byte(`[{"a":1}]`)))

	got, err := s.Get(ctx, "beap-audit-store/m1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"a":1}]`), got)
}

func TestMemoryStoreMissingKey(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryStoreRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Remove(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Removing an absent key is not an error.
	assert.NoError(t, s.Remove(ctx, "k"))
}

func TestMemoryStoreKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "beap-audit-store/m2", []byte("b")))
	require.NoError(t, s.Set(ctx, "beap-audit-store/m1", []byte("a")))
	require.NoError(t, s.Set(ctx, "beap-tool-registry", []byte("c")))

	keys, err := s.Keys(ctx, "beap-audit-store/")
	require.NoError(t, err)
	assert.Equal(t, []string{"beap-audit-store/m1", "beap-audit-store/m2"}, keys)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	original := []byte("immutable")
	require.NoError(t, s.Set(ctx, "k", original))
	original[0] = 'X'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), got)

	// Mutating the returned slice must not corrupt the stored value.
	got[0] = 'Y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%8))
			assert.NoError(t, s.Set(ctx, key, []byte{byte(n)}))
			_, _ = s.Get(ctx, key)
			_, _ = s.Keys(ctx, "")
		}(i)
	}
	wg.Wait()
}
