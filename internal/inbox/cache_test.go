package inbox

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cacheOwner = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

func TestMemoryCacheCopiesOnPut(t *testing.T) {
	cache := NewMemoryCache()
	list := sampleInbox()
	require.NoError(t, cache.Put(cacheOwner, list))
	list[0].Subject = "mutated"

	got, ok, err := cache.Get(cacheOwner)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", got[0].Subject)

	_, ok, err = cache.Get(common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.db")

	cache, err := OpenBoltCache(path)
	require.NoError(t, err)
	require.NoError(t, cache.Put(cacheOwner, sampleInbox()))
	require.NoError(t, cache.Close())

	reopened, err := OpenBoltCache(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(cacheOwner)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleInbox(), got)
}

func TestBoltCacheStoresEmptyList(t *testing.T) {
	cache, err := OpenBoltCache(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Put(cacheOwner, nil))
	got, ok, err := cache.Get(cacheOwner)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
}
