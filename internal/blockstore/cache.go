package blockstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/metrics"
	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

// cacheEntry is one decrypted, decompressed archive held in the fetch
// cache.
type cacheEntry struct {
	data       []byte
	lastAccess time.Time
}

// fetchCache is a bounded LRU cache of decrypted archive bytes, keyed by
// archive id, used by FetchBlock during restore and compaction.
// Concurrent fetches of the same archive id coalesce onto a
// single download via a per-id singleflight group, so an archive is
// downloaded at most once concurrently.
type fetchCache struct {
	budget   uint64
	manifest *manifest.Store
	remote   remote.Store
	subkey   [crypto.KeySize]byte
	metrics  *metrics.Metrics

	group singleflight.Group

	mu      sync.RWMutex
	entries map[uint64]*cacheEntry
	size    uint64
}

func newFetchCache(budget uint64, manifestStore *manifest.Store, remoteStore remote.Store, subkey [crypto.KeySize]byte, m *metrics.Metrics) *fetchCache {
	return &fetchCache{
		budget:   budget,
		manifest: manifestStore,
		remote:   remoteStore,
		subkey:   subkey,
		metrics:  m,
		entries:  make(map[uint64]*cacheEntry),
	}
}

// fetch returns the decrypted, decompressed bytes of archiveID, serving
// from cache when possible.
func (c *fetchCache) fetch(ctx context.Context, archiveID uint64) ([]byte, error) {
	c.mu.RLock()
	if e, ok := c.entries[archiveID]; ok {
		e.lastAccess = time.Now()
		data := e.data
		c.mu.RUnlock()
		c.metrics.RecordCacheHit()
		return data, nil
	}
	c.mu.RUnlock()
	c.metrics.RecordCacheMiss()

	key := fmt.Sprintf("%d", archiveID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.download(ctx, archiveID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// download fetches, decrypts, and decompresses archiveID from the remote
// store, inserting the result into the cache with LRU eviction to stay
// within budget.
func (c *fetchCache) download(ctx context.Context, archiveID uint64) ([]byte, error) {
	// Another goroutine may have populated the cache while this one waited
	// to become the singleflight leader.
	c.mu.RLock()
	if e, ok := c.entries[archiveID]; ok {
		data := e.data
		c.mu.RUnlock()
		return data, nil
	}
	c.mu.RUnlock()

	archive, err := c.manifest.Archive(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	envelope, err := c.remote.Get(ctx, archive.ObjectName)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindRemote, "blockstore.fetchCache.download", err)
	}

	compressed, err := crypto.Open(c.subkey, []byte(archive.ObjectName), envelope)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIntegrity, "blockstore.fetchCache.download", err)
	}

	raw, err := decompress(compressed)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindCorruption, "blockstore.fetchCache.download", err)
	}

	c.insert(ctx, archiveID, raw)
	return raw, nil
}

// insert adds data to the cache, evicting least-recently-used archives
// until the cache fits within budget (a budget of 0 disables eviction).
func (c *fetchCache) insert(ctx context.Context, archiveID uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[archiveID]; ok {
		return
	}
	c.entries[archiveID] = &cacheEntry{data: data, lastAccess: time.Now()}
	c.size += uint64(len(data))

	if c.budget == 0 || c.size <= c.budget {
		return
	}
	c.evictLocked(ctx)
}

// evictLocked removes least-recently-used entries until size fits budget.
// Caller must hold c.mu.
func (c *fetchCache) evictLocked(ctx context.Context) {
	type accessed struct {
		id   uint64
		when time.Time
	}
	ordered := make([]accessed, 0, len(c.entries))
	for id, e := range c.entries {
		ordered = append(ordered, accessed{id, e.lastAccess})
	}
	slices.SortFunc(ordered, func(a, b accessed) int {
		return cmp.Compare(a.when.UnixNano(), b.when.UnixNano())
	})

	for _, a := range ordered {
		if ctx.Err() != nil {
			return
		}
		if c.size <= c.budget {
			return
		}
		e, ok := c.entries[a.id]
		if !ok {
			continue
		}
		c.size -= uint64(len(e.data))
		delete(c.entries, a.id)
	}
}
