// Package framecache implements the bounded, size-tracked cache of
// decoded data frames shared across every read-only archive in a layered
// blockstore. A cache entry is one frame's full decoded block map, keyed
// by the frame's byte offset plus the archive it came from.
//
// An occupied-byte counter is compared against a fixed budget and entries
// are evicted oldest-first until the cache is back under it. The LRU
// bookkeeping is github.com/hashicorp/golang-lru/v2's generic Cache with
// an eviction callback, so byte accounting lives in one place.
package framecache

import (
	"sync"

	humanize "github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"
)

// DefaultMaxBytes is the fallback byte budget when none is configured.
const DefaultMaxBytes = 256 * 1024 * 1024

// entryCeiling bounds the number of distinct entries golang-lru/v2 will
// ever track. It is not itself the eviction policy — occupied-byte
// accounting is — but the library requires a positive capacity, and
// every real frame occupies at least a few bytes, so the byte budget
// always bites first in practice.
const entryCeiling = 1 << 20

// Key identifies one cached frame: its byte offset within a specific
// archive. Two archives may legitimately share a frame_offset (both
// wrote a frame at byte 0, say), so ArchiveID disambiguates them.
type Key struct {
	FrameOffset uint64
	ArchiveID   string
}

type entry struct {
	blocks map[string][]byte
	size   int64
}

// Cache is a shared, concurrency-safe bounded cache of decoded frames.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	occupied int64
	inner    *lru.Cache[Key, entry]
}

// New returns a Cache with the given byte budget. A non-positive budget
// uses DefaultMaxBytes.
func New(maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	c := &Cache{maxBytes: maxBytes}
	inner, err := lru.NewWithEvict[Key, entry](entryCeiling, func(k Key, v entry) {
		c.occupied -= v.size
		klog.V(5).Infof("framecache: evicted frame %d (archive %s), occupied %s of %s",
			k.FrameOffset, k.ArchiveID, humanize.Bytes(uint64(max64(c.occupied, 0))), humanize.Bytes(uint64(c.maxBytes)))
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// sizeOf sums key and value byte lengths of a decoded frame's block map,
// the same accounting unit the cache budgets against.
func sizeOf(blocks map[string][]byte) int64 {
	var n int64
	for k, v := range blocks {
		n += int64(len(k)) + int64(len(v))
	}
	return n
}

// Get returns the cached block map for key, if present.
func (c *Cache) Get(key Key) (map[string][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	return e.blocks, true
}

// Put inserts a decoded frame's block map, evicting least-recently-used
// entries until the cache is back under budget. An entry whose size is at
// least the whole budget is dropped rather than inserted; callers
// re-decompress such frames on demand.
func (c *Cache) Put(key Key, blocks map[string][]byte) {
	size := sizeOf(blocks)

	c.mu.Lock()
	defer c.mu.Unlock()

	if size >= c.maxBytes {
		klog.V(4).Infof("framecache: dropping oversized frame %d (archive %s): %s exceeds budget %s",
			key.FrameOffset, key.ArchiveID, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(c.maxBytes)))
		return
	}

	if old, existed := c.inner.Peek(key); existed {
		c.occupied -= old.size
	}
	c.inner.Add(key, entry{blocks: blocks, size: size})
	c.occupied += size
	c.evictLocked()
}

func (c *Cache) evictLocked() {
	for c.occupied > c.maxBytes {
		if _, _, ok := c.inner.RemoveOldest(); !ok {
			return
		}
	}
}

// RemoveArchive drops every cached frame belonging to archiveID. Used
// when a layered store unloads or replaces an archive (e.g. during GC's
// atomic swap) so stale entries don't linger under a reused archive_id.
func (c *Cache) RemoveArchive(archiveID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.inner.Keys() {
		if k.ArchiveID == archiveID {
			c.inner.Remove(k)
		}
	}
}

// Len returns the current number of cached frames.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// OccupiedBytes returns the cache's current accounted byte usage.
func (c *Cache) OccupiedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.occupied
}

// MaxBytes returns the configured byte budget.
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}
