package geo

import (
	"encoding/json"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	// DefaultCacheTTL is how long a resolved country stays valid.
	DefaultCacheTTL = 30 * 24 * time.Hour
	// DefaultCacheCapacity bounds the in-memory cache.
	DefaultCacheCapacity = 100_000
)

// Entry is a cached resolution.
type Entry struct {
	Country  string    `json:"country"`
	CachedAt time.Time `json:"cached_at"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) < ttl
}

// Cache stores entries keyed by dotted-quad address. Implementations do not
// judge freshness; the resolver does that against CachedAt.
type Cache interface {
	Get(ip string) (Entry, bool)
	Set(ip string, entry Entry)
	Len() int
	Close() error
}

// MemoryCache is a capacity-bounded in-process cache. ttlcache serializes
// access with one lock for the whole map. Lookups are short and writes rare,
// so a single coarse lock is used rather than sharding.
type MemoryCache struct {
	items *ttlcache.Cache[string, Entry]
}

// NewMemoryCache creates a cache that holds at most capacity entries. The
// ttl is only a physical eviction bound; it should be at least the
// resolver's freshness window.
func NewMemoryCache(ttl time.Duration, capacity uint64) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	opts := []ttlcache.Option[string, Entry]{
		ttlcache.WithTTL[string, Entry](ttl),
		ttlcache.WithDisableTouchOnHit[string, Entry](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Entry](capacity))
	}
	return &MemoryCache{items: ttlcache.New[string, Entry](opts...)}
}

// Get implements Cache.
func (c *MemoryCache) Get(ip string) (Entry, bool) {
	item := c.items.Get(ip)
	if item == nil {
		return Entry{}, false
	}
	return item.Value(), true
}

// Set implements Cache.
func (c *MemoryCache) Set(ip string, entry Entry) {
	c.items.Set(ip, entry, ttlcache.DefaultTTL)
}

// Len implements Cache.
func (c *MemoryCache) Len() int {
	return c.items.Len()
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	c.items.DeleteAll()
	return nil
}

// LevelDBCache persists entries on disk so they survive restarts.
type LevelDBCache struct {
	db *leveldb.DB
}

const levelDBKeyPrefix = "geo:"

// OpenLevelDBCache opens or creates a cache database at path.
func OpenLevelDBCache(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBCache{db: db}, nil
}

// Get implements Cache. Unreadable records count as misses.
func (c *LevelDBCache) Get(ip string) (Entry, bool) {
	b, err := c.db.Get([]byte(levelDBKeyPrefix+ip), nil)
	if err != nil {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(b, &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

// Set implements Cache. Write errors are dropped; the entry is simply
// resolved again next time.
func (c *LevelDBCache) Set(ip string, entry Entry) {
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.db.Put([]byte(levelDBKeyPrefix+ip), b, nil)
}

// Len implements Cache by counting stored keys.
func (c *LevelDBCache) Len() int {
	it := c.db.NewIterator(nil, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// Close implements Cache.
func (c *LevelDBCache) Close() error {
	return c.db.Close()
}

// TieredCache reads the memory tier first and falls back to the disk tier,
// promoting disk hits. Writes go to both.
type TieredCache struct {
	memory Cache
	disk   Cache
}

// NewTieredCache combines a fast and a persistent cache.
func NewTieredCache(memory, disk Cache) *TieredCache {
	return &TieredCache{memory: memory, disk: disk}
}

// Get implements Cache.
func (c *TieredCache) Get(ip string) (Entry, bool) {
	if entry, ok := c.memory.Get(ip); ok {
		return entry, true
	}
	entry, ok := c.disk.Get(ip)
	if ok {
		c.memory.Set(ip, entry)
	}
	return entry, ok
}

// Set implements Cache.
func (c *TieredCache) Set(ip string, entry Entry) {
	c.memory.Set(ip, entry)
	c.disk.Set(ip, entry)
}

// Len implements Cache with the persistent tier's size.
func (c *TieredCache) Len() int {
	return c.disk.Len()
}

// Close implements Cache.
func (c *TieredCache) Close() error {
	_ = c.memory.Close()
	return c.disk.Close()
}
