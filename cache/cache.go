// Package cache provides a tiered resource cache for book content.
//
// Resources are addressed by (bookID, href) pairs and served through three
// tiers: an in-process memory store (L1), an optional durable store (L2)
// that survives process restarts, and a remote provider (L3) consulted on
// cache miss. Reads flow L1 -> L2 -> L3 with promotion into faster tiers;
// writes go to L1 and, when write-through is enabled, to L2.
//
// The memory tier never fails. Durable-tier failures degrade to cache
// misses and are logged, never propagated. Only remote-provider errors
// reach callers of TieredCache.Get.
package cache

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by persistent stores when a key is not cached.
	ErrNotFound = errors.New("cache: entry not found")

	// ErrNoBlobHandle is returned when a blob handle was requested but the
	// memory tier did not materialize one.
	ErrNoBlobHandle = errors.New("cache: no blob handle for entry")

	// ErrClosed is returned by persistent stores after Close.
	ErrClosed = errors.New("cache: store is closed")
)

// Key identifies a single resource within a book.
type Key struct {
	BookID string
	Href   string
}

// NewKey builds a Key for a resource path within a book.
func NewKey(bookID, href string) Key {
	return Key{BookID: bookID, Href: href}
}

// String returns the canonical "{bookId}:{href}" form.
func (k Key) String() string {
	return k.BookID + ":" + k.Href
}

// ParseKey parses the canonical "{bookId}:{href}" form. The href may itself
// contain colons; the split happens at the first one.
func ParseKey(s string) (Key, error) {
	bookID, href, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, errors.New("cache: malformed key: missing separator")
	}
	return Key{BookID: bookID, Href: href}, nil
}

// Entry is a cached resource as held by a single tier.
type Entry struct {
	Key       Key
	Data      []byte
	MimeType  string
	Metadata  map[string]string
	Size      int64
	CreatedAt time.Time
}

// Tier identifies the cache level that served a read.
type Tier int

const (
	// TierMemory is the in-process store (L1).
	TierMemory Tier = iota + 1
	// TierPersistent is the durable store (L2).
	TierPersistent
	// TierRemote is the remote provider (L3).
	TierRemote
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierPersistent:
		return "persistent"
	case TierRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Resource is the result of a TieredCache read.
//
// Handle is non-nil only when the result was materialized through the
// memory tier and a handle factory is configured.
type Resource struct {
	Data     []byte
	MimeType string
	Handle   BlobHandle
	Tier     Tier
	Latency  time.Duration
}

// MemoryStats reports memory-tier usage and hit counters.
type MemoryStats struct {
	Entries   int
	SizeBytes int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRatio  float64
}

// StoreStats reports persistent-tier usage.
type StoreStats struct {
	Entries   int
	SizeBytes int64
	Books     int
}

// Stats aggregates per-tier statistics with cumulative hit counters.
//
// Persistent is nil when no durable tier is configured or its stats could
// not be read. HitRatio is total hits across all tiers divided by total
// requests.
type Stats struct {
	Memory         MemoryStats
	Persistent     *StoreStats
	MemoryHits     uint64
	PersistentHits uint64
	RemoteHits     uint64
	Requests       uint64
	HitRatio       float64
}
