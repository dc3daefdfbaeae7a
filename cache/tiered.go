package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// RemoteProvider supplies resource bytes on cache miss (L3).
//
// Implementations must be safe for concurrent calls with different
// (bookID, href) pairs. Timeouts are the provider's responsibility.
type RemoteProvider interface {
	GetResource(ctx context.Context, bookID, href string) ([]byte, error)
}

// MimeTyper is an optional RemoteProvider upgrade for providers that can
// report a resource's MIME type. Discovered by type assertion.
type MimeTyper interface {
	GetMimeType(ctx context.Context, bookID, href string) (string, error)
}

// PersistentStore is the durable tier (L2) consumed by TieredCache.
//
// Any operation may fail; TieredCache absorbs failures as cache misses.
// Implementations must support book-scoped enumeration and deletion and be
// safe for concurrent use. A miss is reported as ErrNotFound.
type PersistentStore interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Set(ctx context.Context, bookID, href string, data []byte, mimeType string, metadata map[string]string) error
	Has(ctx context.Context, key Key) (bool, error)
	Delete(ctx context.Context, key Key) error
	DeleteBook(ctx context.Context, bookID string) error
	BookEntries(ctx context.Context, bookID string) ([]*Entry, error)
	BookHrefs(ctx context.Context, bookID string) ([]string, error)
	Stats(ctx context.Context) (*StoreStats, error)
	Clear(ctx context.Context) error
}

// TieredCache orchestrates reads and writes across the three tiers.
//
// Concurrent Get calls for the same key share a single remote fetch.
type TieredCache struct {
	provider   RemoteProvider
	memory     *MemoryStore
	persistent PersistentStore

	promoteOnAccess bool
	writeThrough    bool
	logger          *slog.Logger

	fetchGroup singleflight.Group

	memoryHits     atomic.Uint64
	persistentHits atomic.Uint64
	remoteHits     atomic.Uint64
	requests       atomic.Uint64
}

// New creates a TieredCache backed by the given provider.
//
// By default the cache uses a fresh MemoryStore with default bounds, no
// persistent tier, and promotion and write-through enabled.
func New(provider RemoteProvider, opts ...Option) (*TieredCache, error) {
	if provider == nil {
		return nil, errors.New("cache: remote provider is nil")
	}
	c := &TieredCache{
		provider:        provider,
		promoteOnAccess: true,
		writeThrough:    true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.memory == nil {
		c.memory = NewMemoryStore()
	}
	return c, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *TieredCache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// Memory returns the memory tier.
func (c *TieredCache) Memory() *MemoryStore {
	return c.memory
}

type fetched struct {
	data     []byte
	mimeType string
}

// Get serves a resource through the tiers.
//
// L1 is checked first; on miss L2 is checked and, when promote-on-access is
// enabled, a hit is copied into L1. On a full miss the remote provider is
// called, the result stored into L1 and (with write-through) into L2.
// L2 failures are logged and treated as misses; remote errors propagate to
// the caller unmodified.
func (c *TieredCache) Get(ctx context.Context, bookID, href string) (*Resource, error) {
	start := time.Now()
	key := NewKey(bookID, href)
	c.requests.Add(1)

	if e := c.memory.Get(key); e != nil {
		c.memoryHits.Add(1)
		return &Resource{
			Data:     e.Data,
			MimeType: e.MimeType,
			Handle:   c.memory.BlobHandle(key),
			Tier:     TierMemory,
			Latency:  time.Since(start),
		}, nil
	}

	if c.persistent != nil {
		e, err := c.persistent.Get(ctx, key)
		switch {
		case err == nil:
			c.persistentHits.Add(1)
			res := &Resource{
				Data:     e.Data,
				MimeType: e.MimeType,
				Tier:     TierPersistent,
				Latency:  time.Since(start),
			}
			if c.promoteOnAccess {
				c.memory.Set(key, e.Data, e.MimeType, e.Metadata)
				res.Handle = c.memory.BlobHandle(key)
			}
			return res, nil
		case !errors.Is(err, ErrNotFound):
			c.log().Warn("persistent cache read failed, treating as miss",
				"key", key.String(), "error", err)
		}
	}

	v, err, _ := c.fetchGroup.Do(key.String(), func() (any, error) {
		data, err := c.provider.GetResource(ctx, bookID, href)
		if err != nil {
			return nil, err
		}
		mimeType := c.resolveMime(ctx, bookID, href, data)
		c.storeFetched(ctx, key, data, mimeType)
		return &fetched{data: data, mimeType: mimeType}, nil
	})
	if err != nil {
		return nil, err
	}

	c.remoteHits.Add(1)
	f := v.(*fetched)
	return &Resource{
		Data:     f.data,
		MimeType: f.mimeType,
		Handle:   c.memory.BlobHandle(key),
		Tier:     TierRemote,
		Latency:  time.Since(start),
	}, nil
}

// resolveMime asks the provider first, then falls back to inference.
func (c *TieredCache) resolveMime(ctx context.Context, bookID, href string, data []byte) string {
	if mt, ok := c.provider.(MimeTyper); ok {
		mimeType, err := mt.GetMimeType(ctx, bookID, href)
		if err == nil && mimeType != "" {
			return mimeType
		}
		if err != nil {
			c.log().Debug("provider mime lookup failed, inferring",
				"book", bookID, "href", href, "error", err)
		}
	}
	return DetectMime(href, data)
}

// storeFetched backfills a remote result into L1 and, with write-through, L2.
func (c *TieredCache) storeFetched(ctx context.Context, key Key, data []byte, mimeType string) {
	c.memory.Set(key, data, mimeType, nil)
	if c.writeThrough && c.persistent != nil {
		if err := c.persistent.Set(ctx, key.BookID, key.Href, data, mimeType, nil); err != nil {
			c.log().Warn("write-through to persistent cache failed",
				"key", key.String(), "error", err)
		}
	}
}

// Set writes the resource to L1 and, when write-through is enabled, to L2.
// L2 failures are logged, never returned.
func (c *TieredCache) Set(ctx context.Context, bookID, href string, data []byte, mimeType string, metadata map[string]string) {
	key := NewKey(bookID, href)
	c.memory.Set(key, data, mimeType, metadata)
	if c.writeThrough && c.persistent != nil {
		if err := c.persistent.Set(ctx, bookID, href, data, mimeType, metadata); err != nil {
			c.log().Warn("write-through to persistent cache failed",
				"key", key.String(), "error", err)
		}
	}
}

// Has reports whether the resource is cached in any enabled tier.
// Tier errors are treated as "not cached".
func (c *TieredCache) Has(ctx context.Context, bookID, href string) bool {
	key := NewKey(bookID, href)
	if c.memory.Has(key) {
		return true
	}
	if c.persistent == nil {
		return false
	}
	ok, err := c.persistent.Has(ctx, key)
	if err != nil {
		c.log().Debug("persistent cache has-check failed",
			"key", key.String(), "error", err)
		return false
	}
	return ok
}

// Delete removes the resource from every enabled tier.
// Persistent-tier failures are logged, never escalated.
func (c *TieredCache) Delete(ctx context.Context, bookID, href string) {
	key := NewKey(bookID, href)
	c.memory.Delete(key)
	if c.persistent != nil {
		if err := c.persistent.Delete(ctx, key); err != nil {
			c.log().Warn("persistent cache delete failed",
				"key", key.String(), "error", err)
		}
	}
}

// DeleteBook removes every resource of the book from every enabled tier.
func (c *TieredCache) DeleteBook(ctx context.Context, bookID string) {
	c.memory.DeleteByPrefix(bookID + ":")
	if c.persistent != nil {
		if err := c.persistent.DeleteBook(ctx, bookID); err != nil {
			c.log().Warn("persistent cache book delete failed",
				"book", bookID, "error", err)
		}
	}
}

// Preload sequentially ensures each href is cached, invoking onProgress with
// (current, total) after each one. Already-cached hrefs are skipped and
// per-resource failures are logged without aborting the loop. Preload only
// fails when the context is cancelled.
func (c *TieredCache) Preload(ctx context.Context, bookID string, hrefs []string, onProgress func(current, total int)) error {
	total := len(hrefs)
	for i, href := range hrefs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.Has(ctx, bookID, href) {
			if _, err := c.Get(ctx, bookID, href); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				c.log().Warn("preload fetch failed, continuing",
					"book", bookID, "href", href, "error", err)
			}
		}
		if onProgress != nil {
			onProgress(i+1, total)
		}
	}
	return nil
}

// CachedHrefs returns the sorted union of the book's hrefs across L1 and
// L2, without touching the remote provider.
func (c *TieredCache) CachedHrefs(ctx context.Context, bookID string) []string {
	seen := make(map[string]struct{})
	for _, key := range c.memory.Keys() {
		if key.BookID == bookID {
			seen[key.Href] = struct{}{}
		}
	}
	if c.persistent != nil {
		hrefs, err := c.persistent.BookHrefs(ctx, bookID)
		if err != nil {
			c.log().Warn("persistent cache enumeration failed",
				"book", bookID, "error", err)
		}
		for _, href := range hrefs {
			seen[href] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for href := range seen {
		out = append(out, href)
	}
	sort.Strings(out)
	return out
}

// BlobURL returns a handle URI for the resource, forcing a Get to
// materialize one if the memory tier has none. Fails with ErrNoBlobHandle
// when materialization yields no handle (no handle factory configured, or
// the entry could not enter the memory tier).
func (c *TieredCache) BlobURL(ctx context.Context, bookID, href string) (string, error) {
	key := NewKey(bookID, href)
	if h := c.memory.BlobHandle(key); h != nil {
		return h.URI(), nil
	}
	res, err := c.Get(ctx, bookID, href)
	if err != nil {
		return "", fmt.Errorf("materialize %s: %w", key.String(), err)
	}
	if res.Handle == nil {
		return "", ErrNoBlobHandle
	}
	return res.Handle.URI(), nil
}

// Stats merges memory-tier stats, best-effort persistent-tier stats, and
// the cumulative per-tier hit counters.
func (c *TieredCache) Stats(ctx context.Context) Stats {
	st := Stats{
		Memory:         c.memory.Stats(),
		MemoryHits:     c.memoryHits.Load(),
		PersistentHits: c.persistentHits.Load(),
		RemoteHits:     c.remoteHits.Load(),
		Requests:       c.requests.Load(),
	}
	if c.persistent != nil {
		ps, err := c.persistent.Stats(ctx)
		if err != nil {
			c.log().Debug("persistent cache stats unavailable", "error", err)
		} else {
			st.Persistent = ps
		}
	}
	if st.Requests > 0 {
		hits := st.MemoryHits + st.PersistentHits + st.RemoteHits
		st.HitRatio = float64(hits) / float64(st.Requests)
	}
	return st
}

// ResetStats zeroes the cumulative hit counters on the cache and the
// memory tier.
func (c *TieredCache) ResetStats() {
	c.memoryHits.Store(0)
	c.persistentHits.Store(0)
	c.remoteHits.Store(0)
	c.requests.Store(0)
	c.memory.ResetStats()
}
