package cache

import (
	"container/list"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMemoryMaxBytes bounds the memory tier's total size.
	DefaultMemoryMaxBytes int64 = 50 << 20

	// DefaultMemoryMaxEntries bounds the memory tier's entry count.
	DefaultMemoryMaxEntries = 1000
)

// MemoryStore is the in-process memory tier (L1).
//
// It is a bounded LRU keyed store: every Get and Set refreshes recency, and
// a Set that would exceed either the byte or the entry bound evicts
// least-recently-used entries until both bounds hold again. Evicted and
// deleted entries release their blob handles.
//
// All operations are synchronous and never fail; the store is safe for
// concurrent use. It is disposable by design and never the source of truth.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[Key]*list.Element
	order      *list.List // front = most recently used
	sizeBytes  int64
	maxBytes   int64
	maxEntries int
	handles    HandleFactory
	logger     *slog.Logger

	hits      uint64
	misses    uint64
	evictions uint64
}

type memoryEntry struct {
	entry  *Entry
	handle BlobHandle
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxBytes bounds the total cached size. Values <= 0 disable the bound.
func WithMaxBytes(n int64) MemoryOption {
	return func(s *MemoryStore) {
		s.maxBytes = n
	}
}

// WithMaxEntries bounds the number of cached entries. Values <= 0 disable
// the bound.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxEntries = n
	}
}

// WithHandles sets the factory used to mint blob handles on Set.
// Without a factory, entries carry no handles.
func WithHandles(f HandleFactory) MemoryOption {
	return func(s *MemoryStore) {
		s.handles = f
	}
}

// WithMemoryLogger sets the logger for the memory store.
// If not set, logging is disabled.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// NewMemoryStore creates an empty memory store with default bounds.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:    make(map[Key]*list.Element),
		order:      list.New(),
		maxBytes:   DefaultMemoryMaxBytes,
		maxEntries: DefaultMemoryMaxEntries,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// log returns the logger, falling back to a discard logger if nil.
func (s *MemoryStore) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.logger
}

// Get returns the cached entry, or nil on miss. A hit refreshes recency.
func (s *MemoryStore) Get(key Key) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil
	}
	s.hits++
	s.order.MoveToFront(el)
	return el.Value.(*memoryEntry).entry
}

// Set stores the entry, replacing any existing entry for the key, then
// evicts LRU entries until the configured bounds hold.
//
// Entries larger than the byte bound are rejected: no eviction sequence
// could make them fit.
func (s *MemoryStore) Set(key Key, data []byte, mimeType string, metadata map[string]string) {
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 && size > s.maxBytes {
		s.log().Warn("memory cache: entry exceeds size bound, not cached",
			"key", key.String(), "size", size, "max_bytes", s.maxBytes)
		return
	}

	if el, ok := s.entries[key]; ok {
		s.removeElement(el)
	}

	me := &memoryEntry{
		entry: &Entry{
			Key:       key,
			Data:      data,
			MimeType:  mimeType,
			Metadata:  metadata,
			Size:      size,
			CreatedAt: time.Now(),
		},
	}
	if s.handles != nil {
		me.handle = s.handles.New(key, data, mimeType)
	}
	s.entries[key] = s.order.PushFront(me)
	s.sizeBytes += size

	for s.overBounds() {
		tail := s.order.Back()
		if tail == nil {
			break
		}
		s.removeElement(tail)
		s.evictions++
	}
}

func (s *MemoryStore) overBounds() bool {
	if s.maxBytes > 0 && s.sizeBytes > s.maxBytes {
		return true
	}
	if s.maxEntries > 0 && s.order.Len() > s.maxEntries {
		return true
	}
	return false
}

// removeElement unlinks the entry and releases its handle. Callers hold mu.
func (s *MemoryStore) removeElement(el *list.Element) {
	me := el.Value.(*memoryEntry)
	s.order.Remove(el)
	delete(s.entries, me.entry.Key)
	s.sizeBytes -= me.entry.Size
	if me.handle != nil {
		me.handle.Release()
	}
}

// Has reports whether the key is cached without refreshing recency.
func (s *MemoryStore) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Delete removes the entry and releases its handle.
// It reports whether an entry was removed.
func (s *MemoryStore) Delete(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeElement(el)
	return true
}

// DeleteByPrefix removes every entry whose canonical key string starts with
// prefix, returning the number removed. Used for book-scoped deletion with
// a "{bookId}:" prefix.
func (s *MemoryStore) DeleteByPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, el := range s.entries {
		if strings.HasPrefix(key.String(), prefix) {
			s.removeElement(el)
			removed++
		}
	}
	return removed
}

// Keys returns a snapshot of cached keys in most-recently-used order.
func (s *MemoryStore) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*memoryEntry).entry.Key)
	}
	return keys
}

// Clear removes all entries, releasing every handle. Counters are kept.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.order.Front(); el != nil; el = el.Next() {
		if h := el.Value.(*memoryEntry).handle; h != nil {
			h.Release()
		}
	}
	s.entries = make(map[Key]*list.Element)
	s.order.Init()
	s.sizeBytes = 0
}

// BlobHandle returns the entry's blob handle, or nil when the entry is not
// cached or no handle factory is configured. A hit refreshes recency.
func (s *MemoryStore) BlobHandle(key Key) BlobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return nil
	}
	s.order.MoveToFront(el)
	return el.Value.(*memoryEntry).handle
}

// Len returns the number of cached entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// SizeBytes returns the total size of cached entries.
func (s *MemoryStore) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes
}

// Stats returns usage and hit counters.
func (s *MemoryStore) Stats() MemoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := MemoryStats{
		Entries:   s.order.Len(),
		SizeBytes: s.sizeBytes,
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRatio = float64(s.hits) / float64(total)
	}
	return st
}

// ResetStats zeroes the hit counters without touching entries.
func (s *MemoryStore) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits, s.misses, s.evictions = 0, 0, 0
}
