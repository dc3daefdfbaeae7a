package cache

import (
	"strconv"
	"sync"
)

// BlobHandle is a transient resource handle scoped to a memory-tier entry.
//
// Handles are created when an entry enters the memory store and must be
// released when the entry is evicted, deleted, or cleared. Release is
// idempotent.
type BlobHandle interface {
	// URI returns a stable identifier the host can hand to consumers.
	URI() string

	// Release frees the handle. Safe to call more than once.
	Release()
}

// HandleFactory mints blob handles for memory-tier entries.
//
// Implementations must be safe for concurrent use.
type HandleFactory interface {
	New(key Key, data []byte, mimeType string) BlobHandle
}

// MemoryHandles is an in-process HandleFactory that keeps handle content
// addressable by URI until the handle is released.
//
// It stands in for platform object-URL facilities: the memory store owns
// handle lifetime, and hosts resolve a URI back to bytes with Lookup.
type MemoryHandles struct {
	mu      sync.Mutex
	next    uint64
	entries map[string]handleContent
}

type handleContent struct {
	data     []byte
	mimeType string
}

// NewMemoryHandles creates an empty handle table.
func NewMemoryHandles() *MemoryHandles {
	return &MemoryHandles{entries: make(map[string]handleContent)}
}

// New registers the content under a fresh mem:// URI.
func (h *MemoryHandles) New(key Key, data []byte, mimeType string) BlobHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	uri := "mem://" + strconv.FormatUint(h.next, 10) + "/" + key.Href
	h.entries[uri] = handleContent{data: data, mimeType: mimeType}
	return &memHandle{table: h, uri: uri}
}

// Lookup resolves a handle URI to its content and MIME type.
func (h *MemoryHandles) Lookup(uri string) ([]byte, string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.entries[uri]
	if !ok {
		return nil, "", false
	}
	return c.data, c.mimeType, true
}

// Len returns the number of live handles.
func (h *MemoryHandles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

type memHandle struct {
	table *MemoryHandles
	uri   string
	once  sync.Once
}

func (m *memHandle) URI() string { return m.uri }

func (m *memHandle) Release() {
	m.once.Do(func() {
		m.table.mu.Lock()
		delete(m.table.entries, m.uri)
		m.table.mu.Unlock()
	})
}
