package cache

import "log/slog"

// Option configures a TieredCache.
type Option func(*TieredCache)

// WithMemory sets the memory tier. If not set, a MemoryStore with default
// bounds is created.
func WithMemory(store *MemoryStore) Option {
	return func(c *TieredCache) {
		c.memory = store
	}
}

// WithPersistent enables the durable tier. Without it, the cache runs on
// memory and the remote provider alone.
func WithPersistent(store PersistentStore) Option {
	return func(c *TieredCache) {
		c.persistent = store
	}
}

// WithPromoteOnAccess controls whether persistent-tier hits are copied into
// the memory tier. Enabled by default.
func WithPromoteOnAccess(enabled bool) Option {
	return func(c *TieredCache) {
		c.promoteOnAccess = enabled
	}
}

// WithWriteThrough controls whether writes and remote fetches are also
// stored in the durable tier. Enabled by default.
func WithWriteThrough(enabled bool) Option {
	return func(c *TieredCache) {
		c.writeThrough = enabled
	}
}

// WithLogger sets the logger for cache operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *TieredCache) {
		c.logger = logger
	}
}
