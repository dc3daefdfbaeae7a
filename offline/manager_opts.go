package offline

import (
	"log/slog"
	"time"
)

const (
	// DefaultConcurrency bounds simultaneous resource fetches per book.
	DefaultConcurrency = 3

	// DefaultRetryCount is the number of retries after a failed fetch.
	DefaultRetryCount = 2

	// DefaultRetryDelay is the base delay of the linear retry backoff.
	DefaultRetryDelay = time.Second

	// DefaultQuotaWarnThreshold is the usage ratio that triggers a warning.
	DefaultQuotaWarnThreshold = 0.8
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConcurrency bounds simultaneous resource fetches within one book
// download. Values < 1 are raised to 1.
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// WithRetryCount sets how many times a failed resource fetch is retried
// before the whole book fails. Values < 0 are treated as 0.
func WithRetryCount(n int) ManagerOption {
	return func(m *Manager) {
		if n < 0 {
			n = 0
		}
		m.retryCount = n
	}
}

// WithRetryDelay sets the base delay of the linear retry backoff: attempt n
// waits delay*(n+1).
func WithRetryDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retryDelay = d
	}
}

// WithMetadataStore enables persistence of offline-book records.
// Without it, records live only in memory.
func WithMetadataStore(store MetadataStore) ManagerOption {
	return func(m *Manager) {
		m.meta = store
	}
}

// WithQuotaEstimator enables the pre-flight storage check.
// Without it, the check is skipped.
func WithQuotaEstimator(q QuotaEstimator) ManagerOption {
	return func(m *Manager) {
		m.quota = q
	}
}

// WithQuotaWarnThreshold sets the usage ratio above which a download logs a
// storage warning. Defaults to 0.8.
func WithQuotaWarnThreshold(ratio float64) ManagerOption {
	return func(m *Manager) {
		m.warnThreshold = ratio
	}
}

// WithManagerLogger sets the logger for download operations.
// If not set, logging is disabled.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}
