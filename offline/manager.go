package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openshelf/bookcache/cache"
)

// Manager downloads whole books into the tiered cache for offline use.
//
// At most one download per book is live at any time; downloads of different
// books proceed fully independently. Within one download, resource fetches
// run on a bounded worker pool and failures are retried with linear backoff.
// Cancellation is cooperative: it stops new fetch attempts but never
// interrupts a transfer already delegated to the provider.
type Manager struct {
	cache         *cache.TieredCache
	meta          MetadataStore
	quota         QuotaEstimator
	concurrency   int
	retryCount    int
	retryDelay    time.Duration
	warnThreshold float64
	logger        *slog.Logger
	bus           *eventBus

	mu     sync.Mutex
	active map[string]*controller
	books  map[string]*Book
}

// controller tracks one live download.
type controller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager on top of the tiered cache.
//
// When a metadata store is configured, persisted records are loaded
// immediately; records left in downloading state by a dead process are
// demoted to partial.
func New(tiered *cache.TieredCache, opts ...ManagerOption) (*Manager, error) {
	if tiered == nil {
		return nil, errors.New("offline: tiered cache is nil")
	}
	m := &Manager{
		cache:         tiered,
		concurrency:   DefaultConcurrency,
		retryCount:    DefaultRetryCount,
		retryDelay:    DefaultRetryDelay,
		warnThreshold: DefaultQuotaWarnThreshold,
		active:        make(map[string]*controller),
		books:         make(map[string]*Book),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	m.bus = newEventBus(m.logger)
	if m.meta != nil {
		m.loadRecords()
	}
	return m, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m.logger
}

// Subscribe registers a listener for download events and returns its
// removal func. Listeners are invoked synchronously; a panicking listener
// is logged and isolated.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.bus.subscribe(fn)
}

func (m *Manager) loadRecords() {
	ctx := context.Background()
	records, err := m.meta.LoadRecords(ctx)
	if err != nil {
		m.log().Warn("loading offline book records failed", "error", err)
		return
	}
	for bookID, raw := range records {
		var b Book
		if err := json.Unmarshal(raw, &b); err != nil {
			m.log().Warn("skipping unreadable offline book record",
				"book", bookID, "error", err)
			continue
		}
		if b.Status == StatusDownloading || b.Status == StatusPending {
			b.Status = StatusPartial
			m.persist(ctx, b)
		}
		m.books[bookID] = &b
	}
}

// persist writes the record through the metadata store. Persistence
// failures degrade with a warning; they never fail a download.
func (m *Manager) persist(ctx context.Context, b Book) {
	if m.meta == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		m.log().Error("encoding offline book record failed",
			"book", b.BookID, "error", err)
		return
	}
	if err := m.meta.SaveRecord(context.WithoutCancel(ctx), b.BookID, raw); err != nil {
		m.log().Warn("persisting offline book record failed",
			"book", b.BookID, "error", err)
	}
}

// updateBook mutates the in-memory record under lock, persists the result,
// and returns a snapshot.
func (m *Manager) updateBook(ctx context.Context, bookID string, fn func(*Book)) Book {
	m.mu.Lock()
	b, ok := m.books[bookID]
	if !ok {
		b = &Book{BookID: bookID}
		m.books[bookID] = b
	}
	fn(b)
	snapshot := *b
	m.mu.Unlock()
	m.persist(ctx, snapshot)
	return snapshot
}

// DownloadBook downloads every resource in the manifest into the cache,
// blocking until the download completes, fails, or is cancelled.
//
// It fails with ErrAlreadyDownloading when the book has a live download and
// with ErrInsufficientStorage when the pre-flight quota check rejects the
// download (in which case no prior state is touched). Cancellation leaves
// the book paused with no error recorded and returns the paused record.
func (m *Manager) DownloadBook(ctx context.Context, manifest BookManifest) (Book, error) {
	if manifest.BookID == "" {
		return Book{}, errors.New("offline: manifest has no book id")
	}

	m.mu.Lock()
	if _, live := m.active[manifest.BookID]; live {
		m.mu.Unlock()
		return Book{}, ErrAlreadyDownloading
	}
	dctx, cancel := context.WithCancel(ctx)
	ctrl := &controller{cancel: cancel, done: make(chan struct{})}
	m.active[manifest.BookID] = ctrl
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, manifest.BookID)
		m.mu.Unlock()
		close(ctrl.done)
	}()

	var total int64
	for _, r := range manifest.Resources {
		total += r.SizeBytes
	}

	// Resources already present in any tier count as downloaded up front and
	// take no new storage, so only the rest weighs against the quota.
	var pending, cached []ResourceInfo
	var needed int64
	for _, r := range manifest.Resources {
		if dctx.Err() != nil {
			break
		}
		if m.cache.Has(dctx, manifest.BookID, r.Href) {
			cached = append(cached, r)
		} else {
			pending = append(pending, r)
			needed += r.SizeBytes
		}
	}
	if err := m.checkQuota(ctx, needed); err != nil {
		return Book{}, err
	}

	book := m.updateBook(ctx, manifest.BookID, func(b *Book) {
		b.Title = manifest.Title
		b.Author = manifest.Author
		b.TotalSize = total
		b.DownloadedSize = 0
		b.ResourceCount = len(manifest.Resources)
		b.DownloadedCount = 0
		b.Status = StatusDownloading
		b.Error = ""
		b.CompletedAt = time.Time{}
		if b.StartedAt.IsZero() {
			b.StartedAt = time.Now()
		}
		b.LastAccessedAt = time.Now()
	})
	m.bus.emit(StartEvent{Book: book})

	tr := &tracker{
		bus:       m.bus,
		bookID:    manifest.BookID,
		total:     book.TotalSize,
		resources: book.ResourceCount,
		started:   time.Now(),
	}

	for _, r := range cached {
		tr.preCached(r.SizeBytes)
	}
	size, count, _ := tr.snapshot()
	m.updateBook(ctx, manifest.BookID, func(b *Book) {
		b.DownloadedSize = size
		b.DownloadedCount = count
	})

	g, gctx := errgroup.WithContext(dctx)
	g.SetLimit(m.concurrency)
	for _, r := range pending {
		if gctx.Err() != nil {
			break
		}
		r := r
		g.Go(func() error {
			return m.fetchResource(gctx, manifest.BookID, r, tr)
		})
	}
	err := g.Wait()
	if err == nil {
		// Cancellation stops scheduling, so the pool can drain cleanly with
		// resources still outstanding. Completion requires the whole manifest.
		if _, n, _ := tr.snapshot(); n < len(manifest.Resources) {
			err = dctx.Err()
		}
	}
	cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)

	size, count, total = tr.snapshot()
	final := m.updateBook(ctx, manifest.BookID, func(b *Book) {
		b.DownloadedSize = size
		b.DownloadedCount = count
		b.TotalSize = total
		switch {
		case err == nil:
			b.Status = StatusCompleted
			b.CompletedAt = time.Now()
			b.Error = ""
		case cancelled:
			b.Status = StatusPaused
		default:
			b.Status = StatusFailed
			b.Error = err.Error()
		}
	})

	switch {
	case err == nil:
		m.bus.emit(CompleteEvent{Book: final})
		return final, nil
	case cancelled:
		return final, nil
	default:
		m.bus.emit(ErrorEvent{BookID: manifest.BookID, Err: err})
		return final, err
	}
}

// fetchResource downloads one resource through the cache, retrying with
// linear backoff. Cancellation is checked before every attempt.
func (m *Manager) fetchResource(ctx context.Context, bookID string, res ResourceInfo, tr *tracker) error {
	var lastErr error
	for attempt := 0; attempt <= m.retryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay * time.Duration(attempt)):
			}
		}
		r, err := m.cache.Get(ctx, bookID, res.Href)
		if err == nil {
			if res.SizeBytes > 0 {
				tr.done(res.Href, res.SizeBytes, false)
			} else {
				// Manifest did not declare a size; grow the total so the
				// downloaded/total invariant keeps holding.
				tr.done(res.Href, int64(len(r.Data)), true)
			}
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		m.log().Debug("resource fetch failed",
			"book", bookID, "href", res.Href, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("download %s: %w", res.Href, lastErr)
}

// checkQuota runs the pre-flight storage check. Estimator absence or
// failure skips the check.
func (m *Manager) checkQuota(ctx context.Context, needed int64) error {
	if m.quota == nil {
		return nil
	}
	est, err := m.quota.Estimate(ctx)
	if err != nil {
		m.log().Debug("storage estimate unavailable, skipping quota check", "error", err)
		return nil
	}
	if est.Quota <= 0 {
		return nil
	}
	ratio := float64(est.Usage+needed) / float64(est.Quota)
	if ratio > 1 {
		return fmt.Errorf("%w: need %d bytes with %d of %d used",
			ErrInsufficientStorage, needed, est.Usage, est.Quota)
	}
	if ratio > m.warnThreshold {
		m.log().Warn("storage nearly full",
			"needed", needed, "used", est.Usage, "quota", est.Quota)
	}
	return nil
}

// PauseDownload signals cancellation on the book's live download. Bytes
// already downloaded are kept; the record settles into paused state.
func (m *Manager) PauseDownload(bookID string) error {
	m.mu.Lock()
	ctrl, ok := m.active[bookID]
	m.mu.Unlock()
	if !ok {
		return ErrNotDownloading
	}
	ctrl.cancel()
	m.bus.emit(PauseEvent{BookID: bookID})
	return nil
}

// ResumeDownload restarts a paused download. Resources cached since the
// pause are skipped by the normal already-cached accounting.
func (m *Manager) ResumeDownload(ctx context.Context, manifest BookManifest) (Book, error) {
	m.mu.Lock()
	b, ok := m.books[manifest.BookID]
	var status Status
	if ok {
		status = b.Status
	}
	m.mu.Unlock()
	if !ok {
		return Book{}, ErrBookNotFound
	}
	if status != StatusPaused {
		return Book{}, fmt.Errorf("%w: status is %s", ErrNotPaused, status)
	}
	m.bus.emit(ResumeEvent{BookID: manifest.BookID})
	return m.DownloadBook(ctx, manifest)
}

// CancelDownload stops any live download and fully removes the book:
// cached resources, the persisted record, and the in-memory record.
func (m *Manager) CancelDownload(ctx context.Context, bookID string) error {
	m.mu.Lock()
	ctrl := m.active[bookID]
	m.mu.Unlock()
	if ctrl != nil {
		ctrl.cancel()
		<-ctrl.done
	}
	m.removeBook(ctx, bookID)
	m.bus.emit(CancelEvent{BookID: bookID})
	return nil
}

func (m *Manager) removeBook(ctx context.Context, bookID string) {
	ctx = context.WithoutCancel(ctx)
	m.cache.DeleteBook(ctx, bookID)
	m.mu.Lock()
	delete(m.books, bookID)
	m.mu.Unlock()
	if m.meta != nil {
		if err := m.meta.DeleteRecord(ctx, bookID); err != nil {
			m.log().Warn("deleting offline book record failed",
				"book", bookID, "error", err)
		}
	}
}

// Books returns snapshots of all known offline books, sorted by book ID.
func (m *Manager) Books() []Book {
	m.mu.Lock()
	out := make([]Book, 0, len(m.books))
	for _, b := range m.books {
		out = append(out, *b)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BookID < out[j].BookID })
	return out
}

// Book returns a snapshot of one offline book's record.
func (m *Manager) Book(bookID string) (Book, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return Book{}, false
	}
	return *b, true
}

// IsBookOffline reports whether the book is fully downloaded.
func (m *Manager) IsBookOffline(bookID string) bool {
	b, ok := m.Book(bookID)
	return ok && b.Status == StatusCompleted
}

// MarkAccessed records that the book was opened, for LRU-based cleanup.
// The existence check and the update share one critical section so a
// concurrent removal cannot be resurrected as an empty record.
func (m *Manager) MarkAccessed(ctx context.Context, bookID string) error {
	m.mu.Lock()
	b, ok := m.books[bookID]
	if !ok {
		m.mu.Unlock()
		return ErrBookNotFound
	}
	b.LastAccessedAt = time.Now()
	snapshot := *b
	m.mu.Unlock()
	m.persist(ctx, snapshot)
	return nil
}

// TotalStorageUsed sums the full size of completed books and the bytes
// downloaded so far for everything else.
func (m *Manager) TotalStorageUsed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, b := range m.books {
		if b.Status == StatusCompleted {
			total += b.TotalSize
		} else {
			total += b.DownloadedSize
		}
	}
	return total
}

// CleanupOldBooks removes completed books in ascending last-access order
// until at least targetBytes have been freed or no completed books remain.
// It returns the IDs of the removed books.
func (m *Manager) CleanupOldBooks(ctx context.Context, targetBytes int64) ([]string, error) {
	m.mu.Lock()
	completed := make([]Book, 0, len(m.books))
	for _, b := range m.books {
		if b.Status == StatusCompleted {
			completed = append(completed, *b)
		}
	}
	m.mu.Unlock()
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].LastAccessedAt.Before(completed[j].LastAccessedAt)
	})

	var removed []string
	var freed int64
	for _, b := range completed {
		if freed >= targetBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		m.removeBook(ctx, b.BookID)
		m.bus.emit(CancelEvent{BookID: b.BookID})
		freed += b.TotalSize
		removed = append(removed, b.BookID)
	}
	return removed, nil
}

// tracker accumulates download counters and emits progress snapshots.
// Counters are mutated and emitted under one mutex so every emission is
// consistent and monotonically non-decreasing.
type tracker struct {
	mu        sync.Mutex
	bus       *eventBus
	bookID    string
	total     int64
	resources int
	started   time.Time
	size      int64
	count     int
	runBytes  int64
}

// preCached counts a resource that was already cached before the run.
func (t *tracker) preCached(size int64) {
	t.mu.Lock()
	t.size += size
	t.count++
	t.mu.Unlock()
}

// done counts a completed fetch and emits a progress event. When grow is
// set the contribution also extends the total (undeclared manifest size).
func (t *tracker) done(href string, n int64, grow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if grow {
		t.total += n
	}
	t.size += n
	t.count++
	t.runBytes += n

	p := Progress{
		BookID:          t.bookID,
		CurrentResource: href,
		CurrentIndex:    t.count,
		TotalResources:  t.resources,
		BytesDownloaded: t.size,
		TotalBytes:      t.total,
	}
	if elapsed := time.Since(t.started).Seconds(); elapsed > 0 {
		p.Speed = float64(t.runBytes) / elapsed
	}
	if p.Speed > 0 && t.total > t.size {
		p.ETA = time.Duration(float64(t.total-t.size) / p.Speed * float64(time.Second))
	}
	switch {
	case t.total > 0:
		p.Percentage = float64(t.size) / float64(t.total) * 100
	case t.resources > 0:
		p.Percentage = float64(t.count) / float64(t.resources) * 100
	}
	t.bus.emit(ProgressEvent{Progress: p})
}

// snapshot returns the current (downloadedSize, downloadedCount, totalSize).
func (t *tracker) snapshot() (int64, int, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size, t.count, t.total
}
