package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshelf/bookcache/cache"
)

// stubProvider serves canned bytes per href with configurable failures,
// blocking, and artificial latency.
type stubProvider struct {
	mu          sync.Mutex
	data        map[string][]byte
	fail        map[string]error
	block       map[string]bool // wait for ctx cancellation
	calls       map[string]int
	inflight    int
	maxInflight int
	delay       time.Duration
	started     chan string
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		data:  make(map[string][]byte),
		fail:  make(map[string]error),
		block: make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (p *stubProvider) GetResource(ctx context.Context, _, href string) ([]byte, error) {
	p.mu.Lock()
	p.calls[href]++
	p.inflight++
	if p.inflight > p.maxInflight {
		p.maxInflight = p.inflight
	}
	data, ok := p.data[href]
	failErr := p.fail[href]
	blocked := p.block[href]
	started := p.started
	delay := p.delay
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- href:
		default:
		}
	}
	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if failErr != nil {
		return nil, failErr
	}
	if !ok {
		return nil, fmt.Errorf("provider: no resource %s", href)
	}
	return data, nil
}

func (p *stubProvider) callCount(href string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[href]
}

func (p *stubProvider) setBlock(href string, blocked bool) {
	p.mu.Lock()
	p.block[href] = blocked
	p.mu.Unlock()
}

func (p *stubProvider) peakInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

// fakeMeta is a map-backed MetadataStore.
type fakeMeta struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{records: make(map[string][]byte)}
}

func (f *fakeMeta) seed(t *testing.T, b Book) {
	t.Helper()
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	f.mu.Lock()
	f.records[b.BookID] = raw
	f.mu.Unlock()
}

func (f *fakeMeta) record(t *testing.T, bookID string) (Book, bool) {
	t.Helper()
	f.mu.Lock()
	raw, ok := f.records[bookID]
	f.mu.Unlock()
	if !ok {
		return Book{}, false
	}
	var b Book
	require.NoError(t, json.Unmarshal(raw, &b))
	return b, true
}

func (f *fakeMeta) SaveRecord(_ context.Context, bookID string, record []byte) error {
	f.mu.Lock()
	f.records[bookID] = append([]byte(nil), record...)
	f.mu.Unlock()
	return nil
}

func (f *fakeMeta) LoadRecords(_ context.Context) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.records))
	for k, v := range f.records {
		out[k] = v
	}
	return out, nil
}

func (f *fakeMeta) DeleteRecord(_ context.Context, bookID string) error {
	f.mu.Lock()
	delete(f.records, bookID)
	f.mu.Unlock()
	return nil
}

// fixedQuota reports a constant storage estimate.
type fixedQuota struct {
	usage, quota int64
}

func (q fixedQuota) Estimate(context.Context) (StorageEstimate, error) {
	return StorageEstimate{Usage: q.usage, Quota: q.quota}, nil
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) progress() []Progress {
	var out []Progress
	for _, ev := range r.all() {
		if pe, ok := ev.(ProgressEvent); ok {
			out = append(out, pe.Progress)
		}
	}
	return out
}

func testManifest() BookManifest {
	return BookManifest{
		BookID: "b1",
		Title:  "Moby-Dick",
		Author: "Herman Melville",
		Resources: []ResourceInfo{
			{Href: "ch1.xhtml", MimeType: "application/xhtml+xml", SizeBytes: 100, Required: true},
			{Href: "ch2.xhtml", MimeType: "application/xhtml+xml", SizeBytes: 200, Required: true},
			{Href: "cover.jpg", MimeType: "image/jpeg", SizeBytes: 300, Required: false},
		},
	}
}

func newTestManager(t *testing.T, provider *stubProvider, opts ...ManagerOption) *Manager {
	t.Helper()
	tiered, err := cache.New(provider)
	require.NoError(t, err)
	m, err := New(tiered, opts...)
	require.NoError(t, err)
	return m
}

func TestDownloadBookCompletes(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	meta := newFakeMeta()
	m := newTestManager(t, provider,
		WithConcurrency(2),
		WithMetadataStore(meta),
	)

	book, err := m.DownloadBook(context.Background(), testManifest())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, book.Status)
	assert.Equal(t, int64(600), book.TotalSize)
	assert.Equal(t, int64(600), book.DownloadedSize)
	assert.Equal(t, 3, book.DownloadedCount)
	assert.Equal(t, 3, book.ResourceCount)
	assert.False(t, book.CompletedAt.IsZero())
	assert.Empty(t, book.Error)
	assert.True(t, m.IsBookOffline("b1"))

	persisted, ok := meta.record(t, "b1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, persisted.Status)
}

func TestDownloadBookRequiresBookID(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newStubProvider())

	_, err := m.DownloadBook(context.Background(), BookManifest{})
	assert.Error(t, err)
}

func TestDownloadBookSkipsCachedResources(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	tiered, err := cache.New(provider)
	require.NoError(t, err)
	tiered.Set(context.Background(), "b1", "ch1.xhtml", []byte("one"), "application/xhtml+xml", nil)

	m, err := New(tiered)
	require.NoError(t, err)

	book, err := m.DownloadBook(context.Background(), testManifest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, book.Status)
	assert.Equal(t, int64(600), book.DownloadedSize)
	assert.Equal(t, 0, provider.callCount("ch1.xhtml"))
	assert.Equal(t, 1, provider.callCount("ch2.xhtml"))
}

func TestDownloadBookRetriesThenFails(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["cover.jpg"] = []byte("jpg")
	provider.fail["ch2.xhtml"] = errors.New("upstream 503")

	rec := &recorder{}
	m := newTestManager(t, provider,
		WithConcurrency(1),
		WithRetryCount(2),
		WithRetryDelay(time.Millisecond),
	)
	m.Subscribe(rec.record)

	book, err := m.DownloadBook(context.Background(), testManifest())
	require.Error(t, err)
	assert.ErrorContains(t, err, "upstream 503")

	// Initial attempt plus two retries.
	assert.Equal(t, 3, provider.callCount("ch2.xhtml"))
	assert.Equal(t, StatusFailed, book.Status)
	assert.NotEmpty(t, book.Error)

	var errored bool
	for _, ev := range rec.all() {
		if ee, ok := ev.(ErrorEvent); ok {
			errored = true
			assert.Equal(t, "b1", ee.BookID)
		}
	}
	assert.True(t, errored, "an ErrorEvent must be emitted on failure")
}

func TestDownloadBookRejectsConcurrentDownload(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.block["ch1.xhtml"] = true
	provider.block["ch2.xhtml"] = true
	provider.block["cover.jpg"] = true
	provider.started = make(chan string, 8)

	m := newTestManager(t, provider, WithConcurrency(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.DownloadBook(context.Background(), testManifest())
	}()
	<-provider.started

	_, err := m.DownloadBook(context.Background(), testManifest())
	assert.ErrorIs(t, err, ErrAlreadyDownloading)

	require.NoError(t, m.PauseDownload("b1"))
	<-done
}

func TestDownloadBookBoundsConcurrency(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.delay = 5 * time.Millisecond
	manifest := BookManifest{BookID: "b1", Title: "t"}
	for i := 0; i < 10; i++ {
		href := fmt.Sprintf("r%d", i)
		provider.data[href] = []byte("x")
		manifest.Resources = append(manifest.Resources, ResourceInfo{Href: href, SizeBytes: 1})
	}

	m := newTestManager(t, provider, WithConcurrency(3))

	book, err := m.DownloadBook(context.Background(), manifest)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, book.Status)
	assert.LessOrEqual(t, provider.peakInflight(), 3)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")
	provider.block["ch2.xhtml"] = true
	provider.started = make(chan string, 8)

	meta := newFakeMeta()
	rec := &recorder{}
	m := newTestManager(t, provider, WithConcurrency(1), WithMetadataStore(meta))
	m.Subscribe(rec.record)

	type result struct {
		book Book
		err  error
	}
	results := make(chan result, 1)
	go func() {
		book, err := m.DownloadBook(context.Background(), testManifest())
		results <- result{book, err}
	}()

	// Wait for the blocking fetch, then pause.
	for href := range provider.started {
		if href == "ch2.xhtml" {
			break
		}
	}
	require.NoError(t, m.PauseDownload("b1"))

	res := <-results
	require.NoError(t, res.err, "a paused download is not an error")
	assert.Equal(t, StatusPaused, res.book.Status)
	assert.Equal(t, 1, res.book.DownloadedCount)
	assert.Equal(t, int64(100), res.book.DownloadedSize)
	assert.Empty(t, res.book.Error)

	// The controller is gone, so a second pause has nothing to stop.
	assert.ErrorIs(t, m.PauseDownload("b1"), ErrNotDownloading)

	persisted, ok := meta.record(t, "b1")
	require.True(t, ok)
	assert.Equal(t, StatusPaused, persisted.Status)

	// Resume: already-cached ch1 is skipped, the rest is fetched.
	provider.setBlock("ch2.xhtml", false)
	book, err := m.ResumeDownload(context.Background(), testManifest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, book.Status)
	assert.Equal(t, int64(600), book.DownloadedSize)
	assert.Equal(t, 3, book.DownloadedCount)
	assert.Equal(t, 1, provider.callCount("ch1.xhtml"),
		"resume must not refetch cached resources")

	var resumed bool
	for _, ev := range rec.all() {
		if _, ok := ev.(ResumeEvent); ok {
			resumed = true
		}
	}
	assert.True(t, resumed)
}

func TestPauseBeforePoolStartsLeavesPaused(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	m := newTestManager(t, provider, WithConcurrency(1))

	// Pause synchronously from the start notification, before the worker
	// pool has scheduled anything.
	var once sync.Once
	var pauseErr error
	m.Subscribe(func(ev Event) {
		if _, ok := ev.(StartEvent); ok {
			once.Do(func() { pauseErr = m.PauseDownload("b1") })
		}
	})

	book, err := m.DownloadBook(context.Background(), testManifest())
	require.NoError(t, err)
	require.NoError(t, pauseErr)

	assert.Equal(t, StatusPaused, book.Status)
	assert.Zero(t, book.DownloadedCount)
	assert.Zero(t, book.DownloadedSize)
	assert.False(t, m.IsBookOffline("b1"),
		"a download paused before any fetch must not read as offline")
}

func TestResumeDownloadStateChecks(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	m := newTestManager(t, provider)

	_, err := m.ResumeDownload(context.Background(), testManifest())
	assert.ErrorIs(t, err, ErrBookNotFound)

	_, err = m.DownloadBook(context.Background(), testManifest())
	require.NoError(t, err)

	_, err = m.ResumeDownload(context.Background(), testManifest())
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestCancelDownloadRemovesEverything(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	meta := newFakeMeta()
	rec := &recorder{}
	tiered, err := cache.New(provider)
	require.NoError(t, err)
	m, err := New(tiered, WithMetadataStore(meta))
	require.NoError(t, err)
	m.Subscribe(rec.record)

	ctx := context.Background()
	_, err = m.DownloadBook(ctx, testManifest())
	require.NoError(t, err)

	require.NoError(t, m.CancelDownload(ctx, "b1"))

	_, ok := m.Book("b1")
	assert.False(t, ok)
	assert.False(t, tiered.Has(ctx, "b1", "ch1.xhtml"))
	_, ok = meta.record(t, "b1")
	assert.False(t, ok)

	var cancelled bool
	for _, ev := range rec.all() {
		if _, ok := ev.(CancelEvent); ok {
			cancelled = true
		}
	}
	assert.True(t, cancelled)
}

func TestCancelDownloadStopsLiveDownload(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.block["ch1.xhtml"] = true
	provider.block["ch2.xhtml"] = true
	provider.block["cover.jpg"] = true
	provider.started = make(chan string, 8)

	m := newTestManager(t, provider, WithConcurrency(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.DownloadBook(context.Background(), testManifest())
	}()
	<-provider.started

	require.NoError(t, m.CancelDownload(context.Background(), "b1"))
	<-done

	_, ok := m.Book("b1")
	assert.False(t, ok, "cancel must remove the book record")
}

func TestQuotaRejectsBeforeAnyWork(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	rec := &recorder{}
	m := newTestManager(t, provider,
		WithQuotaEstimator(fixedQuota{usage: 900, quota: 1000}),
	)
	m.Subscribe(rec.record)

	_, err := m.DownloadBook(context.Background(), testManifest())
	assert.ErrorIs(t, err, ErrInsufficientStorage)

	// Rejection happens before any fetch, record, or event.
	assert.Equal(t, 0, provider.callCount("ch1.xhtml"))
	_, ok := m.Book("b1")
	assert.False(t, ok)
	assert.Empty(t, rec.all())
}

func TestQuotaWarnThresholdStillDownloads(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	m := newTestManager(t, provider,
		WithQuotaEstimator(fixedQuota{usage: 250, quota: 1000}),
		WithQuotaWarnThreshold(0.8),
	)

	book, err := m.DownloadBook(context.Background(), testManifest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, book.Status)
}

func TestQuotaIgnoresCachedResources(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	tiered, err := cache.New(provider)
	require.NoError(t, err)
	ctx := context.Background()
	tiered.Set(ctx, "b1", "ch1.xhtml", []byte("one"), "application/xhtml+xml", nil)
	tiered.Set(ctx, "b1", "ch2.xhtml", []byte("two"), "application/xhtml+xml", nil)

	// Only cover.jpg (300 bytes) still needs storage; the full manifest
	// (600 bytes) would not fit.
	m, err := New(tiered, WithQuotaEstimator(fixedQuota{usage: 700, quota: 1000}))
	require.NoError(t, err)

	book, err := m.DownloadBook(ctx, testManifest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, book.Status)
	assert.Equal(t, int64(600), book.DownloadedSize)
}

func TestDownloadBookEventSequence(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	rec := &recorder{}
	m := newTestManager(t, provider, WithConcurrency(1))
	m.Subscribe(rec.record)

	_, err := m.DownloadBook(context.Background(), testManifest())
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 5)
	assert.IsType(t, StartEvent{}, events[0])
	assert.IsType(t, CompleteEvent{}, events[4])

	progress := rec.progress()
	require.Len(t, progress, 3)
	var prev int64
	for _, p := range progress {
		assert.GreaterOrEqual(t, p.BytesDownloaded, prev)
		prev = p.BytesDownloaded
		assert.Equal(t, int64(600), p.TotalBytes)
		assert.Equal(t, 3, p.TotalResources)
	}
	last := progress[len(progress)-1]
	assert.Equal(t, int64(600), last.BytesDownloaded)
	assert.InDelta(t, 100.0, last.Percentage, 1e-9)
}

func TestProgressGrowsUndeclaredSizes(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["a"] = []byte("12345")
	provider.data["b"] = []byte("1234567890")

	m := newTestManager(t, provider, WithConcurrency(1))

	book, err := m.DownloadBook(context.Background(), BookManifest{
		BookID: "b1",
		Resources: []ResourceInfo{
			{Href: "a"},
			{Href: "b"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15), book.DownloadedSize)
	assert.Equal(t, int64(15), book.TotalSize)
}

func TestSubscribeRemovalAndPanicIsolation(t *testing.T) {
	t.Parallel()

	provider := newStubProvider()
	provider.data["ch1.xhtml"] = []byte("one")
	provider.data["ch2.xhtml"] = []byte("two")
	provider.data["cover.jpg"] = []byte("jpg")

	m := newTestManager(t, provider)

	removedRec := &recorder{}
	remove := m.Subscribe(removedRec.record)
	remove()

	m.Subscribe(func(Event) { panic("listener bug") })
	rec := &recorder{}
	m.Subscribe(rec.record)

	_, err := m.DownloadBook(context.Background(), testManifest())
	require.NoError(t, err)

	assert.Empty(t, removedRec.all())
	assert.NotEmpty(t, rec.all(), "a panicking listener must not starve others")
}

func TestNewDemotesInterruptedDownloads(t *testing.T) {
	t.Parallel()

	meta := newFakeMeta()
	meta.seed(t, Book{BookID: "b1", Status: StatusDownloading, DownloadedSize: 40})
	meta.seed(t, Book{BookID: "b2", Status: StatusCompleted, TotalSize: 100})

	m := newTestManager(t, newStubProvider(), WithMetadataStore(meta))

	b1, ok := m.Book("b1")
	require.True(t, ok)
	assert.Equal(t, StatusPartial, b1.Status)

	b2, ok := m.Book("b2")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, b2.Status)

	persisted, ok := meta.record(t, "b1")
	require.True(t, ok)
	assert.Equal(t, StatusPartial, persisted.Status)
}

func TestCleanupOldBooks(t *testing.T) {
	t.Parallel()

	now := time.Now()
	meta := newFakeMeta()
	meta.seed(t, Book{BookID: "old", Status: StatusCompleted, TotalSize: 100, LastAccessedAt: now.Add(-3 * time.Hour)})
	meta.seed(t, Book{BookID: "mid", Status: StatusCompleted, TotalSize: 200, LastAccessedAt: now.Add(-2 * time.Hour)})
	meta.seed(t, Book{BookID: "new", Status: StatusCompleted, TotalSize: 300, LastAccessedAt: now.Add(-time.Hour)})
	meta.seed(t, Book{BookID: "stalled", Status: StatusPaused, DownloadedSize: 50, LastAccessedAt: now.Add(-4 * time.Hour)})

	m := newTestManager(t, newStubProvider(), WithMetadataStore(meta))

	removed, err := m.CleanupOldBooks(context.Background(), 250)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "mid"}, removed)

	_, ok := m.Book("old")
	assert.False(t, ok)
	_, ok = m.Book("new")
	assert.True(t, ok)
	_, ok = m.Book("stalled")
	assert.True(t, ok, "cleanup only evicts completed books")
	_, ok = meta.record(t, "mid")
	assert.False(t, ok)
}

func TestBooksSortedAndStorageUsed(t *testing.T) {
	t.Parallel()

	meta := newFakeMeta()
	meta.seed(t, Book{BookID: "zeta", Status: StatusCompleted, TotalSize: 100})
	meta.seed(t, Book{BookID: "alpha", Status: StatusPaused, TotalSize: 500, DownloadedSize: 40})

	m := newTestManager(t, newStubProvider(), WithMetadataStore(meta))

	books := m.Books()
	require.Len(t, books, 2)
	assert.Equal(t, "alpha", books[0].BookID)
	assert.Equal(t, "zeta", books[1].BookID)

	// Completed books count in full, everything else by downloaded bytes.
	assert.Equal(t, int64(140), m.TotalStorageUsed())

	assert.True(t, m.IsBookOffline("zeta"))
	assert.False(t, m.IsBookOffline("alpha"))
	assert.False(t, m.IsBookOffline("missing"))
}

func TestMarkAccessed(t *testing.T) {
	t.Parallel()

	meta := newFakeMeta()
	meta.seed(t, Book{BookID: "b1", Status: StatusCompleted, LastAccessedAt: time.Now().Add(-time.Hour)})

	m := newTestManager(t, newStubProvider(), WithMetadataStore(meta))

	before, ok := m.Book("b1")
	require.True(t, ok)

	require.NoError(t, m.MarkAccessed(context.Background(), "b1"))
	after, ok := m.Book("b1")
	require.True(t, ok)
	assert.True(t, after.LastAccessedAt.After(before.LastAccessedAt))

	assert.ErrorIs(t, m.MarkAccessed(context.Background(), "missing"), ErrBookNotFound)
}

func TestMarkAccessedDoesNotResurrectRemovedBook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		meta := newFakeMeta()
		meta.seed(t, Book{BookID: "b1", Status: StatusCompleted, TotalSize: 100})
		m := newTestManager(t, newStubProvider(), WithMetadataStore(meta))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.MarkAccessed(ctx, "b1")
		}()
		go func() {
			defer wg.Done()
			m.CancelDownload(ctx, "b1")
		}()
		wg.Wait()

		_, ok := m.Book("b1")
		require.False(t, ok, "cancel must win regardless of interleaving")
	}
}

func TestNewRequiresCache(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}
