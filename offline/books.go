// Package offline downloads whole books into the tiered cache for offline
// reading.
//
// Each book download runs a bounded worker pool over the book's resource
// manifest, retrying transient failures, reporting progress, and surviving
// pause/resume. Download state is persisted after every status transition
// so it outlives the process.
package offline

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyDownloading is returned when a download for the book is
	// already in flight.
	ErrAlreadyDownloading = errors.New("offline: book is already downloading")

	// ErrInsufficientStorage is returned by the pre-flight quota check,
	// before any network activity.
	ErrInsufficientStorage = errors.New("offline: insufficient storage for download")

	// ErrNotPaused is returned by ResumeDownload when the book's persisted
	// status is not paused.
	ErrNotPaused = errors.New("offline: download is not paused")

	// ErrNotDownloading is returned by PauseDownload when the book has no
	// live download.
	ErrNotDownloading = errors.New("offline: book is not downloading")

	// ErrBookNotFound is returned when no state is known for the book.
	ErrBookNotFound = errors.New("offline: book not found")
)

// Status is the download state of one offline book.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusPaused      Status = "paused"

	// StatusPartial marks records found in downloading state at load time:
	// the process died mid-download without an explicit pause.
	StatusPartial Status = "partial"
)

// ResourceInfo describes one downloadable resource of a book.
type ResourceInfo struct {
	Href      string
	MimeType  string
	SizeBytes int64
	Required  bool
}

// BookManifest declares the resources comprising one book. It must not be
// mutated while a download of the book is in flight.
type BookManifest struct {
	BookID    string
	Title     string
	Author    string
	CoverHref string
	Resources []ResourceInfo
}

// Book is the persisted download-state record of one offline book.
type Book struct {
	BookID          string    `json:"book_id"`
	Title           string    `json:"title"`
	Author          string    `json:"author,omitempty"`
	TotalSize       int64     `json:"total_size"`
	DownloadedSize  int64     `json:"downloaded_size"`
	ResourceCount   int       `json:"resource_count"`
	DownloadedCount int       `json:"downloaded_count"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
	LastAccessedAt  time.Time `json:"last_accessed_at,omitzero"`
	Error           string    `json:"error,omitempty"`
}

// Progress is an ephemeral snapshot of a running download. It is emitted
// with every resource completion and never persisted.
type Progress struct {
	BookID          string
	CurrentResource string
	CurrentIndex    int
	TotalResources  int
	BytesDownloaded int64
	TotalBytes      int64
	Percentage      float64
	Speed           float64 // bytes per second over the run so far
	ETA             time.Duration
}

// MetadataStore persists offline-book records across restarts.
// Implemented by the bolt cache store.
type MetadataStore interface {
	SaveRecord(ctx context.Context, bookID string, record []byte) error
	LoadRecords(ctx context.Context) (map[string][]byte, error)
	DeleteRecord(ctx context.Context, bookID string) error
}
