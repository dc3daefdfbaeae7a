// Package bolt provides the durable cache tier (L2) backed by bbolt.
//
// Resource entries are grouped in one bucket per book, which makes
// book-scoped enumeration and deletion single bucket operations. Values are
// zstd-compressed at rest and carry a digest of the uncompressed bytes that
// is verified on every read; a failed verification surfaces as a corruption
// error, which the tiered cache degrades to a miss.
//
// The store also keeps offline-book state records in a separate bucket for
// the offline download manager.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	bolt "go.etcd.io/bbolt"

	"github.com/openshelf/bookcache/cache"
)

// ErrCorrupt is returned when a stored entry fails digest verification or
// cannot be decoded.
var ErrCorrupt = errors.New("bolt: cache entry is corrupt")

var (
	resourcesBucket = []byte("resources")
	recordsBucket   = []byte("offline_books")
)

// Store is a bbolt-backed cache.PersistentStore.
//
// The zero value is not usable; create one with New and call Open before
// use. Store is safe for concurrent use.
type Store struct {
	path     string
	fileMode os.FileMode
	compress bool
	logger   *slog.Logger

	db     *bolt.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	closed atomic.Bool
}

// Interface compliance.
var _ cache.PersistentStore = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCompression controls zstd compression of stored values.
// Enabled by default; compression is skipped per entry when it does not
// shrink the data.
func WithCompression(enabled bool) StoreOption {
	return func(s *Store) {
		s.compress = enabled
	}
}

// WithFileMode sets the database file permissions. Defaults to 0600.
func WithFileMode(mode os.FileMode) StoreOption {
	return func(s *Store) {
		s.fileMode = mode
	}
}

// WithStoreLogger sets the logger for store operations.
// If not set, logging is disabled.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store rooted at the given database file path.
func New(path string, opts ...StoreOption) (*Store, error) {
	if path == "" {
		return nil, errors.New("bolt: store path is empty")
	}
	s := &Store{
		path:     path,
		fileMode: 0o600,
		compress: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.logger
}

// Open opens the database file and prepares the top-level buckets.
func (s *Store) Open() error {
	db, err := bolt.Open(s.path, s.fileMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("bolt: open %s: %w", s.path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(resourcesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("bolt: prepare buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return fmt.Errorf("bolt: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return fmt.Errorf("bolt: zstd decoder: %w", err)
	}

	s.db = db
	s.enc = enc
	s.dec = dec
	s.closed.Store(false)
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) ready(ctx context.Context) error {
	if s.closed.Load() || s.db == nil {
		return cache.ErrClosed
	}
	return ctx.Err()
}

// envelope is the stored form of a cache entry.
type envelope struct {
	MimeType   string            `json:"mime,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Size       int64             `json:"size"`
	CreatedAt  time.Time         `json:"created_at"`
	Digest     digest.Digest     `json:"digest"`
	Compressed bool              `json:"compressed"`
	Data       []byte            `json:"data"`
}

func (s *Store) encode(data []byte, mimeType string, metadata map[string]string) ([]byte, error) {
	env := envelope{
		MimeType:  mimeType,
		Metadata:  metadata,
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
		Digest:    digest.FromBytes(data),
		Data:      data,
	}
	if s.compress {
		compressed := s.enc.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			env.Compressed = true
			env.Data = compressed
		}
	}
	return json.Marshal(env)
}

func (s *Store) decode(key cache.Key, value []byte) (*cache.Entry, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key.String(), err)
	}
	data := env.Data
	if env.Compressed {
		var err error
		data, err = s.dec.DecodeAll(env.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key.String(), err)
		}
	}
	if digest.FromBytes(data) != env.Digest {
		return nil, fmt.Errorf("%w: %s: digest mismatch", ErrCorrupt, key.String())
	}
	return &cache.Entry{
		Key:       key,
		Data:      data,
		MimeType:  env.MimeType,
		Metadata:  env.Metadata,
		Size:      env.Size,
		CreatedAt: env.CreatedAt,
	}, nil
}

// Get retrieves the entry, verifying its integrity digest.
func (s *Store) Get(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		book := tx.Bucket(resourcesBucket).Bucket([]byte(key.BookID))
		if book == nil {
			return cache.ErrNotFound
		}
		v := book.Get([]byte(key.Href))
		if v == nil {
			return cache.ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.decode(key, value)
}

// Set stores the entry under its book's bucket.
func (s *Store) Set(ctx context.Context, bookID, href string, data []byte, mimeType string, metadata map[string]string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	value, err := s.encode(data, mimeType, metadata)
	if err != nil {
		return fmt.Errorf("bolt: encode %s:%s: %w", bookID, href, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		book, err := tx.Bucket(resourcesBucket).CreateBucketIfNotExists([]byte(bookID))
		if err != nil {
			return err
		}
		return book.Put([]byte(href), value)
	})
}

// Has reports whether the key is stored, without decoding it.
func (s *Store) Has(ctx context.Context, key cache.Key) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		book := tx.Bucket(resourcesBucket).Bucket([]byte(key.BookID))
		ok = book != nil && book.Get([]byte(key.Href)) != nil
		return nil
	})
	return ok, err
}

// Delete removes the entry. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, key cache.Key) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		book := tx.Bucket(resourcesBucket).Bucket([]byte(key.BookID))
		if book == nil {
			return nil
		}
		return book.Delete([]byte(key.Href))
	})
}

// DeleteBook removes every entry of the book in one bucket drop.
func (s *Store) DeleteBook(ctx context.Context, bookID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(resourcesBucket).DeleteBucket([]byte(bookID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// BookEntries returns every decodable entry of the book. Corrupt entries
// are logged and skipped.
func (s *Store) BookEntries(ctx context.Context, bookID string) ([]*cache.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	type raw struct {
		href  string
		value []byte
	}
	var rows []raw
	err := s.db.View(func(tx *bolt.Tx) error {
		book := tx.Bucket(resourcesBucket).Bucket([]byte(bookID))
		if book == nil {
			return nil
		}
		return book.ForEach(func(k, v []byte) error {
			rows = append(rows, raw{
				href:  string(k),
				value: append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	entries := make([]*cache.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := s.decode(cache.NewKey(bookID, row.href), row.value)
		if err != nil {
			s.log().Warn("skipping corrupt cache entry",
				"book", bookID, "href", row.href, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// BookHrefs returns the hrefs stored for the book, without decoding values.
func (s *Store) BookHrefs(ctx context.Context, bookID string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var hrefs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		book := tx.Bucket(resourcesBucket).Bucket([]byte(bookID))
		if book == nil {
			return nil
		}
		return book.ForEach(func(k, _ []byte) error {
			hrefs = append(hrefs, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return hrefs, nil
}

// Stats reports entry and book counts plus at-rest value bytes.
func (s *Store) Stats(ctx context.Context) (*cache.StoreStats, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	st := &cache.StoreStats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resourcesBucket).ForEachBucket(func(name []byte) error {
			st.Books++
			book := tx.Bucket(resourcesBucket).Bucket(name)
			return book.ForEach(func(_, v []byte) error {
				st.Entries++
				st.SizeBytes += int64(len(v))
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Clear removes every cached resource entry. Offline-book records are kept.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(resourcesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(resourcesBucket)
		return err
	})
}

// SaveRecord stores an offline-book state record.
func (s *Store) SaveRecord(ctx context.Context, bookID string, record []byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(bookID), record)
	})
}

// LoadRecords returns all offline-book state records keyed by book ID.
func (s *Store) LoadRecords(ctx context.Context) (map[string][]byte, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	records := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			records[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteRecord removes an offline-book state record.
func (s *Store) DeleteRecord(ctx context.Context, bookID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(bookID))
	})
}

// Close releases the database and codec resources.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Destroy closes the store and removes the database file.
func (s *Store) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
