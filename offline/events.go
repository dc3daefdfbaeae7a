package offline

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Event is one download lifecycle notification.
//
// The concrete variants form a closed set; consumers switch on type.
type Event interface {
	// EventBookID returns the book the event concerns.
	EventBookID() string
}

// StartEvent signals that a book download began.
type StartEvent struct {
	Book Book
}

// ProgressEvent carries a progress snapshot, emitted on every resource
// completion.
type ProgressEvent struct {
	Progress Progress
}

// CompleteEvent signals that a book download finished successfully.
type CompleteEvent struct {
	Book Book
}

// PauseEvent signals that a download was paused. Downloaded bytes are kept.
type PauseEvent struct {
	BookID string
}

// ResumeEvent signals that a paused download is restarting.
type ResumeEvent struct {
	BookID string
}

// ErrorEvent signals that a download failed after exhausting retries.
type ErrorEvent struct {
	BookID string
	Err    error
}

// CancelEvent signals that a download was cancelled and its data removed.
type CancelEvent struct {
	BookID string
}

func (e StartEvent) EventBookID() string    { return e.Book.BookID }
func (e ProgressEvent) EventBookID() string { return e.Progress.BookID }
func (e CompleteEvent) EventBookID() string { return e.Book.BookID }
func (e PauseEvent) EventBookID() string    { return e.BookID }
func (e ResumeEvent) EventBookID() string   { return e.BookID }
func (e ErrorEvent) EventBookID() string    { return e.BookID }
func (e CancelEvent) EventBookID() string   { return e.BookID }

// eventBus fans events out to subscribers. A panicking listener is caught
// and logged so it can never break the emitter or its peers.
type eventBus struct {
	mu     sync.Mutex
	next   int
	subs   map[int]func(Event)
	logger *slog.Logger
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		subs:   make(map[int]func(Event)),
		logger: logger,
	}
}

func (b *eventBus) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b.logger
}

// subscribe registers fn and returns its removal func.
func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// emit delivers the event to every subscriber synchronously.
func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

func (b *eventBus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log().Error("event listener panicked",
				"event", fmt.Sprintf("%T", ev), "book", ev.EventBookID(), "panic", r)
		}
	}()
	fn(ev)
}
