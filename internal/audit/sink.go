package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"ontour.app/internal/ids"
	"ontour.app/internal/obs"
)

var (
	ErrMissingKind = errors.New("audit: event kind is required")
	ErrClosed      = errors.New("audit: sink closed")
)

// Writer persists stamped entries.
type Writer interface {
	AppendAudit(ctx context.Context, entry Entry) error
}

// Multi fans an event out to several sinks. A panicking sink does not affect the others.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		if s == nil {
			continue
		}
		recordSafely(ctx, s, ev)
	}
}

func recordSafely(ctx context.Context, s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("audit.sink_panic", map[string]any{"event": ev.Kind, "panic": r})
		}
	}()
	s.Record(ctx, ev)
}

// AsyncSink queues events for a Writer on a background goroutine. When the queue is full the
// event is dropped and a warning is logged.
type AsyncSink struct {
	writer  Writer
	timeout time.Duration
	now     func() time.Time

	queue chan Entry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// AsyncOption configures AsyncSink.
type AsyncOption func(*AsyncSink)

// WithWriteTimeout bounds each write to the underlying Writer.
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(s *AsyncSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source used to stamp entries.
func WithClock(fn func() time.Time) AsyncOption {
	return func(s *AsyncSink) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewAsyncSink starts the background writer. capacity is the queue length.
func NewAsyncSink(w Writer, capacity int, opts ...AsyncOption) *AsyncSink {
	if capacity <= 0 {
		capacity = 256
	}
	s := &AsyncSink{
		writer:  w,
		timeout: 2 * time.Second,
		now:     time.Now,
		queue:   make(chan Entry, capacity),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *AsyncSink) Record(ctx context.Context, ev Event) {
	if ev.Kind == "" {
		return
	}
	entry := Entry{
		ID:         ids.New(),
		OccurredAt: s.now().UTC(),
		RequestID:  RequestIDFromContext(ctx),
		Event:      ev,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- entry:
	default:
		obs.Warn("audit.dropped", map[string]any{"event": ev.Kind, "request_id": entry.RequestID})
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for entry := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.writer.AppendAudit(ctx, entry); err != nil {
			obs.Error("audit.write_failed", map[string]any{"event": entry.Kind, "error": err.Error()})
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written or ctx to expire.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
