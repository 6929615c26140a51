// Package eventlog provides the buffered conversion event logger. Callers
// emit events from hot paths without blocking; a background flusher batches
// them into the log store. The event log is diagnostic: when the buffer or
// the store cannot keep up, events are dropped with a warning rather than
// slowing the pipeline down.
package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

const (
	defaultBufferSize    = 1024
	defaultFlushSize     = 200
	defaultFlushInterval = time.Second
	defaultWriteTimeout  = 5 * time.Second

	// flushRetries is how many extra write attempts a batch gets before it
	// is dropped.
	flushRetries = 2
	retryDelay   = 100 * time.Millisecond
)

// BatchWriter persists event batches. Satisfied by job.Store.
type BatchWriter interface {
	CreateLogBatch(ctx context.Context, events []*job.LogEvent) error
}

// Logger buffers log events and flushes them in batches.
type Logger struct {
	store         BatchWriter
	logger        *slog.Logger
	bufferSize    int
	flushSize     int
	flushInterval time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan *job.LogEvent
	done   chan struct{}
}

// Compile-time check that Logger implements the intake event sink.
var _ job.EventSink = (*Logger)(nil)

// Option configures a Logger.
type Option func(*Logger)

// WithBufferSize sets the channel capacity between emitters and the flusher.
func WithBufferSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithFlushSize sets the batch size that triggers an immediate flush.
func WithFlushSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.flushSize = n
		}
	}
}

// WithFlushInterval sets how often a partial batch is flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// New creates a Logger and starts its flusher. Call Close to drain it.
func New(store BatchWriter, logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		store:         store,
		logger:        logger,
		bufferSize:    defaultBufferSize,
		flushSize:     defaultFlushSize,
		flushInterval: defaultFlushInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ch = make(chan *job.LogEvent, l.bufferSize)

	go l.run()
	return l
}

// Emit queues an event for persistence. It never blocks: when the buffer is
// full the event is dropped with a warning.
func (l *Logger) Emit(ev *job.LogEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- ev:
	default:
		l.logger.Warn("event buffer full, dropping event",
			"event_type", ev.Type.String(),
			"job_id", ev.JobID,
		)
	}
}

// Close stops the flusher after draining buffered events. Emit becomes a
// no-op afterwards.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	<-l.done
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*job.LogEvent, 0, l.flushSize)
	for {
		select {
		case ev, ok := <-l.ch:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= l.flushSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Logger) flush(events []*job.LogEvent) {
	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt <= flushRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if err = l.store.CreateLogBatch(ctx, events); err == nil {
			return
		}
	}
	l.logger.Warn("dropping log events after failed writes",
		"count", len(events),
		"error", err,
	)
}
