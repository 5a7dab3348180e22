// Package analytics collects flag evaluation events off the hot path and
// flushes them to storage in batches. Recording never blocks an evaluation:
// when the buffer is full, events are dropped and counted.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flagwire/flagwire/internal/repository"
)

const (
	defaultBufferSize    = 4096
	defaultMaxBatchSize  = 500
	defaultFlushInterval = 5 * time.Second
	flushTimeout         = 10 * time.Second
)

// Recorder persists a batch of evaluation events.
type Recorder interface {
	InsertEvaluationEvents(ctx context.Context, events []repository.EvaluationEvent) error
}

// Sink buffers evaluation events and flushes them on a timer or when a
// batch fills. Close drains the buffer before returning.
type Sink struct {
	recorder Recorder
	log      *slog.Logger

	bufferSize    int
	maxBatchSize  int
	flushInterval time.Duration
	onDrop        func()
	now           func() time.Time

	events chan repository.EvaluationEvent
	quit   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the sink's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sink) {
		if log != nil {
			s.log = log
		}
	}
}

// WithBufferSize sets the in-memory event buffer capacity.
func WithBufferSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithMaxBatchSize caps how many events one flush writes.
func WithMaxBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxBatchSize = n
		}
	}
}

// WithFlushInterval sets how often buffered events are flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithDropCounter registers a counter invoked for every event dropped
// because the buffer was full.
func WithDropCounter(onDrop func()) Option {
	return func(s *Sink) { s.onDrop = onDrop }
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSink creates a Sink and starts its flush loop.
func NewSink(recorder Recorder, opts ...Option) *Sink {
	s := &Sink{
		recorder:      recorder,
		log:           slog.Default(),
		bufferSize:    defaultBufferSize,
		maxBatchSize:  defaultMaxBatchSize,
		flushInterval: defaultFlushInterval,
		now:           time.Now,
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.events = make(chan repository.EvaluationEvent, s.bufferSize)

	s.wg.Add(1)
	go s.loop()

	return s
}

// Record queues one evaluation event. It never blocks: if the buffer is
// full the event is dropped and the drop counter incremented.
func (s *Sink) Record(event repository.EvaluationEvent) {
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}

	select {
	case s.events <- event:
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// Close stops the flush loop after draining buffered events. Callers must
// not Record after Close.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.wg.Wait()
	})
}

func (s *Sink) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]repository.EvaluationEvent, 0, s.maxBatchSize)
	for {
		select {
		case event := <-s.events:
			batch = append(batch, event)
			if len(batch) >= s.maxBatchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.quit:
			close(s.events)
			for event := range s.events {
				batch = append(batch, event)
				if len(batch) >= s.maxBatchSize {
					batch = s.flush(batch)
				}
			}
			s.flush(batch)
			return
		}
	}
}

func (s *Sink) flush(batch []repository.EvaluationEvent) []repository.EvaluationEvent {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := s.recorder.InsertEvaluationEvents(ctx, batch); err != nil {
		// One lost batch is acceptable; evaluation analytics are advisory.
		s.log.Warn("flush evaluation events failed", "batch_size", len(batch), "error", err)
	}

	return batch[:0]
}

// newEventID prefers time-ordered UUIDv7 so event rows cluster by insert
// time, falling back to v4 when the entropy source misbehaves.
func newEventID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
