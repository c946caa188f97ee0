package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/statusd/internal/metrics"
)

const (
	// DefaultSendTimeout bounds delivery to a single sink.
	DefaultSendTimeout = 2 * time.Second
	// DefaultQueueSize is how many events may wait for delivery before new
	// ones are dropped.
	DefaultQueueSize = 1024
)

// Named attaches a label to a sink for logs and metrics.
type Named struct {
	Name string
	Sink Sink
}

type queued struct {
	ctx   context.Context
	event Event
	flush chan struct{}
}

// Dispatcher fans events out to every configured sink from a single
// background worker, so a slow sink never delays the caller. Delivery is
// best effort: failures and drops are logged and counted, never returned.
type Dispatcher struct {
	sinks   []Named
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	queue  chan queued
	closed bool
	start  sync.Once
	done   chan struct{}
}

// NewDispatcher returns a dispatcher over sinks. A nil logger means slog.Default().
func NewDispatcher(logger *slog.Logger, sinks ...Named) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:   append([]Named(nil), sinks...),
		timeout: DefaultSendTimeout,
		logger:  logger,
		queue:   make(chan queued, DefaultQueueSize),
		done:    make(chan struct{}),
	}
}

// With returns a new dispatcher that also sends to extra. d itself must not
// be used for delivery afterwards.
func (d *Dispatcher) With(extra ...Named) *Dispatcher {
	if d == nil {
		return NewDispatcher(nil, extra...)
	}
	nd := NewDispatcher(d.logger, append(append([]Named(nil), d.sinks...), extra...)...)
	nd.timeout = d.timeout
	return nd
}

// Len reports how many sinks are configured.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.sinks)
}

// Emit queues e for every sink and returns immediately. The request
// context's values are kept but its cancellation is not, so an aborted
// request does not drop the event. A full queue drops e.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e, "dispatcher closed")
		return
	}
	d.start.Do(func() { go d.run() })
	select {
	case d.queue <- queued{ctx: context.WithoutCancel(ctx), event: e}:
	default:
		d.drop(e, "queue full")
	}
}

func (d *Dispatcher) drop(e Event, reason string) {
	for _, s := range d.sinks {
		metrics.IncHistoryError(s.Name)
	}
	d.logger.Warn("history event dropped", "event", string(e.Type), "reason", reason)
}

// Flush blocks until every event queued before the call was delivered or
// ctx is done.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if d == nil || len(d.sinks) == 0 {
		return nil
	}
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil
	}
	d.start.Do(func() { go d.run() })
	marker := make(chan struct{})
	select {
	case d.queue <- queued{flush: marker}:
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	d.mu.RUnlock()
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for q := range d.queue {
		if q.flush != nil {
			close(q.flush)
			continue
		}
		d.deliver(q.ctx, q.event)
	}
}

func (d *Dispatcher) deliver(base context.Context, e Event) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(base, d.timeout)
		err := s.Sink.Send(sctx, e)
		cancel()
		if err != nil {
			metrics.IncHistoryError(s.Name)
			d.logger.Warn("history sink send failed", "sink", s.Name, "event", string(e.Type), "error", err)
		}
	}
}

// Close delivers the events still queued, then closes every sink that
// implements io.Closer and joins the errors. Later calls only repeat the
// sink close.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
		d.start.Do(func() { close(d.done) })
	}
	d.mu.Unlock()
	<-d.done

	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.Sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
