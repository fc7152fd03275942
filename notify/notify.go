/*
Package notify delivers wallet notifications without blocking the ledger.

The ledger calls Dispatcher.Notify after every successful posting. Notify
only enqueues; a worker goroutine hands each notification to the configured
sinks. A full queue drops the notification and a failing sink is logged and
skipped, so a lost notification never rolls back or delays a ledger write.

Sinks:
  - LogSink: writes the notification to the structured log (dev default)
  - RedisSink: publishes JSON on a Redis channel for the push/SMS service
*/
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/incentive-ledger/generic"
)

// Sink delivers one notification to an external channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n generic.Notification) error
}

type Options struct {
	QueueSize int
	// DeliveryTimeout bounds one sink call.
	DeliveryTimeout time.Duration
	Logger          zerolog.Logger
}

// Dispatcher implements generic.Notifier.
type Dispatcher struct {
	sinks   []Sink
	queue   chan generic.Notification
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ generic.Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the delivery worker. Call Close to stop it.
func NewDispatcher(opts Options, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 2 * time.Second
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan generic.Notification, opts.QueueSize),
		timeout: opts.DeliveryTimeout,
		log:     opts.Logger.With().Str("component", "notify").Logger(),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues n. It never blocks.
func (d *Dispatcher) Notify(n generic.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		d.log.Warn().Str("owner", string(n.OwnerID)).Str("type", n.Type).Msg("notification queue full, dropping")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n generic.Notification) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.Deliver(ctx, n)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.log.Warn().Err(err).
				Str("sink", sink.Name()).
				Str("owner", string(n.OwnerID)).
				Str("type", n.Type).
				Msg("notification delivery failed")
		}
	}
}

// Close stops accepting notifications and waits until the queue is drained
// or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped counts notifications lost to a full queue or a closed dispatcher.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed counts sink deliveries that returned an error.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// =============================================================================
// LOG SINK
// =============================================================================

type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger.With().Str("component", "notify").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, n generic.Notification) error {
	s.log.Info().
		Str("owner", string(n.OwnerID)).
		Str("type", n.Type).
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("notification")
	return nil
}
