package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"veriflow/internal/notify/metrics"
)

const (
	defaultBuffer      = 64
	defaultSendTimeout = 10 * time.Second
)

// Dispatcher delivers decisions from a bounded queue on one worker
// goroutine. Dispatch never blocks: a full queue drops the decision.
type Dispatcher struct {
	notifier    Notifier
	queue       chan Decision
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	metrics *metrics.Metrics
	logger  *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Decision, n)
		}
	}
}

func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher starts the worker. Close must be called to stop it.
func NewDispatcher(notifier Notifier, opts ...DispatcherOption) (*Dispatcher, error) {
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	d := &Dispatcher{
		notifier:    notifier,
		queue:       make(chan Decision, defaultBuffer),
		sendTimeout: defaultSendTimeout,
		done:        make(chan struct{}),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d, nil
}

// Dispatch queues a decision. It reports whether the decision was accepted.
func (d *Dispatcher) Dispatch(ctx context.Context, decision Decision) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ctx, decision, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- decision:
		return true
	default:
		d.drop(ctx, decision, "queue full")
		return false
	}
}

// Close stops accepting decisions and waits for the queue to drain or ctx to
// end.
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

func (d *Dispatcher) run() {
	defer close(d.done)
	for decision := range d.queue {
		d.send(decision)
	}
}

func (d *Dispatcher) send(decision Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.notifier.NotifyDecision(ctx, decision); err != nil {
		d.metrics.IncrementSent("failure")
		d.logger.ErrorContext(ctx, "failed to send decision notification",
			"user_id", decision.UserID.String(),
			"request_id", decision.RequestID.String(),
			"error", err,
		)
		return
	}
	d.metrics.IncrementSent("success")
}

func (d *Dispatcher) drop(ctx context.Context, decision Decision, reason string) {
	d.metrics.IncrementDropped()
	d.logger.WarnContext(ctx, "decision notification dropped",
		"user_id", decision.UserID.String(),
		"request_id", decision.RequestID.String(),
		"reason", reason,
	)
}
