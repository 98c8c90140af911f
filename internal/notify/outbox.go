package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wagerboard/wager-engine/internal/metrics"
)

var (
	// ErrQueueFull is returned when the outbox has no room; the request is
	// dropped.
	ErrQueueFull = errors.New("notify: outbox full")

	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("notify: outbox closed")
)

type request struct {
	userID, wagerID, message string
}

// Outbox decouples callers from delivery. Emit only enqueues; a worker
// hands requests to the wrapped Emitter in FIFO order, each with its own
// timeout, so a slow or failing backend never blocks the ledger.
type Outbox struct {
	next    Emitter
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan request
	done   chan struct{}
}

// NewOutbox starts a worker draining into next. size bounds the queue.
func NewOutbox(next Emitter, size int, timeout time.Duration) *Outbox {
	if size <= 0 {
		size = 1
	}
	o := &Outbox{
		next:    next,
		timeout: timeout,
		queue:   make(chan request, size),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Emit enqueues the request without blocking. The caller's context is not
// carried over, since the request outlives it.
func (o *Outbox) Emit(_ context.Context, userID, wagerID, message string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}

	select {
	case o.queue <- request{userID, wagerID, message}:
		return nil
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		slog.Warn("notification dropped, outbox full", "user_id", userID, "wager_id", wagerID)
		return ErrQueueFull
	}
}

// Close stops accepting requests and waits for the queue to drain or ctx to
// end.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for req := range o.queue {
		o.deliver(req)
	}
}

func (o *Outbox) deliver(req request) {
	ctx := context.Background()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if err := o.next.Emit(ctx, req.userID, req.wagerID, req.message); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		slog.Error("notification delivery failed",
			"user_id", req.userID,
			"wager_id", req.wagerID,
			"error", err,
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
