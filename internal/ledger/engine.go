// Package ledger implements the transaction engine: every operation that
// moves points between balances and a wager's bet list.
//
// Each operation is a read-validate-write closure run through
// store.RunInTx. No in-process lock is held; when the store reports a write
// conflict the closure is re-run against fresh state, up to a bounded number
// of attempts. Notifications are requested only after a successful commit
// and their failures never reach the caller.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wagerboard/wager-engine/internal/metrics"
	"github.com/wagerboard/wager-engine/internal/model"
	"github.com/wagerboard/wager-engine/internal/store"
)

// Notifier receives fire-and-forget notification requests.
type Notifier interface {
	Emit(ctx context.Context, userID, wagerID, message string) error
}

const (
	defaultMaxAttempts = 8
	defaultBaseDelay   = 25 * time.Millisecond
	defaultMaxDelay    = time.Second
)

// Engine runs ledger operations against a Store.
type Engine struct {
	store    store.Store
	notifier Notifier

	now   func() time.Time
	newID func() string

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source. The clock is read inside each
// transaction attempt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how wager IDs are minted.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithRetry sets the attempt budget and backoff for write conflicts.
// Non-positive values keep the defaults.
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			e.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			e.maxDelay = maxDelay
		}
	}
}

// New creates an engine. Pass a nil notifier to disable notifications.
func New(st store.Store, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		notifier:    notifier,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runTx runs fn until it commits, fails for a reason other than a write
// conflict, or the attempt budget runs out.
func (e *Engine) runTx(ctx context.Context, op string, fn store.TxFunc) error {
	delay := e.baseDelay
	for attempt := 1; ; attempt++ {
		err := e.store.RunInTx(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		metrics.TxConflicts.WithLabelValues(op).Inc()

		if attempt >= e.maxAttempts {
			slog.Warn("ledger retries exhausted", "op", op, "attempts", attempt)
			return fmt.Errorf("%w: %s gave up after %d attempts", ErrTransientConflict, op, attempt)
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		if delay *= 2; delay > e.maxDelay {
			delay = e.maxDelay
		}
	}
}

// observe records the outcome of one operation.
func observe(op string, start time.Time, err error) {
	metrics.LedgerOpsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	metrics.LedgerOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// notify requests a notification and swallows any failure.
func (e *Engine) notify(ctx context.Context, userID, wagerID, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Emit(ctx, userID, wagerID, message); err != nil {
		slog.Warn("notification failed",
			"user_id", userID,
			"wager_id", wagerID,
			"error", err,
		)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// loadWager reads a wager inside tx, translating the store's not-found.
func loadWager(ctx context.Context, tx store.Tx, id string) (*model.Wager, error) {
	w, err := tx.GetWager(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: wager %s", ErrNotFound, id)
	}
	return w, err
}

// loadBalance reads a balance inside tx, translating the store's not-found.
func loadBalance(ctx context.Context, tx store.Tx, userID string) (*model.UserBalance, error) {
	b, err := tx.GetBalance(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: balance for user %s", ErrNotFound, userID)
	}
	return b, err
}
