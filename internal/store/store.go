// Package store defines the persistence interface for the wager engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
//
// All ledger writes go through RunInTx. A transaction reads a consistent
// snapshot, buffers its writes, and commits them atomically; if any document
// it read was changed by another commit in the meantime, the commit fails with
// ErrConflict and nothing is written. Retrying is the caller's job.
package store

import (
	"context"
	"errors"

	"github.com/wagerboard/wager-engine/internal/model"
)

var (
	// ErrNotFound is returned when a wager, balance or notification does
	// not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a transaction lost an optimistic
	// concurrency race. The whole transaction had no effect.
	ErrConflict = errors.New("store: write conflict")
)

// Tx is the transaction-scoped view of the store. Documents returned by Get
// are private copies; changes only take effect through Put and only if the
// transaction commits.
type Tx interface {
	// GetWager reads a wager as of the transaction snapshot.
	GetWager(ctx context.Context, id string) (*model.Wager, error)

	// PutWager inserts the wager when Version is 0, otherwise replaces the
	// version that was read.
	PutWager(ctx context.Context, w *model.Wager) error

	// GetBalance reads a user's balance as of the transaction snapshot.
	GetBalance(ctx context.Context, userID string) (*model.UserBalance, error)

	// PutBalance inserts the balance when Version is 0, otherwise replaces
	// the version that was read.
	PutBalance(ctx context.Context, b *model.UserBalance) error
}

// TxFunc is the body of a transaction. It may run more than once across
// retries and must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Change describes one committed transaction: the post-commit state of every
// document it wrote.
type Change struct {
	Seq           uint64               `json:"seq"`
	Wagers        []model.Wager        `json:"wagers,omitempty"`
	Balances      []model.UserBalance  `json:"balances,omitempty"`
	Notifications []model.Notification `json:"notifications,omitempty"`
}

// CommitHook is invoked once per commit, in commit order. Hooks must not
// block and must not call back into the store.
type CommitHook func(Change)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Transactions ---

	// RunInTx runs fn in a single transaction attempt. A lost race returns
	// ErrConflict; an error from fn aborts without writing anything.
	RunInTx(ctx context.Context, fn TxFunc) error

	// OnCommit registers a hook on the commit feed.
	OnCommit(hook CommitHook)

	// --- Wager reads ---

	// GetWager retrieves a committed wager by ID.
	GetWager(ctx context.Context, id string) (*model.Wager, error)

	// ListWagers returns all wagers, newest first.
	ListWagers(ctx context.Context) ([]model.Wager, error)

	// --- Balance reads ---

	// GetBalance retrieves a user's committed balance.
	GetBalance(ctx context.Context, userID string) (*model.UserBalance, error)

	// ListBalances returns all balances, highest points first.
	ListBalances(ctx context.Context) ([]model.UserBalance, error)

	// --- Notifications ---

	// CreateNotification appends a notification. It is not part of any
	// ledger transaction.
	CreateNotification(ctx context.Context, n *model.Notification) error

	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID string) ([]model.Notification, error)

	// MarkNotificationRead flags a notification as read.
	MarkNotificationRead(ctx context.Context, id string) error
}
