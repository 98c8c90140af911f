// Package notify carries notification requests out of the ledger. Delivery
// is best-effort: an emitter may fail or drop a request and the ledger
// mutation that triggered it stands.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wagerboard/wager-engine/internal/model"
)

// Emitter accepts a request to notify one user about one wager.
type Emitter interface {
	Emit(ctx context.Context, userID, wagerID, message string) error
}

// Notifications is the part of the store a StoreEmitter writes to.
type Notifications interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
}

// StoreEmitter persists each request as an unread Notification, which the
// live notifications query then delivers.
type StoreEmitter struct {
	store Notifications
}

// NewStoreEmitter creates an emitter backed by the notification store.
func NewStoreEmitter(st Notifications) *StoreEmitter {
	return &StoreEmitter{store: st}
}

func (e *StoreEmitter) Emit(ctx context.Context, userID, wagerID, message string) error {
	n := &model.Notification{
		UserID:  userID,
		WagerID: wagerID,
		Message: message,
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	return nil
}

// Multi fans a request out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, userID, wagerID, message string) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, userID, wagerID, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
