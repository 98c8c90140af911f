package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wagerboard/wager-engine/internal/model"
	"github.com/wagerboard/wager-engine/internal/store"
)

// OpenAccount creates a balance with the given starting points the first time
// a user is seen. An existing balance is returned untouched.
func (e *Engine) OpenAccount(ctx context.Context, userID string, points int64) (balance *model.UserBalance, err error) {
	start := time.Now()
	defer func() { observe("open_account", start, err) }()

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidAccount)
	}
	if points < 0 {
		return nil, ErrInvalidAmount
	}

	var created bool
	err = e.runTx(ctx, "open_account", func(ctx context.Context, tx store.Tx) error {
		created = false
		existing, err := tx.GetBalance(ctx, userID)
		if err == nil {
			balance = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		balance = &model.UserBalance{UserID: userID, Points: points}
		created = true
		return tx.PutBalance(ctx, balance)
	})
	if err != nil {
		return nil, err
	}

	if created {
		// The committed row starts at version 1.
		balance.Version = 1
		slog.Info("account opened", "user_id", userID, "points", points)
	}
	return balance, nil
}
