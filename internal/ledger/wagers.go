package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/wagerboard/wager-engine/internal/metrics"
	"github.com/wagerboard/wager-engine/internal/model"
	"github.com/wagerboard/wager-engine/internal/odds"
	"github.com/wagerboard/wager-engine/internal/store"
)

// NewWager is the input to CreateWager.
type NewWager struct {
	Title      string
	Author     string
	AuthorID   string
	Options    []model.WagerOption
	CutoffDate time.Time
}

// PlaceBetRequest is the input to PlaceBet.
type PlaceBetRequest struct {
	WagerID  string
	UserID   string
	Username string
	Option   string
	Amount   int64
}

// CreateWager validates and stores a new open wager and returns its ID.
func (e *Engine) CreateWager(ctx context.Context, in NewWager) (id string, err error) {
	start := time.Now()
	defer func() { observe("create_wager", start, err) }()

	options, err := validateNewWager(&in)
	if err != nil {
		return "", err
	}

	id = e.newID()
	err = e.runTx(ctx, "create_wager", func(ctx context.Context, tx store.Tx) error {
		return tx.PutWager(ctx, &model.Wager{
			ID:         id,
			Title:      in.Title,
			Author:     in.Author,
			AuthorID:   in.AuthorID,
			Options:    options,
			CutoffDate: in.CutoffDate.UTC(),
			Status:     model.StatusOpen,
			Bets:       []model.Bet{},
			CreatedAt:  e.now(),
		})
	})
	if err != nil {
		return "", err
	}

	slog.Info("wager created",
		"wager_id", id,
		"author_id", in.AuthorID,
		"options", len(options),
		"cutoff", in.CutoffDate,
	)
	return id, nil
}

func validateNewWager(in *NewWager) ([]model.WagerOption, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidWager)
	}
	if strings.TrimSpace(in.AuthorID) == "" {
		return nil, fmt.Errorf("%w: author id is required", ErrInvalidWager)
	}
	if in.CutoffDate.IsZero() {
		return nil, fmt.Errorf("%w: cutoff date is required", ErrInvalidWager)
	}
	if len(in.Options) < 2 {
		return nil, fmt.Errorf("%w: at least 2 options are required", ErrInvalidWager)
	}

	options := make([]model.WagerOption, 0, len(in.Options))
	seen := make(map[string]bool, len(in.Options))
	for i, o := range in.Options {
		text := strings.TrimSpace(o.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: option %d has no text", ErrInvalidWager, i+1)
		}
		if seen[text] {
			return nil, fmt.Errorf("%w: duplicate option %q", ErrInvalidWager, text)
		}
		if err := odds.Validate(o.Odds); err != nil {
			return nil, fmt.Errorf("%w: option %q: %v", ErrInvalidWager, text, err)
		}
		seen[text] = true
		options = append(options, model.WagerOption{Text: text, Odds: o.Odds})
	}
	return options, nil
}

// PlaceBet debits the bettor and appends the bet in one transaction, then
// tells the wager's author.
func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) (err error) {
	start := time.Now()
	defer func() { observe("place_bet", start, err) }()

	if req.Amount <= 0 {
		return ErrInvalidAmount
	}

	var title, authorID string
	err = e.runTx(ctx, "place_bet", func(ctx context.Context, tx store.Tx) error {
		w, err := loadWager(ctx, tx, req.WagerID)
		if err != nil {
			return err
		}
		bal, err := loadBalance(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		if w.Status != model.StatusOpen {
			return fmt.Errorf("%w: wager is %s", ErrInvalidState, w.Status)
		}
		if _, ok := w.Option(req.Option); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidOption, req.Option)
		}
		if req.Amount > bal.Points {
			return fmt.Errorf("%w: need %d points, have %d", ErrInsufficientFunds, req.Amount, bal.Points)
		}
		now := e.now()
		if !now.Before(w.CutoffDate) {
			return ErrBettingClosed
		}
		if _, ok := w.BetBy(req.UserID); ok {
			return ErrDuplicateBet
		}

		bal.Points -= req.Amount
		w.Bets = append(w.Bets, model.Bet{
			UserID:    req.UserID,
			Username:  req.Username,
			Option:    req.Option,
			Amount:    req.Amount,
			CreatedAt: now,
		})
		if err := tx.PutBalance(ctx, bal); err != nil {
			return err
		}
		if err := tx.PutWager(ctx, w); err != nil {
			return err
		}

		title, authorID = w.Title, w.AuthorID
		return nil
	})
	if err != nil {
		return err
	}

	metrics.PointsStaked.Add(float64(req.Amount))
	slog.Info("bet placed",
		"wager_id", req.WagerID,
		"user_id", req.UserID,
		"option", req.Option,
		"amount", req.Amount,
	)

	e.notify(ctx, authorID, req.WagerID,
		fmt.Sprintf(`%s placed a bet on your wager: "%s"`, req.Username, title))
	return nil
}

// SettleWager resolves an open wager. Every winning bettor is credited stake
// plus payout in the same transaction that flips the status.
func (e *Engine) SettleWager(ctx context.Context, wagerID, winningOption string) (settlement *model.Settlement, err error) {
	start := time.Now()
	defer func() { observe("settle_wager", start, err) }()

	err = e.runTx(ctx, "settle_wager", func(ctx context.Context, tx store.Tx) error {
		settlement = nil

		w, err := loadWager(ctx, tx, wagerID)
		if err != nil {
			return err
		}
		switch w.Status {
		case model.StatusSettled:
			return ErrAlreadySettled
		case model.StatusCancelled:
			return fmt.Errorf("%w: wager is cancelled", ErrInvalidState)
		}
		winner, ok := w.Option(winningOption)
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidOption, winningOption)
		}

		s := &model.Settlement{
			WagerID:       w.ID,
			WinningOption: winner.Text,
			Payouts:       []model.Payout{},
		}
		for _, bet := range w.Bets {
			if bet.Option != winner.Text {
				continue
			}
			total, err := odds.TotalReturn(bet.Amount, winner.Odds)
			if err != nil {
				return fmt.Errorf("%w: price bet of %s: %v", ErrInvalidState, bet.UserID, err)
			}
			// Balances are never deleted. A winner without one aborts the
			// whole settlement with ErrNotFound and nobody is paid.
			bal, err := loadBalance(ctx, tx, bet.UserID)
			if err != nil {
				return err
			}
			if err := credit(bal, total); err != nil {
				return err
			}
			if err := tx.PutBalance(ctx, bal); err != nil {
				return err
			}
			s.Payouts = append(s.Payouts, model.Payout{
				UserID:      bet.UserID,
				Stake:       bet.Amount,
				Winnings:    total - bet.Amount,
				TotalReturn: total,
			})
		}

		now := e.now()
		w.Status = model.StatusSettled
		w.WinningOption = winner.Text
		w.SettledAt = &now
		if err := tx.PutWager(ctx, w); err != nil {
			return err
		}
		settlement = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	var paid int64
	for _, p := range settlement.Payouts {
		paid += p.TotalReturn
	}
	metrics.PointsPaidOut.WithLabelValues("settlement").Add(float64(paid))
	slog.Info("wager settled",
		"wager_id", wagerID,
		"winning_option", winningOption,
		"winners", len(settlement.Payouts),
		"paid_out", paid,
	)
	return settlement, nil
}

// CancelWager refunds every bettor of an open wager and marks it cancelled,
// then tells each bettor about the refund.
func (e *Engine) CancelWager(ctx context.Context, wagerID string) (err error) {
	start := time.Now()
	defer func() { observe("cancel_wager", start, err) }()

	var title string
	var refunded []model.Bet
	err = e.runTx(ctx, "cancel_wager", func(ctx context.Context, tx store.Tx) error {
		refunded = nil

		w, err := loadWager(ctx, tx, wagerID)
		if err != nil {
			return err
		}
		if w.Status != model.StatusOpen {
			return fmt.Errorf("%w: wager is %s", ErrInvalidState, w.Status)
		}

		for _, bet := range w.Bets {
			// As in settlement, a missing balance aborts every refund.
			bal, err := loadBalance(ctx, tx, bet.UserID)
			if err != nil {
				return err
			}
			if err := credit(bal, bet.Amount); err != nil {
				return err
			}
			if err := tx.PutBalance(ctx, bal); err != nil {
				return err
			}
		}

		now := e.now()
		w.Status = model.StatusCancelled
		w.CancelledAt = &now
		if err := tx.PutWager(ctx, w); err != nil {
			return err
		}
		title, refunded = w.Title, w.Bets
		return nil
	})
	if err != nil {
		return err
	}

	var total int64
	for _, bet := range refunded {
		total += bet.Amount
	}
	metrics.PointsPaidOut.WithLabelValues("refund").Add(float64(total))
	slog.Info("wager cancelled",
		"wager_id", wagerID,
		"refunds", len(refunded),
		"refunded", total,
	)

	for _, bet := range refunded {
		e.notify(ctx, bet.UserID, wagerID,
			fmt.Sprintf(`The wager "%s" has been cancelled. Your bet of %d points has been refunded.`, title, bet.Amount))
	}
	return nil
}

// credit adds points to bal, refusing to wrap past the int64 range.
func credit(bal *model.UserBalance, points int64) error {
	if points > math.MaxInt64-bal.Points {
		return fmt.Errorf("%w: crediting %d points to %s overflows", ErrInvalidState, points, bal.UserID)
	}
	bal.Points += points
	return nil
}
