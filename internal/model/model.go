// Package model defines the core domain types shared across the wager engine.
// Points are whole integers; only read-side projections carry fractional
// values, and those use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WagerStatus is the lifecycle state of a wager. Settled and cancelled are
// terminal.
type WagerStatus string

const (
	StatusOpen      WagerStatus = "open"
	StatusSettled   WagerStatus = "settled"
	StatusCancelled WagerStatus = "cancelled"
)

// UserBalance is one user's spendable points. Mutated only inside a ledger
// transaction.
type UserBalance struct {
	UserID  string `json:"userId" db:"user_id"`
	Points  int64  `json:"points" db:"points"`
	Version int64  `json:"version" db:"version"`
}

// WagerOption is one mutually exclusive outcome with fixed American odds.
type WagerOption struct {
	Text string `json:"text"`
	Odds int    `json:"odds"`
}

// Bet is a single user's stake on one option. Username is a display copy
// taken when the bet was placed and is never re-resolved.
type Bet struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Option    string    `json:"option"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wager is a proposition document: its definition, bet list and status.
type Wager struct {
	ID            string        `json:"id" db:"id"`
	Title         string        `json:"title" db:"title"`
	Author        string        `json:"author" db:"author"`
	AuthorID      string        `json:"authorId" db:"author_id"`
	Options       []WagerOption `json:"options" db:"options"`
	CutoffDate    time.Time     `json:"cutoffDate" db:"cutoff_date"`
	Status        WagerStatus   `json:"status" db:"status"`
	Bets          []Bet         `json:"bets" db:"bets"`
	WinningOption string        `json:"winningOption,omitempty" db:"winning_option"`
	CancelledAt   *time.Time    `json:"cancelledAt" db:"cancelled_at"`
	SettledAt     *time.Time    `json:"settledAt,omitempty" db:"settled_at"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
	Version       int64         `json:"version" db:"version"`
}

// Option looks up an option by its text.
func (w *Wager) Option(text string) (WagerOption, bool) {
	for _, o := range w.Options {
		if o.Text == text {
			return o, true
		}
	}
	return WagerOption{}, false
}

// BetBy returns the bet placed by userID, if any.
func (w *Wager) BetBy(userID string) (Bet, bool) {
	for _, b := range w.Bets {
		if b.UserID == userID {
			return b, true
		}
	}
	return Bet{}, false
}

// Staked is the total of all bet amounts currently held by the wager.
func (w *Wager) Staked() int64 {
	var total int64
	for _, b := range w.Bets {
		total += b.Amount
	}
	return total
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (w *Wager) Clone() *Wager {
	c := *w
	c.Options = append([]WagerOption(nil), w.Options...)
	c.Bets = append([]Bet(nil), w.Bets...)
	if w.CancelledAt != nil {
		t := *w.CancelledAt
		c.CancelledAt = &t
	}
	if w.SettledAt != nil {
		t := *w.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// Notification is a message addressed to one user about one wager.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	WagerID   string    `json:"wagerId" db:"wager_id"`
	Message   string    `json:"message" db:"message"`
	IsRead    bool      `json:"isRead" db:"is_read"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ActivityType classifies an activity feed entry.
type ActivityType string

const (
	ActivityWagerCreated   ActivityType = "wager_created"
	ActivityBetPlaced      ActivityType = "bet_placed"
	ActivityWagerSettled   ActivityType = "wager_settled"
	ActivityWagerCancelled ActivityType = "wager_cancelled"
)

// Activity is one human-readable line of the activity feed.
type Activity struct {
	ID        string       `json:"id"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
	Type      ActivityType `json:"type"`
}

// LeaderboardEntry ranks a user by points, with the non-authoritative
// winnings they would collect if every open bet won.
type LeaderboardEntry struct {
	UserID            string          `json:"userId"`
	Points            int64           `json:"points"`
	PotentialWinnings decimal.Decimal `json:"potentialWinnings"`
	ProjectedTotal    decimal.Decimal `json:"projectedTotal"` // points + potential
}

// Payout records what one winning bettor received at settlement.
type Payout struct {
	UserID      string `json:"userId"`
	Stake       int64  `json:"stake"`
	Winnings    int64  `json:"winnings"`
	TotalReturn int64  `json:"totalReturn"`
}

// Settlement summarises a committed SettleWager.
type Settlement struct {
	WagerID       string   `json:"wagerId"`
	WinningOption string   `json:"winningOption"`
	Payouts       []Payout `json:"payouts"`
}
