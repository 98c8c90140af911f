package projection

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/wagerboard/wager-engine/internal/model"
	"github.com/wagerboard/wager-engine/internal/odds"
)

// Leaderboard ranks every balance by points, then by the exact winnings the
// user would collect if all of their bets on open wagers won. Bets by users
// without a balance are ignored.
func Leaderboard(balances []model.UserBalance, wagers []model.Wager) []model.LeaderboardEntry {
	potential := make(map[string]decimal.Decimal, len(balances))
	for _, w := range wagers {
		if w.Status != model.StatusOpen {
			continue
		}
		for _, b := range w.Bets {
			opt, ok := w.Option(b.Option)
			if !ok {
				continue
			}
			potential[b.UserID] = potential[b.UserID].Add(odds.Winnings(b.Amount, opt.Odds))
		}
	}

	entries := make([]model.LeaderboardEntry, 0, len(balances))
	for _, b := range balances {
		p := potential[b.UserID]
		entries = append(entries, model.LeaderboardEntry{
			UserID:            b.UserID,
			Points:            b.Points,
			PotentialWinnings: p,
			ProjectedTotal:    decimal.NewFromInt(b.Points).Add(p),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if c := a.PotentialWinnings.Cmp(b.PotentialWinnings); c != 0 {
			return c > 0
		}
		return a.UserID < b.UserID
	})
	return entries
}
