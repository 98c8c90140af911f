// Package projection derives read-side views from committed wager and
// balance state. Nothing here is authoritative; every function is pure and
// safe to re-run on each live snapshot.
package projection

import (
	"fmt"
	"sort"

	"github.com/wagerboard/wager-engine/internal/model"
)

// Activity turns wagers into a feed of creation, bet, settlement and
// cancellation events, newest first.
func Activity(wagers []model.Wager) []model.Activity {
	feed := make([]model.Activity, 0, len(wagers))
	for _, w := range wagers {
		feed = append(feed, model.Activity{
			ID:        w.ID,
			Text:      fmt.Sprintf(`%s created the wager: "%s"`, w.Author, w.Title),
			Timestamp: w.CreatedAt,
			Type:      model.ActivityWagerCreated,
		})

		for _, b := range w.Bets {
			feed = append(feed, model.Activity{
				ID:        w.ID + "-" + b.UserID,
				Text:      fmt.Sprintf(`%s bet on "%s" for the wager "%s"`, b.Username, b.Option, w.Title),
				Timestamp: b.CreatedAt,
				Type:      model.ActivityBetPlaced,
			})
		}

		switch w.Status {
		case model.StatusSettled:
			if w.WinningOption == "" {
				continue
			}
			ts := w.CreatedAt
			if w.SettledAt != nil {
				ts = *w.SettledAt
			}
			feed = append(feed, model.Activity{
				ID:        w.ID + "-settled",
				Text:      fmt.Sprintf(`%s settled the wager "%s". The winner was "%s".`, w.Author, w.Title, w.WinningOption),
				Timestamp: ts,
				Type:      model.ActivityWagerSettled,
			})
		case model.StatusCancelled:
			ts := w.CreatedAt
			if w.CancelledAt != nil {
				ts = *w.CancelledAt
			}
			feed = append(feed, model.Activity{
				ID:        w.ID + "-cancelled",
				Text:      fmt.Sprintf(`The wager "%s" was cancelled.`, w.Title),
				Timestamp: ts,
				Type:      model.ActivityWagerCancelled,
			})
		}
	}

	sort.SliceStable(feed, func(i, j int) bool {
		if !feed[i].Timestamp.Equal(feed[j].Timestamp) {
			return feed[i].Timestamp.After(feed[j].Timestamp)
		}
		return feed[i].ID < feed[j].ID
	})
	return feed
}
