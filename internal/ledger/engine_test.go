package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerboard/wager-engine/internal/model"
	"github.com/wagerboard/wager-engine/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sent struct {
	UserID, WagerID, Message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (n *recordingNotifier) Emit(_ context.Context, userID, wagerID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sent{userID, wagerID, message})
	return nil
}

func (n *recordingNotifier) Sent() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.sent...)
}

type fixture struct {
	engine   *Engine
	store    *store.MemoryStore
	clock    *clock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		clock:    &clock{now: epoch},
		notifier: &recordingNotifier{},
	}
	opts = append([]Option{WithClock(f.clock.Now), WithRetry(8, time.Microsecond, time.Millisecond)}, opts...)
	f.engine = New(f.store, f.notifier, opts...)
	return f
}

func (f *fixture) account(t *testing.T, userID string, points int64) {
	t.Helper()
	_, err := f.engine.OpenAccount(context.Background(), userID, points)
	require.NoError(t, err)
}

func (f *fixture) points(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b.Points
}

func (f *fixture) wager(t *testing.T, id string) *model.Wager {
	t.Helper()
	w, err := f.store.GetWager(context.Background(), id)
	require.NoError(t, err)
	return w
}

// rainWager creates {"Yes": +150, "No": -200} closing in one hour.
func (f *fixture) rainWager(t *testing.T) string {
	t.Helper()
	id, err := f.engine.CreateWager(context.Background(), NewWager{
		Title:    "Will it rain tomorrow?",
		Author:   "Alice",
		AuthorID: "alice",
		Options: []model.WagerOption{
			{Text: "Yes", Odds: 150},
			{Text: "No", Odds: -200},
		},
		CutoffDate: epoch.Add(time.Hour),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) bet(t *testing.T, wagerID, userID, option string, amount int64) error {
	t.Helper()
	return f.engine.PlaceBet(context.Background(), PlaceBetRequest{
		WagerID:  wagerID,
		UserID:   userID,
		Username: "user-" + userID,
		Option:   option,
		Amount:   amount,
	})
}

// --- CreateWager ---

func TestCreateWager(t *testing.T) {
	f := newFixture(t)
	id := f.rainWager(t)

	w := f.wager(t, id)
	assert.Equal(t, "Will it rain tomorrow?", w.Title)
	assert.Equal(t, model.StatusOpen, w.Status)
	assert.Empty(t, w.Bets)
	assert.NotNil(t, w.Bets)
	assert.Nil(t, w.CancelledAt)
	assert.Equal(t, epoch, w.CreatedAt)
	assert.Len(t, w.Options, 2)
}

func TestCreateWager_TrimsInput(t *testing.T) {
	f := newFixture(t)
	id, err := f.engine.CreateWager(context.Background(), NewWager{
		Title:      "  Spaced  ",
		AuthorID:   "alice",
		Options:    []model.WagerOption{{Text: " A ", Odds: 100}, {Text: "B", Odds: -110}},
		CutoffDate: epoch.Add(time.Hour),
	})
	require.NoError(t, err)

	w := f.wager(t, id)
	assert.Equal(t, "Spaced", w.Title)
	assert.Equal(t, "A", w.Options[0].Text)
}

func TestCreateWager_Validation(t *testing.T) {
	valid := func() NewWager {
		return NewWager{
			Title:      "Title",
			AuthorID:   "alice",
			Options:    []model.WagerOption{{Text: "A", Odds: 100}, {Text: "B", Odds: -110}},
			CutoffDate: epoch.Add(time.Hour),
		}
	}
	tests := []struct {
		name   string
		mutate func(*NewWager)
	}{
		{"empty title", func(w *NewWager) { w.Title = "   " }},
		{"no author", func(w *NewWager) { w.AuthorID = "" }},
		{"one option", func(w *NewWager) { w.Options = w.Options[:1] }},
		{"empty option text", func(w *NewWager) { w.Options[1].Text = " " }},
		{"duplicate option", func(w *NewWager) { w.Options[1].Text = "A" }},
		{"duplicate after trim", func(w *NewWager) { w.Options[1].Text = " A" }},
		{"zero odds", func(w *NewWager) { w.Options[0].Odds = 0 }},
		{"missing cutoff", func(w *NewWager) { w.CutoffDate = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := valid()
			tt.mutate(&in)
			_, err := f.engine.CreateWager(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidWager)

			ws, err := f.store.ListWagers(context.Background())
			require.NoError(t, err)
			assert.Empty(t, ws)
		})
	}
}

// --- PlaceBet ---

func TestPlaceBet(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 500)
	id := f.rainWager(t)

	require.NoError(t, f.bet(t, id, "bob", "Yes", 100))

	assert.Equal(t, int64(400), f.points(t, "bob"))
	w := f.wager(t, id)
	require.Len(t, w.Bets, 1)
	assert.Equal(t, model.Bet{
		UserID:    "bob",
		Username:  "user-bob",
		Option:    "Yes",
		Amount:    100,
		CreatedAt: epoch,
	}, w.Bets[0])

	assert.Equal(t, []sent{{
		UserID:  "alice",
		WagerID: id,
		Message: `user-bob placed a bet on your wager: "Will it rain tomorrow?"`,
	}}, f.notifier.Sent())
}

func TestPlaceBet_Rejections(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 50)
	id := f.rainWager(t)

	tests := []struct {
		name    string
		wagerID string
		userID  string
		option  string
		amount  int64
		want    error
	}{
		{"zero amount", id, "bob", "Yes", 0, ErrInvalidAmount},
		{"negative amount", id, "bob", "Yes", -5, ErrInvalidAmount},
		{"missing wager", "nope", "bob", "Yes", 10, ErrNotFound},
		{"missing balance", id, "ghost", "Yes", 10, ErrNotFound},
		{"unknown option", id, "bob", "Maybe", 10, ErrInvalidOption},
		{"over balance", id, "bob", "Yes", 51, ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.bet(t, tt.wagerID, tt.userID, tt.option, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, int64(50), f.points(t, "bob"), "rejected bets leave the balance alone")
	assert.Empty(t, f.wager(t, id).Bets)
	assert.Empty(t, f.notifier.Sent())
}

func TestPlaceBet_WholeBalance(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 50)
	id := f.rainWager(t)

	require.NoError(t, f.bet(t, id, "bob", "No", 50))
	assert.Equal(t, int64(0), f.points(t, "bob"))
}

func TestPlaceBet_DuplicateDebitsOnce(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 500)
	id := f.rainWager(t)

	require.NoError(t, f.bet(t, id, "bob", "Yes", 100))
	err := f.bet(t, id, "bob", "No", 100)
	assert.ErrorIs(t, err, ErrDuplicateBet)

	assert.Equal(t, int64(400), f.points(t, "bob"))
	assert.Len(t, f.wager(t, id).Bets, 1)
}

func TestPlaceBet_AfterCutoff(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 500)
	id := f.rainWager(t)

	f.clock.Set(epoch.Add(time.Hour))
	err := f.bet(t, id, "bob", "Yes", 100)
	assert.ErrorIs(t, err, ErrBettingClosed, "betting closes at the cutoff instant")

	assert.Equal(t, model.StatusOpen, f.wager(t, id).Status)
	assert.Equal(t, int64(500), f.points(t, "bob"))
}

func TestPlaceBet_ClosedWager(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 500)
	id := f.rainWager(t)
	require.NoError(t, f.engine.CancelWager(context.Background(), id))

	err := f.bet(t, id, "bob", "Yes", 100)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(500), f.points(t, "bob"))
}

// --- SettleWager ---

func TestSettleWager_UnderdogWins(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 100)
	f.account(t, "carol", 100)
	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "bob", "Yes", 100))
	require.NoError(t, f.bet(t, id, "carol", "No", 100))

	s, err := f.engine.SettleWager(context.Background(), id, "Yes")
	require.NoError(t, err)

	assert.Equal(t, int64(250), f.points(t, "bob"), "100 stake + 150 winnings")
	assert.Equal(t, int64(0), f.points(t, "carol"), "losers get nothing back")
	assert.Equal(t, []model.Payout{{UserID: "bob", Stake: 100, Winnings: 150, TotalReturn: 250}}, s.Payouts)

	w := f.wager(t, id)
	assert.Equal(t, model.StatusSettled, w.Status)
	assert.Equal(t, "Yes", w.WinningOption)
	require.NotNil(t, w.SettledAt)
	assert.Equal(t, epoch, *w.SettledAt)
}

func TestSettleWager_FavoriteWins(t *testing.T) {
	f := newFixture(t)
	f.account(t, "carol", 100)
	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "carol", "No", 100))

	s, err := f.engine.SettleWager(context.Background(), id, "No")
	require.NoError(t, err)

	assert.Equal(t, int64(150), f.points(t, "carol"), "100 stake + 50 winnings")
	assert.Equal(t, int64(150), s.Payouts[0].TotalReturn)
}

func TestSettleWager_Twice(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 100)
	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "bob", "Yes", 100))

	_, err := f.engine.SettleWager(context.Background(), id, "Yes")
	require.NoError(t, err)
	_, err = f.engine.SettleWager(context.Background(), id, "Yes")
	assert.ErrorIs(t, err, ErrAlreadySettled)
	_, err = f.engine.SettleWager(context.Background(), id, "No")
	assert.ErrorIs(t, err, ErrAlreadySettled)

	assert.Equal(t, int64(250), f.points(t, "bob"))
	assert.Equal(t, "Yes", f.wager(t, id).WinningOption)
}

func TestSettleWager_Rejections(t *testing.T) {
	f := newFixture(t)
	id := f.rainWager(t)

	_, err := f.engine.SettleWager(context.Background(), "nope", "Yes")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.SettleWager(context.Background(), id, "Maybe")
	assert.ErrorIs(t, err, ErrInvalidOption)
	assert.Equal(t, model.StatusOpen, f.wager(t, id).Status)

	require.NoError(t, f.engine.CancelWager(context.Background(), id))
	_, err = f.engine.SettleWager(context.Background(), id, "Yes")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSettleWager_NoWinners(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 100)
	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "bob", "Yes", 100))

	s, err := f.engine.SettleWager(context.Background(), id, "No")
	require.NoError(t, err)
	assert.Empty(t, s.Payouts)
	assert.Equal(t, int64(0), f.points(t, "bob"))
}

// --- CancelWager ---

func TestCancelWager_Refunds(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 300)
	f.account(t, "carol", 200)
	f.account(t, "dave", 75)
	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "bob", "Yes", 120))
	require.NoError(t, f.bet(t, id, "carol", "No", 200))

	f.clock.Set(epoch.Add(time.Minute))
	require.NoError(t, f.engine.CancelWager(context.Background(), id))

	assert.Equal(t, int64(300), f.points(t, "bob"))
	assert.Equal(t, int64(200), f.points(t, "carol"))
	assert.Equal(t, int64(75), f.points(t, "dave"), "non-bettors are untouched")

	w := f.wager(t, id)
	assert.Equal(t, model.StatusCancelled, w.Status)
	require.NotNil(t, w.CancelledAt)
	assert.Equal(t, epoch.Add(time.Minute), *w.CancelledAt)
	assert.Len(t, w.Bets, 2, "bets are kept for the record")

	msgs := f.notifier.Sent()[2:]
	assert.ElementsMatch(t, []sent{
		{"bob", id, `The wager "Will it rain tomorrow?" has been cancelled. Your bet of 120 points has been refunded.`},
		{"carol", id, `The wager "Will it rain tomorrow?" has been cancelled. Your bet of 200 points has been refunded.`},
	}, msgs)
}

func TestCancelWager_Rejections(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.engine.CancelWager(context.Background(), "nope"), ErrNotFound)

	id := f.rainWager(t)
	require.NoError(t, f.engine.CancelWager(context.Background(), id))
	assert.ErrorIs(t, f.engine.CancelWager(context.Background(), id), ErrInvalidState)

	settled := f.rainWager(t)
	_, err := f.engine.SettleWager(context.Background(), settled, "Yes")
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.CancelWager(context.Background(), settled), ErrInvalidState)
}

// orphanBetWager stores an open wager holding a bet from a user who has no
// balance, next to a regular bet from bob.
func (f *fixture) orphanBetWager(t *testing.T) string {
	t.Helper()
	f.account(t, "bob", 100)
	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "bob", "Yes", 100))

	err := f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWager(ctx, id)
		if err != nil {
			return err
		}
		w.Bets = append(w.Bets, model.Bet{UserID: "ghost", Option: "Yes", Amount: 40, CreatedAt: epoch})
		return tx.PutWager(ctx, w)
	})
	require.NoError(t, err)
	return id
}

func TestSettleWager_MissingWinnerBalanceAborts(t *testing.T) {
	f := newFixture(t)
	id := f.orphanBetWager(t)

	_, err := f.engine.SettleWager(context.Background(), id, "Yes")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int64(0), f.points(t, "bob"), "no winner is paid")
	assert.Equal(t, model.StatusOpen, f.wager(t, id).Status)
	_, err = f.store.GetBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound, "no balance is created")
}

func TestCancelWager_MissingBettorBalanceAborts(t *testing.T) {
	f := newFixture(t)
	id := f.orphanBetWager(t)

	assert.ErrorIs(t, f.engine.CancelWager(context.Background(), id), ErrNotFound)
	assert.Equal(t, int64(0), f.points(t, "bob"), "no bettor is refunded")
	assert.Equal(t, model.StatusOpen, f.wager(t, id).Status)
}

func TestCreateWager_RejectsOddsOutOfRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateWager(context.Background(), NewWager{
		Title:    "Moon landing by Friday?",
		AuthorID: "alice",
		Options: []model.WagerOption{
			{Text: "Yes", Odds: 100001},
			{Text: "No", Odds: -110},
		},
		CutoffDate: epoch.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidWager)
}

func TestSettleWager_CreditOverflowAborts(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", math.MaxInt64-50)
	f.account(t, "carol", 100)
	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "carol", "Yes", 100))
	require.NoError(t, f.bet(t, id, "bob", "Yes", 100))

	_, err := f.engine.SettleWager(context.Background(), id, "Yes")
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, int64(math.MaxInt64-150), f.points(t, "bob"))
	assert.Equal(t, int64(0), f.points(t, "carol"), "carol's credit rolled back with bob's")
	assert.Equal(t, model.StatusOpen, f.wager(t, id).Status)
}

func TestCancelWager_RefundOverflowAborts(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 100)
	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "bob", "No", 100))

	err := f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBalance(ctx, "bob")
		if err != nil {
			return err
		}
		b.Points = math.MaxInt64
		return tx.PutBalance(ctx, b)
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.CancelWager(context.Background(), id), ErrInvalidState)
	assert.Equal(t, int64(math.MaxInt64), f.points(t, "bob"))
	assert.Equal(t, model.StatusOpen, f.wager(t, id).Status)
}

// --- Conservation and concurrency ---

// total sums every balance plus the stakes still held by open wagers.
func total(t *testing.T, st *store.MemoryStore) int64 {
	t.Helper()
	ctx := context.Background()
	var sum int64
	bs, err := st.ListBalances(ctx)
	require.NoError(t, err)
	for _, b := range bs {
		sum += b.Points
	}
	ws, err := st.ListWagers(ctx)
	require.NoError(t, err)
	for _, w := range ws {
		if w.Status == model.StatusOpen {
			sum += w.Staked()
		}
	}
	return sum
}

func TestConservation(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"bob", "carol", "dave"} {
		f.account(t, u, 1000)
	}
	const start = 3000

	cancelled := f.rainWager(t)
	settled := f.rainWager(t)

	require.NoError(t, f.bet(t, cancelled, "bob", "Yes", 300))
	assert.Equal(t, int64(start), total(t, f.store))
	require.NoError(t, f.bet(t, cancelled, "carol", "No", 10))
	require.NoError(t, f.bet(t, settled, "bob", "Yes", 100))
	require.NoError(t, f.bet(t, settled, "dave", "No", 400))
	assert.Equal(t, int64(start), total(t, f.store))

	require.NoError(t, f.engine.CancelWager(context.Background(), cancelled))
	assert.Equal(t, int64(start), total(t, f.store))

	s, err := f.engine.SettleWager(context.Background(), settled, "Yes")
	require.NoError(t, err)
	// Settlement adds exactly the winnings and removes the losing stakes.
	var winnings int64
	for _, p := range s.Payouts {
		winnings += p.Winnings
	}
	assert.Equal(t, int64(start)+winnings-400, total(t, f.store))
}

func TestConcurrentBetsAllLand(t *testing.T) {
	f := newFixture(t, WithRetry(1000, time.Microsecond, time.Millisecond))
	id := f.rainWager(t)

	const bettors = 25
	for i := 0; i < bettors; i++ {
		f.account(t, fmt.Sprintf("u%d", i), 100)
	}

	var wg sync.WaitGroup
	errs := make(chan error, bettors)
	for i := 0; i < bettors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			option := "Yes"
			if i%2 == 1 {
				option = "No"
			}
			errs <- f.engine.PlaceBet(context.Background(), PlaceBetRequest{
				WagerID: id, UserID: fmt.Sprintf("u%d", i), Username: "u", Option: option, Amount: 10,
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	w := f.wager(t, id)
	assert.Len(t, w.Bets, bettors)
	for i := 0; i < bettors; i++ {
		assert.Equal(t, int64(90), f.points(t, fmt.Sprintf("u%d", i)))
	}
}

func TestConcurrentDuplicateBetsDebitOnce(t *testing.T) {
	f := newFixture(t, WithRetry(1000, time.Microsecond, time.Millisecond))
	f.account(t, "bob", 1000)
	id := f.rainWager(t)

	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.bet(t, id, "bob", "Yes", 100)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrDuplicateBet):
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), dup.Load())
	assert.Equal(t, int64(900), f.points(t, "bob"))
}

func TestSettleAndCancelRace(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, WithRetry(1000, time.Microsecond, time.Millisecond))
		f.account(t, "bob", 100)
		id := f.rainWager(t)
		require.NoError(t, f.bet(t, id, "bob", "Yes", 100))

		var settleErr, cancelErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, settleErr = f.engine.SettleWager(context.Background(), id, "Yes")
		}()
		go func() {
			defer wg.Done()
			cancelErr = f.engine.CancelWager(context.Background(), id)
		}()
		wg.Wait()

		w := f.wager(t, id)
		switch w.Status {
		case model.StatusSettled:
			require.NoError(t, settleErr)
			assert.ErrorIs(t, cancelErr, ErrInvalidState)
			assert.Equal(t, int64(250), f.points(t, "bob"))
		case model.StatusCancelled:
			require.NoError(t, cancelErr)
			assert.ErrorIs(t, settleErr, ErrInvalidState)
			assert.Equal(t, int64(100), f.points(t, "bob"))
		default:
			t.Fatalf("wager left %s", w.Status)
		}
	}
}

// --- Retry ---

// flakyStore fails the first n transactions with a write conflict.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
	attempts atomic.Int32
}

func (s *flakyStore) RunInTx(ctx context.Context, fn store.TxFunc) error {
	s.attempts.Add(1)
	if s.failures.Add(-1) >= 0 {
		return store.ErrConflict
	}
	return s.MemoryStore.RunInTx(ctx, fn)
}

func TestRetry_RecoversFromConflicts(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	e := New(st, nil, WithRetry(5, time.Microsecond, time.Millisecond))

	st.failures.Store(4)
	_, err := e.OpenAccount(context.Background(), "bob", 10)
	require.NoError(t, err)
	assert.Equal(t, int32(5), st.attempts.Load())
}

func TestRetry_Exhausted(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	e := New(st, nil, WithRetry(3, time.Microsecond, time.Millisecond))

	st.failures.Store(1 << 20)
	_, err := e.OpenAccount(context.Background(), "bob", 10)
	assert.ErrorIs(t, err, ErrTransientConflict)
	assert.Equal(t, int32(3), st.attempts.Load())

	_, err = st.GetBalance(context.Background(), "bob")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing committed")
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	e := New(st, nil, WithRetry(100, time.Hour, time.Hour))
	st.failures.Store(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.OpenAccount(ctx, "bob", 10)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Notifications ---

func TestNotificationFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	f.account(t, "bob", 100)
	id := f.rainWager(t)

	require.NoError(t, f.bet(t, id, "bob", "Yes", 40))
	require.NoError(t, f.engine.CancelWager(context.Background(), id))
	assert.Equal(t, int64(100), f.points(t, "bob"))
}

// --- OpenAccount ---

func TestOpenAccount_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.engine.OpenAccount(ctx, "bob", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Points)
	assert.Equal(t, int64(1), b.Version)

	id := f.rainWager(t)
	require.NoError(t, f.bet(t, id, "bob", "Yes", 100))

	b, err = f.engine.OpenAccount(ctx, "bob", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(900), b.Points, "existing balance is returned untouched")
}

func TestOpenAccount_Rejections(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.OpenAccount(context.Background(), " ", 10)
	assert.ErrorIs(t, err, ErrInvalidAccount)
	_, err = f.engine.OpenAccount(context.Background(), "bob", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
