package live

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerboard/wager-engine/internal/ledger"
	"github.com/wagerboard/wager-engine/internal/model"
	"github.com/wagerboard/wager-engine/internal/notify"
	"github.com/wagerboard/wager-engine/internal/store"
)

func next[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := sub.Next(ctx)
	require.NoError(t, err)
	return v
}

func started(t *testing.T, st *store.MemoryStore) *Distributor {
	t.Helper()
	d := NewDistributor(st)
	require.NoError(t, d.Start(context.Background()))
	return d
}

func newWager(t *testing.T, e *ledger.Engine) string {
	t.Helper()
	id, err := e.CreateWager(context.Background(), ledger.NewWager{
		Title:      "Rain?",
		Author:     "Alice",
		AuthorID:   "alice",
		Options:    []model.WagerOption{{Text: "Yes", Odds: 150}, {Text: "No", Odds: -200}},
		CutoffDate: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return id
}

func TestDistributor_InitialSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	e := ledger.New(st, nil)
	_, err := e.OpenAccount(context.Background(), "bob", 100)
	require.NoError(t, err)
	id := newWager(t, e)

	d := started(t, st)
	sub := d.SubscribeWagers()
	defer sub.Unsubscribe()

	snap := next(t, sub)
	require.Len(t, snap.Wagers, 1)
	assert.Equal(t, id, snap.Wagers[0].ID)
	require.Len(t, snap.Balances, 1)
	assert.Equal(t, int64(100), snap.Balances[0].Points)
}

func TestDistributor_PushesEachCommitWhole(t *testing.T) {
	st := store.NewMemoryStore()
	e := ledger.New(st, nil)
	d := started(t, st)

	sub := d.SubscribeWagers()
	defer sub.Unsubscribe()
	assert.Empty(t, next(t, sub).Wagers)

	_, err := e.OpenAccount(context.Background(), "bob", 100)
	require.NoError(t, err)
	id := newWager(t, e)
	require.NoError(t, e.PlaceBet(context.Background(), ledger.PlaceBetRequest{
		WagerID: id, UserID: "bob", Username: "Bob", Option: "Yes", Amount: 40,
	}))

	s1 := next(t, sub)
	assert.Len(t, s1.Balances, 1)
	assert.Empty(t, s1.Wagers)

	s2 := next(t, sub)
	require.Len(t, s2.Wagers, 1)
	assert.Empty(t, s2.Wagers[0].Bets)
	assert.Greater(t, s2.Seq, s1.Seq)

	// The debit and the bet arrive together.
	s3 := next(t, sub)
	require.Len(t, s3.Wagers[0].Bets, 1)
	assert.Equal(t, int64(60), s3.Balances[0].Points)
	assert.Greater(t, s3.Seq, s2.Seq)

	assert.Equal(t, 0, sub.Pending())
}

func TestDistributor_Unsubscribe(t *testing.T) {
	st := store.NewMemoryStore()
	e := ledger.New(st, nil)
	d := started(t, st)

	sub := d.SubscribeWagers()
	next(t, sub)
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, err := e.OpenAccount(context.Background(), "bob", 100)
	require.NoError(t, err)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnsubscribed)
	assert.Equal(t, 0, sub.Pending())

	d.mu.Lock()
	assert.Empty(t, d.wagerSubs)
	d.mu.Unlock()
}

func TestDistributor_UnsubscribeDropsBacklog(t *testing.T) {
	st := store.NewMemoryStore()
	e := ledger.New(st, nil)
	d := started(t, st)

	sub := d.SubscribeWagers()
	for i := 0; i < 3; i++ {
		_, err := e.OpenAccount(context.Background(), fmt.Sprintf("u%d", i), 10)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, sub.Pending())

	sub.Unsubscribe()
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnsubscribed)
}

func TestDistributor_NextHonoursContext(t *testing.T) {
	d := started(t, store.NewMemoryStore())
	sub := d.SubscribeWagers()
	defer sub.Unsubscribe()
	next(t, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDistributor_Notifications(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	emit := notify.NewStoreEmitter(st)
	require.NoError(t, emit.Emit(ctx, "alice", "w1", "old news"))

	d := started(t, st)
	sub, err := d.SubscribeNotifications(ctx, "alice")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := next(t, sub)
	assert.Equal(t, "alice", first.UserID)
	require.Len(t, first.Notifications, 1)
	assert.Equal(t, "old news", first.Notifications[0].Message)

	require.NoError(t, emit.Emit(ctx, "bob", "w1", "not for alice"))
	require.NoError(t, emit.Emit(ctx, "alice", "w1", "fresh"))

	second := next(t, sub)
	require.Len(t, second.Notifications, 2)
	assert.Equal(t, 0, sub.Pending(), "bob's notification is not pushed to alice")

	require.NoError(t, st.MarkNotificationRead(ctx, first.Notifications[0].ID))
	third := next(t, sub)
	for _, n := range third.Notifications {
		if n.ID == first.Notifications[0].ID {
			assert.True(t, n.IsRead)
		}
	}
}

func TestDistributor_ForgetsUnwatchedUsers(t *testing.T) {
	st := store.NewMemoryStore()
	d := started(t, st)

	sub, err := d.SubscribeNotifications(context.Background(), "alice")
	require.NoError(t, err)
	sub.Unsubscribe()

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.NotContains(t, d.notifications, "alice")
	assert.NotContains(t, d.notifSubs, "alice")
}

func TestDistributor_SnapshotsConserveUnderConcurrency(t *testing.T) {
	st := store.NewMemoryStore()
	e := ledger.New(st, nil, ledger.WithRetry(1000, time.Microsecond, time.Millisecond))
	ctx := context.Background()

	const bettors = 10
	for i := 0; i < bettors; i++ {
		_, err := e.OpenAccount(ctx, fmt.Sprintf("u%d", i), 100)
		require.NoError(t, err)
	}
	id := newWager(t, e)

	d := started(t, st)
	sub := d.SubscribeWagers()
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < bettors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, e.PlaceBet(ctx, ledger.PlaceBetRequest{
				WagerID: id, UserID: fmt.Sprintf("u%d", i), Username: "u", Option: "Yes", Amount: 10 + int64(i),
			}))
		}(i)
	}
	wg.Wait()

	var lastSeq uint64
	for sub.Pending() > 0 {
		snap := next(t, sub)
		assert.GreaterOrEqual(t, snap.Seq, lastSeq)
		lastSeq = snap.Seq

		var sum int64
		for _, b := range snap.Balances {
			sum += b.Points
		}
		for _, w := range snap.Wagers {
			sum += w.Staked()
		}
		assert.Equal(t, int64(bettors*100), sum, "snapshot at seq %d is torn", snap.Seq)
	}

	final := d.Wagers()
	require.Len(t, final.Wagers, 1)
	assert.Len(t, final.Wagers[0].Bets, bettors)
}
