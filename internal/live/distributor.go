// Package live fans committed store state out to subscribed readers.
//
// The Distributor keeps a materialised view of every wager and balance, plus
// the notifications of users someone is watching, fed by the store's commit
// feed. Each commit is applied whole and then pushed to subscribers as a
// full snapshot, so readers only ever see committed states, in commit order.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wagerboard/wager-engine/internal/metrics"
	"github.com/wagerboard/wager-engine/internal/model"
	"github.com/wagerboard/wager-engine/internal/store"
)

// Source is the read side of the store plus its commit feed.
type Source interface {
	OnCommit(hook store.CommitHook)
	ListWagers(ctx context.Context) ([]model.Wager, error)
	ListBalances(ctx context.Context) ([]model.UserBalance, error)
	ListNotifications(ctx context.Context, userID string) ([]model.Notification, error)
}

// WagersSnapshot is the "all wagers" query result as of commit Seq.
type WagersSnapshot struct {
	Seq      uint64              `json:"seq"`
	Wagers   []model.Wager       `json:"wagers"`
	Balances []model.UserBalance `json:"balances"`
}

// NotificationsSnapshot is one user's notifications as of commit Seq.
type NotificationsSnapshot struct {
	Seq           uint64               `json:"seq"`
	UserID        string               `json:"userId"`
	Notifications []model.Notification `json:"notifications"`
}

// Distributor maintains the live view. Create with NewDistributor and call
// Start before subscribing.
type Distributor struct {
	src Source

	startOnce sync.Once
	startErr  error

	mu       sync.Mutex
	seq      uint64
	wagers   map[string]model.Wager
	balances map[string]model.UserBalance

	// notifications holds the view for watched users only.
	notifications map[string]map[string]model.Notification
	loading       map[string]int

	wagerSubs map[*Subscription[WagersSnapshot]]struct{}
	notifSubs map[string]map[*Subscription[NotificationsSnapshot]]struct{}
}

// NewDistributor creates a distributor over src.
func NewDistributor(src Source) *Distributor {
	return &Distributor{
		src:           src,
		wagers:        make(map[string]model.Wager),
		balances:      make(map[string]model.UserBalance),
		notifications: make(map[string]map[string]model.Notification),
		loading:       make(map[string]int),
		wagerSubs:     make(map[*Subscription[WagersSnapshot]]struct{}),
		notifSubs:     make(map[string]map[*Subscription[NotificationsSnapshot]]struct{}),
	}
}

// Start joins the commit feed and loads the initial view. The hook is
// registered first so no commit falls between the load and the feed;
// documents seen twice are reconciled by version.
func (d *Distributor) Start(ctx context.Context) error {
	d.startOnce.Do(func() {
		d.src.OnCommit(d.apply)

		wagers, err := d.src.ListWagers(ctx)
		if err != nil {
			d.startErr = fmt.Errorf("load wagers: %w", err)
			return
		}
		balances, err := d.src.ListBalances(ctx)
		if err != nil {
			d.startErr = fmt.Errorf("load balances: %w", err)
			return
		}

		d.mu.Lock()
		for _, w := range wagers {
			d.mergeWagerLocked(w)
		}
		for _, b := range balances {
			d.mergeBalanceLocked(b)
		}
		d.mu.Unlock()

		slog.Info("live view loaded", "wagers", len(wagers), "balances", len(balances))
	})
	return d.startErr
}

// SubscribeWagers opens an "all wagers" subscription. The first snapshot is
// the current view.
func (d *Distributor) SubscribeWagers() *Subscription[WagersSnapshot] {
	var sub *Subscription[WagersSnapshot]
	sub = newSubscription[WagersSnapshot](func() {
		d.mu.Lock()
		delete(d.wagerSubs, sub)
		d.mu.Unlock()
		metrics.LiveSubscribers.WithLabelValues("wagers").Dec()
	})

	d.mu.Lock()
	sub.push(d.wagersSnapshotLocked())
	d.wagerSubs[sub] = struct{}{}
	d.mu.Unlock()

	metrics.LiveSubscribers.WithLabelValues("wagers").Inc()
	return sub
}

// SubscribeNotifications opens a subscription to one user's notifications.
func (d *Distributor) SubscribeNotifications(ctx context.Context, userID string) (*Subscription[NotificationsSnapshot], error) {
	// Mark the user as watched before reading so notifications committed
	// during the read are captured by the feed.
	d.mu.Lock()
	d.loading[userID]++
	if d.notifications[userID] == nil {
		d.notifications[userID] = make(map[string]model.Notification)
	}
	d.mu.Unlock()

	ns, err := d.src.ListNotifications(ctx, userID)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.loading[userID]--
	if err != nil {
		d.forgetUserLocked(userID)
		return nil, fmt.Errorf("load notifications for %s: %w", userID, err)
	}
	for _, n := range ns {
		d.mergeNotificationLocked(n)
	}

	var sub *Subscription[NotificationsSnapshot]
	sub = newSubscription[NotificationsSnapshot](func() {
		d.mu.Lock()
		delete(d.notifSubs[userID], sub)
		d.forgetUserLocked(userID)
		d.mu.Unlock()
		metrics.LiveSubscribers.WithLabelValues("notifications").Dec()
	})
	sub.push(d.notificationsSnapshotLocked(userID))
	if d.notifSubs[userID] == nil {
		d.notifSubs[userID] = make(map[*Subscription[NotificationsSnapshot]]struct{})
	}
	d.notifSubs[userID][sub] = struct{}{}

	metrics.LiveSubscribers.WithLabelValues("notifications").Inc()
	return sub, nil
}

// Wagers returns the current view without subscribing.
func (d *Distributor) Wagers() WagersSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wagersSnapshotLocked()
}

// apply is the commit hook. It runs in commit order and must not block.
func (d *Distributor) apply(c store.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.Seq > d.seq {
		d.seq = c.Seq
	}

	changedWagers := false
	for _, w := range c.Wagers {
		changedWagers = d.mergeWagerLocked(w) || changedWagers
	}
	for _, b := range c.Balances {
		changedWagers = d.mergeBalanceLocked(b) || changedWagers
	}
	if changedWagers && len(d.wagerSubs) > 0 {
		snap := d.wagersSnapshotLocked()
		for sub := range d.wagerSubs {
			sub.push(snap)
		}
	}

	changedUsers := make(map[string]bool)
	for _, n := range c.Notifications {
		if d.notifications[n.UserID] == nil {
			continue
		}
		if d.mergeNotificationLocked(n) {
			changedUsers[n.UserID] = true
		}
	}
	for userID := range changedUsers {
		subs := d.notifSubs[userID]
		if len(subs) == 0 {
			continue
		}
		snap := d.notificationsSnapshotLocked(userID)
		for sub := range subs {
			sub.push(snap)
		}
	}
}

func (d *Distributor) mergeWagerLocked(w model.Wager) bool {
	if cur, ok := d.wagers[w.ID]; ok && cur.Version >= w.Version {
		return false
	}
	d.wagers[w.ID] = *w.Clone()
	return true
}

func (d *Distributor) mergeBalanceLocked(b model.UserBalance) bool {
	if cur, ok := d.balances[b.UserID]; ok && cur.Version >= b.Version {
		return false
	}
	d.balances[b.UserID] = b
	return true
}

// mergeNotificationLocked adds n to a watched user's view. The read flag only
// ever moves from false to true.
func (d *Distributor) mergeNotificationLocked(n model.Notification) bool {
	view := d.notifications[n.UserID]
	cur, ok := view[n.ID]
	if ok && (cur.IsRead || !n.IsRead) {
		return false
	}
	view[n.ID] = n
	return true
}

// forgetUserLocked drops a user's notifications once nobody watches them.
func (d *Distributor) forgetUserLocked(userID string) {
	if len(d.notifSubs[userID]) > 0 || d.loading[userID] > 0 {
		return
	}
	delete(d.notifSubs, userID)
	delete(d.notifications, userID)
	delete(d.loading, userID)
}

func (d *Distributor) wagersSnapshotLocked() WagersSnapshot {
	snap := WagersSnapshot{
		Seq:      d.seq,
		Wagers:   make([]model.Wager, 0, len(d.wagers)),
		Balances: make([]model.UserBalance, 0, len(d.balances)),
	}
	for _, w := range d.wagers {
		snap.Wagers = append(snap.Wagers, *w.Clone())
	}
	for _, b := range d.balances {
		snap.Balances = append(snap.Balances, b)
	}
	store.SortWagers(snap.Wagers)
	store.SortBalances(snap.Balances)
	return snap
}

func (d *Distributor) notificationsSnapshotLocked(userID string) NotificationsSnapshot {
	view := d.notifications[userID]
	snap := NotificationsSnapshot{
		Seq:           d.seq,
		UserID:        userID,
		Notifications: make([]model.Notification, 0, len(view)),
	}
	for _, n := range view {
		snap.Notifications = append(snap.Notifications, n)
	}
	store.SortNotifications(snap.Notifications)
	return snap
}
