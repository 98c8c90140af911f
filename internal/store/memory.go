package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wagerboard/wager-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Every document carries a
// version; transactions record the versions they read and the commit is
// rejected if any of them moved. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	wagers        map[string]*model.Wager
	balances      map[string]*model.UserBalance
	notifications []model.Notification
	seq           uint64
	hooks         []CommitHook
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wagers:   make(map[string]*model.Wager),
		balances: make(map[string]*model.UserBalance),
	}
}

// --- Transactions ---

func (s *MemoryStore) RunInTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:             s,
		wagerReads:    make(map[string]int64),
		balanceReads:  make(map[string]int64),
		wagerWrites:   make(map[string]*model.Wager),
		balanceWrites: make(map[string]*model.UserBalance),
	}

	if err := fn(ctx, tx); err != nil {
		// A business error decided on stale reads is a lost race, not an
		// answer: report it as a conflict so the caller re-runs on fresh state.
		s.mu.RLock()
		stale := !tx.readsCurrentLocked()
		s.mu.RUnlock()
		if stale {
			return ErrConflict
		}
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) OnCommit(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// publishLocked hands a change to every hook. Caller holds s.mu for writing,
// which is what makes hook order equal commit order.
func (s *MemoryStore) publishLocked(c Change) {
	s.seq++
	c.Seq = s.seq
	for _, h := range s.hooks {
		h(c)
	}
}

// memTx buffers writes and remembers every version it observed.
// A version of 0 records that the document was absent.
type memTx struct {
	s *MemoryStore

	wagerReads   map[string]int64
	balanceReads map[string]int64

	wagerWrites   map[string]*model.Wager
	wagerOrder    []string
	balanceWrites map[string]*model.UserBalance
	balanceOrder  []string
}

func (tx *memTx) GetWager(_ context.Context, id string) (*model.Wager, error) {
	if w, ok := tx.wagerWrites[id]; ok {
		return w.Clone(), nil
	}

	tx.s.mu.RLock()
	cur := tx.s.wagers[id]
	var version int64
	var copy *model.Wager
	if cur != nil {
		version = cur.Version
		copy = cur.Clone()
	}
	tx.s.mu.RUnlock()

	if prev, seen := tx.wagerReads[id]; seen && prev != version {
		return nil, ErrConflict
	}
	tx.wagerReads[id] = version
	if copy == nil {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	return copy, nil
}

func (tx *memTx) PutWager(_ context.Context, w *model.Wager) error {
	if w.ID == "" {
		return fmt.Errorf("put wager: empty id")
	}
	if _, ok := tx.wagerWrites[w.ID]; !ok {
		tx.wagerOrder = append(tx.wagerOrder, w.ID)
	}
	tx.wagerWrites[w.ID] = w.Clone()
	return nil
}

func (tx *memTx) GetBalance(_ context.Context, userID string) (*model.UserBalance, error) {
	if b, ok := tx.balanceWrites[userID]; ok {
		copy := *b
		return &copy, nil
	}

	tx.s.mu.RLock()
	cur := tx.s.balances[userID]
	var version int64
	var copy model.UserBalance
	if cur != nil {
		version = cur.Version
		copy = *cur
	}
	tx.s.mu.RUnlock()

	if prev, seen := tx.balanceReads[userID]; seen && prev != version {
		return nil, ErrConflict
	}
	tx.balanceReads[userID] = version
	if cur == nil {
		return nil, fmt.Errorf("balance %s: %w", userID, ErrNotFound)
	}
	return &copy, nil
}

func (tx *memTx) PutBalance(_ context.Context, b *model.UserBalance) error {
	if b.UserID == "" {
		return fmt.Errorf("put balance: empty user id")
	}
	if b.Points < 0 {
		return fmt.Errorf("put balance %s: negative points %d", b.UserID, b.Points)
	}
	if _, ok := tx.balanceWrites[b.UserID]; !ok {
		tx.balanceOrder = append(tx.balanceOrder, b.UserID)
	}
	copy := *b
	tx.balanceWrites[b.UserID] = &copy
	return nil
}

// readsCurrentLocked reports whether every version this transaction read is
// still the committed one. Caller holds s.mu.
func (tx *memTx) readsCurrentLocked() bool {
	for id, v := range tx.wagerReads {
		if versionOfWager(tx.s.wagers[id]) != v {
			return false
		}
	}
	for id, v := range tx.balanceReads {
		if versionOfBalance(tx.s.balances[id]) != v {
			return false
		}
	}
	return true
}

func (tx *memTx) commit() error {
	if len(tx.wagerWrites) == 0 && len(tx.balanceWrites) == 0 {
		return nil
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if !tx.readsCurrentLocked() {
		return ErrConflict
	}
	// Blind writes must still match the version they claim to replace.
	for _, id := range tx.wagerOrder {
		if versionOfWager(s.wagers[id]) != tx.wagerWrites[id].Version {
			return ErrConflict
		}
	}
	for _, id := range tx.balanceOrder {
		if versionOfBalance(s.balances[id]) != tx.balanceWrites[id].Version {
			return ErrConflict
		}
	}

	var change Change
	for _, id := range tx.wagerOrder {
		w := tx.wagerWrites[id]
		w.Version++
		s.wagers[id] = w
		change.Wagers = append(change.Wagers, *w.Clone())
	}
	for _, id := range tx.balanceOrder {
		b := tx.balanceWrites[id]
		b.Version++
		s.balances[id] = b
		change.Balances = append(change.Balances, *b)
	}
	s.publishLocked(change)
	return nil
}

func versionOfWager(w *model.Wager) int64 {
	if w == nil {
		return 0
	}
	return w.Version
}

func versionOfBalance(b *model.UserBalance) int64 {
	if b == nil {
		return 0
	}
	return b.Version
}

// --- Wager reads ---

func (s *MemoryStore) GetWager(_ context.Context, id string) (*model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wagers[id]
	if !ok {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

func (s *MemoryStore) ListWagers(_ context.Context) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wagers := make([]model.Wager, 0, len(s.wagers))
	for _, w := range s.wagers {
		wagers = append(wagers, *w.Clone())
	}
	SortWagers(wagers)
	return wagers, nil
}

// --- Balance reads ---

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.UserBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return nil, fmt.Errorf("balance %s: %w", userID, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListBalances(_ context.Context) ([]model.UserBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make([]model.UserBalance, 0, len(s.balances))
	for _, b := range s.balances {
		balances = append(balances, *b)
	}
	SortBalances(balances)
	return balances, nil
}

// --- Notifications ---

func (s *MemoryStore) CreateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notifications = append(s.notifications, *n)
	s.publishLocked(Change{Notifications: []model.Notification{*n}})
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			result = append(result, n)
		}
	}
	SortNotifications(result)
	return result, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID != id {
			continue
		}
		if !s.notifications[i].IsRead {
			s.notifications[i].IsRead = true
			s.publishLocked(Change{Notifications: []model.Notification{s.notifications[i]}})
		}
		return nil
	}
	return fmt.Errorf("notification %s: %w", id, ErrNotFound)
}

// --- Ordering shared by every implementation ---

// SortWagers orders wagers newest first, breaking ties by ID.
func SortWagers(ws []model.Wager) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.After(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}

// SortBalances orders balances by points descending, then user ID.
func SortBalances(bs []model.UserBalance) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Points != bs[j].Points {
			return bs[i].Points > bs[j].Points
		}
		return bs[i].UserID < bs[j].UserID
	})
}

// SortNotifications orders notifications newest first, breaking ties by ID.
func SortNotifications(ns []model.Notification) {
	sort.Slice(ns, func(i, j int) bool {
		if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].CreatedAt.After(ns[j].CreatedAt)
		}
		return ns[i].ID < ns[j].ID
	})
}
