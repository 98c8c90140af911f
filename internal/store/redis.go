package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wagerboard/wager-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for single-document reads. Transactions always run against the
// primary. Every cached value carries the document version it was read at,
// and a write only lands if it is newer than what Redis holds, so a slow
// read-through fill can never overwrite a fresher commit. Committed
// documents are written back after every local commit and, through the
// commit feed, after commits made by other processes. Nothing on the write
// path reads through the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	refresh chan Change
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	s := &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		refresh: make(chan Change, 1024),
	}
	primary.OnCommit(s.onCommit)
	return s
}

// Run applies feed-driven refreshes until ctx is done.
func (s *CachedStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.refresh:
			if err := s.storeChange(ctx, c); err != nil && ctx.Err() == nil {
				slog.Warn("cache refresh failed", "seq", c.Seq, "error", err)
			}
		}
	}
}

// onCommit runs on the primary's commit feed and must not block.
func (s *CachedStore) onCommit(c Change) {
	if len(c.Wagers) == 0 && len(c.Balances) == 0 {
		return
	}
	select {
	case s.refresh <- c:
	default:
		slog.Warn("cache refresh queue full, relying on ttl", "seq", c.Seq)
	}
}

// --- Transactions (primary, then write back) ---

func (s *CachedStore) RunInTx(ctx context.Context, fn TxFunc) error {
	var written Change
	err := s.primary.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		written = Change{}
		return fn(ctx, &trackingTx{Tx: tx, written: &written})
	})
	if err != nil {
		return err
	}
	if err := s.storeChange(ctx, written); err != nil {
		slog.Warn("cache write-back failed", "error", err)
	}
	return nil
}

func (s *CachedStore) OnCommit(hook CommitHook) {
	s.primary.OnCommit(hook)
}

// trackingTx records every document written, at the version the commit
// will give it.
type trackingTx struct {
	Tx
	written *Change
}

func (t *trackingTx) PutWager(ctx context.Context, w *model.Wager) error {
	if err := t.Tx.PutWager(ctx, w); err != nil {
		return err
	}
	committed := w.Clone()
	committed.Version++
	t.written.Wagers = append(t.written.Wagers, *committed)
	return nil
}

func (t *trackingTx) PutBalance(ctx context.Context, b *model.UserBalance) error {
	if err := t.Tx.PutBalance(ctx, b); err != nil {
		return err
	}
	committed := *b
	committed.Version++
	t.written.Balances = append(t.written.Balances, committed)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	var w model.Wager
	if s.lookup(ctx, wagerKey(id), &w) {
		return &w, nil
	}

	fresh, err := s.primary.GetWager(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, wagerKey(id), fresh.Version, fresh); err != nil {
		slog.Debug("cache fill failed", "key", wagerKey(id), "error", err)
	}
	return fresh, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	var b model.UserBalance
	if s.lookup(ctx, balanceKey(userID), &b) {
		return &b, nil
	}

	fresh, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, balanceKey(userID), fresh.Version, fresh); err != nil {
		slog.Debug("cache fill failed", "key", balanceKey(userID), "error", err)
	}
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListWagers(ctx context.Context) ([]model.Wager, error) {
	return s.primary.ListWagers(ctx)
}

func (s *CachedStore) ListBalances(ctx context.Context) ([]model.UserBalance, error) {
	return s.primary.ListBalances(ctx)
}

func (s *CachedStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	return s.primary.CreateNotification(ctx, n)
}

func (s *CachedStore) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	return s.primary.ListNotifications(ctx, userID)
}

func (s *CachedStore) MarkNotificationRead(ctx context.Context, id string) error {
	return s.primary.MarkNotificationRead(ctx, id)
}

// --- Cache helpers ---

// storeIfNewer sets KEYS[1] to ARGV[2] unless the cached value already
// carries a version >= ARGV[1]. ARGV[3] is the TTL in milliseconds, 0 for
// none.
var storeIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local v = tonumber(string.match(cur, '^(%d+)|'))
  if v and v >= tonumber(ARGV[1]) then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// store writes v under key as "<version>|<json>" if version is newer than
// the cached one.
func (s *CachedStore) store(ctx context.Context, key string, version int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	value := strconv.FormatInt(version, 10) + "|" + string(data)
	return storeIfNewer.Run(ctx, s.rdb, []string{key},
		version, value, s.ttl.Milliseconds()).Err()
}

func (s *CachedStore) storeChange(ctx context.Context, c Change) error {
	var errs []error
	for i := range c.Wagers {
		w := &c.Wagers[i]
		errs = append(errs, s.store(ctx, wagerKey(w.ID), w.Version, w))
	}
	for i := range c.Balances {
		b := &c.Balances[i]
		errs = append(errs, s.store(ctx, balanceKey(b.UserID), b.Version, b))
	}
	return errors.Join(errs...)
}

// lookup decodes a cached value into v. Anything missing or malformed is a
// miss.
func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	_, body, ok := strings.Cut(data, "|")
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(body), v) == nil
}

func wagerKey(id string) string       { return fmt.Sprintf("wager:%s", id) }
func balanceKey(userID string) string { return fmt.Sprintf("balance:%s", userID) }
