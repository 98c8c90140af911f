package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagerboard/wager-engine/internal/model"
)

// ChangeChannel is the LISTEN/NOTIFY channel every write transaction
// signals on. PostgreSQL delivers notifications in commit order.
const ChangeChannel = "wager_changes"

// maxNotifyPayload stays under PostgreSQL's 8000 byte NOTIFY limit.
const maxNotifyPayload = 7800

const schema = `
CREATE TABLE IF NOT EXISTS wagers (
    id             TEXT PRIMARY KEY,
    title          TEXT        NOT NULL,
    author         TEXT        NOT NULL,
    author_id      TEXT        NOT NULL,
    options        JSONB       NOT NULL,
    bets           JSONB       NOT NULL DEFAULT '[]',
    cutoff_date    TIMESTAMPTZ NOT NULL,
    status         TEXT        NOT NULL CHECK (status IN ('open', 'settled', 'cancelled')),
    winning_option TEXT,
    cancelled_at   TIMESTAMPTZ,
    settled_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL,
    version        BIGINT      NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    user_id TEXT PRIMARY KEY,
    points  BIGINT NOT NULL CHECK (points >= 0),
    version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
    id         TEXT PRIMARY KEY,
    user_id    TEXT        NOT NULL,
    wager_id   TEXT        NOT NULL,
    message    TEXT        NOT NULL,
    is_read    BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wagers_created      ON wagers(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_balances_points     ON balances(points DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_user  ON notifications(user_id, created_at DESC);
`

const wagerColumns = `id, title, author, author_id, options, bets, cutoff_date, status,
	winning_option, cancelled_at, settled_at, created_at, version`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Ledger transactions run SERIALIZABLE and every row carries a version, so
// a lost race surfaces as ErrConflict rather than a silent overwrite.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	hooks []CommitHook
	seq   uint64
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Transactions ---

func (s *PostgresStore) RunInTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ptx := &pgTx{tx: tx}
	if err := fn(ctx, ptx); err != nil {
		return mapPgError(err)
	}
	if ptx.touched.empty() {
		return mapPgError(tx.Commit(ctx))
	}
	if err := notifyChange(ctx, tx, ptx.touched); err != nil {
		return mapPgError(err)
	}
	return mapPgError(tx.Commit(ctx))
}

func (s *PostgresStore) OnCommit(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

type pgTx struct {
	tx      pgx.Tx
	touched changeRef
}

func (t *pgTx) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	return getWager(ctx, t.tx, id)
}

func (t *pgTx) PutWager(ctx context.Context, w *model.Wager) error {
	options, err := json.Marshal(w.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	bets := w.Bets
	if bets == nil {
		bets = []model.Bet{}
	}
	betsJSON, err := json.Marshal(bets)
	if err != nil {
		return fmt.Errorf("encode bets: %w", err)
	}
	var winning *string
	if w.WinningOption != "" {
		winning = &w.WinningOption
	}

	var tag pgconn.CommandTag
	if w.Version == 0 {
		tag, err = t.tx.Exec(ctx,
			`INSERT INTO wagers (`+wagerColumns+`)
			 VALUES ($1, $2, $3, $4, $5::JSONB, $6::JSONB, $7, $8, $9, $10, $11, $12, 1)`,
			w.ID, w.Title, w.Author, w.AuthorID, string(options), string(betsJSON),
			w.CutoffDate, string(w.Status), winning, w.CancelledAt, w.SettledAt, w.CreatedAt,
		)
	} else {
		tag, err = t.tx.Exec(ctx,
			`UPDATE wagers
			 SET title = $3, author = $4, author_id = $5, options = $6::JSONB, bets = $7::JSONB,
			     cutoff_date = $8, status = $9, winning_option = $10,
			     cancelled_at = $11, settled_at = $12, version = version + 1
			 WHERE id = $1 AND version = $2`,
			w.ID, w.Version, w.Title, w.Author, w.AuthorID, string(options), string(betsJSON),
			w.CutoffDate, string(w.Status), winning, w.CancelledAt, w.SettledAt,
		)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	t.touched.Wagers = append(t.touched.Wagers, w.ID)
	return nil
}

func (t *pgTx) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	return getBalance(ctx, t.tx, userID)
}

func (t *pgTx) PutBalance(ctx context.Context, b *model.UserBalance) error {
	var tag pgconn.CommandTag
	var err error
	if b.Version == 0 {
		tag, err = t.tx.Exec(ctx,
			`INSERT INTO balances (user_id, points, version) VALUES ($1, $2, 1)`,
			b.UserID, b.Points)
	} else {
		tag, err = t.tx.Exec(ctx,
			`UPDATE balances SET points = $3, version = version + 1
			 WHERE user_id = $1 AND version = $2`,
			b.UserID, b.Version, b.Points)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	t.touched.Balances = append(t.touched.Balances, b.UserID)
	return nil
}

// --- Wager reads ---

func (s *PostgresStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	return getWager(ctx, s.pool, id)
}

func (s *PostgresStore) ListWagers(ctx context.Context) ([]model.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerColumns+` FROM wagers ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wagers []model.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, err
		}
		wagers = append(wagers, *w)
	}
	return wagers, rows.Err()
}

// --- Balance reads ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	return getBalance(ctx, s.pool, userID)
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.UserBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, points, version FROM balances ORDER BY points DESC, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.UserBalance
	for rows.Next() {
		var b model.UserBalance
		if err := rows.Scan(&b.UserID, &b.Points, &b.Version); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// --- Notifications ---

func (s *PostgresStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO notifications (id, user_id, wager_id, message, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, n.WagerID, n.Message, n.IsRead, n.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if err := notifyChange(ctx, tx, changeRef{Notifications: []string{n.ID}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, wager_id, message, is_read, created_at
		 FROM notifications WHERE user_id = $1
		 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanNotifications(rows)
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var wasRead bool
	err = tx.QueryRow(ctx,
		`SELECT is_read FROM notifications WHERE id = $1 FOR UPDATE`, id).Scan(&wasRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if wasRead {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1`, id); err != nil {
		return err
	}
	if err := notifyChange(ctx, tx, changeRef{Notifications: []string{id}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Change feed ---

// changeRef names the documents one commit wrote. More is set on every chunk
// but the last when the list does not fit in a single NOTIFY.
type changeRef struct {
	Wagers        []string `json:"w,omitempty"`
	Balances      []string `json:"b,omitempty"`
	Notifications []string `json:"n,omitempty"`
	More          bool     `json:"more,omitempty"`
}

func (r changeRef) empty() bool {
	return len(r.Wagers) == 0 && len(r.Balances) == 0 && len(r.Notifications) == 0
}

func (r *changeRef) merge(o changeRef) {
	r.Wagers = append(r.Wagers, o.Wagers...)
	r.Balances = append(r.Balances, o.Balances...)
	r.Notifications = append(r.Notifications, o.Notifications...)
}

// notifyChange signals the commit inside tx, so the signal is delivered
// only if, and in the order that, the transaction commits.
func notifyChange(ctx context.Context, tx pgx.Tx, ref changeRef) error {
	for _, chunk := range splitChangeRef(ref) {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("encode change: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, string(payload)); err != nil {
			return fmt.Errorf("notify change: %w", err)
		}
	}
	return nil
}

// splitChangeRef cuts a change into NOTIFY-sized chunks.
func splitChangeRef(ref changeRef) []changeRef {
	var chunks []changeRef
	cur := changeRef{}
	size := 0
	// list always points into cur, which is reset in place.
	add := func(list *[]string, id string) {
		if size+len(id)+8 > maxNotifyPayload && !cur.empty() {
			cur.More = true
			chunks = append(chunks, cur)
			cur = changeRef{}
			size = 0
		}
		*list = append(*list, id)
		size += len(id) + 8
	}
	for _, id := range ref.Wagers {
		add(&cur.Wagers, id)
	}
	for _, id := range ref.Balances {
		add(&cur.Balances, id)
	}
	for _, id := range ref.Notifications {
		add(&cur.Notifications, id)
	}
	return append(chunks, cur)
}

// Listen consumes the change channel on a dedicated connection and feeds
// every commit to the registered hooks, in commit order. Documents are
// re-read from a single snapshot after the notification, so a published
// change is always one committed state, though a burst of commits may be
// observed at a later one. It returns when ctx is done or the connection
// fails.
func (s *PostgresStore) Listen(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	var pending changeRef
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		var ref changeRef
		if err := json.Unmarshal([]byte(n.Payload), &ref); err != nil {
			return fmt.Errorf("decode change payload: %w", err)
		}
		pending.merge(ref)
		if ref.More {
			continue
		}

		change, err := s.loadChange(ctx, pending)
		pending = changeRef{}
		if err != nil {
			return err
		}
		s.publish(change)
	}
}

// loadChange re-reads every document named by ref from one read-only
// REPEATABLE READ snapshot.
func (s *PostgresStore) loadChange(ctx context.Context, ref changeRef) (Change, error) {
	var c Change
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return c, fmt.Errorf("begin reload: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range dedupe(ref.Wagers) {
		w, err := getWager(ctx, tx, id)
		if err != nil {
			return c, fmt.Errorf("reload wager %s: %w", id, err)
		}
		c.Wagers = append(c.Wagers, *w)
	}
	for _, id := range dedupe(ref.Balances) {
		b, err := getBalance(ctx, tx, id)
		if err != nil {
			return c, fmt.Errorf("reload balance %s: %w", id, err)
		}
		c.Balances = append(c.Balances, *b)
	}
	if ids := dedupe(ref.Notifications); len(ids) > 0 {
		rows, err := tx.Query(ctx,
			`SELECT id, user_id, wager_id, message, is_read, created_at
			 FROM notifications WHERE id = ANY($1)`, ids)
		if err != nil {
			return c, fmt.Errorf("reload notifications: %w", err)
		}
		ns, err := scanNotifications(rows)
		rows.Close()
		if err != nil {
			return c, err
		}
		c.Notifications = ns
	}
	return c, tx.Commit(ctx)
}

func (s *PostgresStore) publish(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	c.Seq = s.seq
	for _, h := range s.hooks {
		h(c)
	}
}

// --- Scanning helpers ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getWager(ctx context.Context, q querier, id string) (*model.Wager, error) {
	row := q.QueryRow(ctx, `SELECT `+wagerColumns+` FROM wagers WHERE id = $1`, id)
	w, err := scanWager(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wager %s: %w", id, err)
	}
	return w, nil
}

func getBalance(ctx context.Context, q querier, userID string) (*model.UserBalance, error) {
	var b model.UserBalance
	err := q.QueryRow(ctx,
		`SELECT user_id, points, version FROM balances WHERE user_id = $1`, userID).
		Scan(&b.UserID, &b.Points, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("balance %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return &b, nil
}

// rowScanner reads one row; pgx.Row and pgx.Rows both satisfy it.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWager(row rowScanner) (*model.Wager, error) {
	var w model.Wager
	var options, bets []byte
	var status string
	var winning *string

	if err := row.Scan(&w.ID, &w.Title, &w.Author, &w.AuthorID,
		&options, &bets, &w.CutoffDate, &status,
		&winning, &w.CancelledAt, &w.SettledAt, &w.CreatedAt, &w.Version); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(options, &w.Options); err != nil {
		return nil, fmt.Errorf("decode options of %s: %w", w.ID, err)
	}
	if err := json.Unmarshal(bets, &w.Bets); err != nil {
		return nil, fmt.Errorf("decode bets of %s: %w", w.ID, err)
	}
	w.Status = model.WagerStatus(status)
	if winning != nil {
		w.WinningOption = *winning
	}
	return &w, nil
}

func scanNotifications(rows pgx.Rows) ([]model.Notification, error) {
	var ns []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.WagerID, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return ns, rows.Err()
}

// mapPgError turns serialization failures, deadlocks and duplicate inserts
// into ErrConflict; everything else passes through.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return ErrConflict
		}
	}
	return err
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
