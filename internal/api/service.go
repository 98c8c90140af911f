// Package api provides the HTTP handlers for creating wagers, placing bets,
// settling or cancelling wagers, and querying balances, the leaderboard,
// the activity feed and notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/wagerboard/wager-engine/internal/ledger"
	"github.com/wagerboard/wager-engine/internal/live"
	"github.com/wagerboard/wager-engine/internal/model"
	"github.com/wagerboard/wager-engine/internal/odds"
	"github.com/wagerboard/wager-engine/internal/projection"
	"github.com/wagerboard/wager-engine/internal/store"
)

const maxBodyBytes = 1 << 20

// Reader is the point-read side of the store used by the handlers.
type Reader interface {
	GetWager(ctx context.Context, id string) (*model.Wager, error)
	GetBalance(ctx context.Context, userID string) (*model.UserBalance, error)
	ListNotifications(ctx context.Context, userID string) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// View serves list queries from a single committed snapshot.
type View interface {
	Wagers() live.WagersSnapshot
}

// Service handles wager HTTP requests.
type Service struct {
	engine        *ledger.Engine
	store         Reader
	view          View
	starterPoints int64
	validate      *validator.Validate
}

// NewService creates the HTTP service. New accounts start with
// starterPoints.
func NewService(engine *ledger.Engine, st Reader, view View, starterPoints int64) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{
		engine:        engine,
		store:         st,
		view:          view,
		starterPoints: starterPoints,
		validate:      v,
	}
}

// --- Request/Response types ---

// OptionRequest is one option in a CreateWagerRequest.
type OptionRequest struct {
	Text string `json:"text" validate:"required"`
	Odds int    `json:"odds" validate:"required,min=-100000,max=100000"`
}

// CreateWagerRequest is the JSON body for POST /wagers.
type CreateWagerRequest struct {
	Title      string          `json:"title" validate:"required"`
	Author     string          `json:"author"`
	AuthorID   string          `json:"authorId" validate:"required"`
	Options    []OptionRequest `json:"options" validate:"required,min=2,dive"`
	CutoffDate time.Time       `json:"cutoffDate" validate:"required"`
}

// PlaceBetRequest is the JSON body for POST /wagers/{wagerID}/bets.
type PlaceBetRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Username string `json:"username"` // defaults to userId
	Option   string `json:"option" validate:"required"`
	Amount   int64  `json:"amount" validate:"gt=0"`
}

// SettleRequest is the JSON body for POST /wagers/{wagerID}/settle.
type SettleRequest struct {
	WinningOption string `json:"winningOption" validate:"required"`
}

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// OptionQuote is a wager option with its implied win probability.
type OptionQuote struct {
	model.WagerOption
	ImpliedProbability decimal.Decimal `json:"impliedProbability"`
}

// WagerResponse is a wager as returned by the API.
type WagerResponse struct {
	model.Wager
	Options     []OptionQuote `json:"options"`
	TotalStaked int64         `json:"totalStaked"`
}

func newWagerResponse(w model.Wager) WagerResponse {
	quotes := make([]OptionQuote, len(w.Options))
	for i, o := range w.Options {
		quotes[i] = OptionQuote{WagerOption: o, ImpliedProbability: odds.ImpliedProbability(o.Odds)}
	}
	if w.Bets == nil {
		w.Bets = []model.Bet{}
	}
	return WagerResponse{Wager: w, Options: quotes, TotalStaked: w.Staked()}
}

// --- HTTP Handlers ---

// ListWagers handles GET /api/v1/wagers
// Optionally filtered by ?status=open|settled|cancelled.
func (s *Service) ListWagers(w http.ResponseWriter, r *http.Request) {
	snap := s.view.Wagers()
	status := model.WagerStatus(r.URL.Query().Get("status"))

	out := make([]WagerResponse, 0, len(snap.Wagers))
	for _, wg := range snap.Wagers {
		if status != "" && wg.Status != status {
			continue
		}
		out = append(out, newWagerResponse(wg))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateWager handles POST /api/v1/wagers
func (s *Service) CreateWager(w http.ResponseWriter, r *http.Request) {
	var req CreateWagerRequest
	if !s.decode(w, r, &req) {
		return
	}

	options := make([]model.WagerOption, len(req.Options))
	for i, o := range req.Options {
		options[i] = model.WagerOption{Text: o.Text, Odds: o.Odds}
	}

	ctx := r.Context()
	id, err := s.engine.CreateWager(ctx, ledger.NewWager{
		Title:      req.Title,
		Author:     req.Author,
		AuthorID:   req.AuthorID,
		Options:    options,
		CutoffDate: req.CutoffDate,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.respondWager(w, r, id, http.StatusCreated)
}

// GetWager handles GET /api/v1/wagers/{wagerID}
func (s *Service) GetWager(w http.ResponseWriter, r *http.Request) {
	s.respondWager(w, r, chi.URLParam(r, "wagerID"), http.StatusOK)
}

// PlaceBet handles POST /api/v1/wagers/{wagerID}/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Username == "" {
		req.Username = req.UserID
	}

	wagerID := chi.URLParam(r, "wagerID")
	err := s.engine.PlaceBet(r.Context(), ledger.PlaceBetRequest{
		WagerID:  wagerID,
		UserID:   req.UserID,
		Username: req.Username,
		Option:   req.Option,
		Amount:   req.Amount,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.respondWager(w, r, wagerID, http.StatusCreated)
}

// SettleWager handles POST /api/v1/wagers/{wagerID}/settle
func (s *Service) SettleWager(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !s.decode(w, r, &req) {
		return
	}

	settlement, err := s.engine.SettleWager(r.Context(), chi.URLParam(r, "wagerID"), req.WinningOption)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if settlement.Payouts == nil {
		settlement.Payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, settlement)
}

// CancelWager handles POST /api/v1/wagers/{wagerID}/cancel
func (s *Service) CancelWager(w http.ResponseWriter, r *http.Request) {
	wagerID := chi.URLParam(r, "wagerID")
	if err := s.engine.CancelWager(r.Context(), wagerID); err != nil {
		writeLedgerError(w, err)
		return
	}
	s.respondWager(w, r, wagerID, http.StatusOK)
}

// OpenAccount handles POST /api/v1/accounts
// Idempotent: an existing account is returned unchanged.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !s.decode(w, r, &req) {
		return
	}

	balance, err := s.engine.OpenAccount(r.Context(), req.UserID, s.starterPoints)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	balance, err := s.store.GetBalance(r.Context(), chi.URLParam(r, "userID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get account failed", "error", err)
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	snap := s.view.Wagers()
	entries := projection.Leaderboard(snap.Balances, snap.Wagers)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Activity handles GET /api/v1/activity?limit=N
func (s *Service) Activity(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items := projection.Activity(s.view.Wagers().Wagers)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		items = []model.Activity{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ListNotifications handles GET /api/v1/users/{userID}/notifications
// Optionally filtered by ?unread=true.
func (s *Service) ListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListNotifications(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		slog.Error("list notifications failed", "error", err)
		writeError(w, "failed to list notifications", http.StatusInternalServerError)
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	out := make([]model.Notification, 0, len(list))
	for _, n := range list {
		if unreadOnly && n.IsRead {
			continue
		}
		out = append(out, n)
	}
	writeJSON(w, http.StatusOK, out)
}

// MarkNotificationRead handles POST /api/v1/notifications/{notificationID}/read
func (s *Service) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	err := s.store.MarkNotificationRead(r.Context(), chi.URLParam(r, "notificationID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("mark notification read failed", "error", err)
		writeError(w, "failed to update notification", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) respondWager(w http.ResponseWriter, r *http.Request, id string, status int) {
	wager, err := s.store.GetWager(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "wager not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get wager failed", "wager_id", id, "error", err)
		writeError(w, "failed to load wager", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, newWagerResponse(*wager))
}

// decode reads and validates a JSON body. On failure it writes a 400 and
// returns false.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		if fe.Param() != "" {
			msgs = append(msgs, field+" must satisfy "+fe.Tag()+"="+fe.Param())
		} else {
			msgs = append(msgs, field+" is "+fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// writeLedgerError maps a ledger error to its HTTP status.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidWager), errors.Is(err, ledger.ErrInvalidAccount),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidOption):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrBettingClosed),
		errors.Is(err, ledger.ErrDuplicateBet), errors.Is(err, ledger.ErrAlreadySettled),
		errors.Is(err, ledger.ErrInvalidState):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrTransientConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, "too much contention, retry the request", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		slog.Error("ledger operation failed", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
