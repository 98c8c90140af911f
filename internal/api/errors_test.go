package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wagerboard/wager-engine/internal/ledger"
)

func TestWriteLedgerError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ledger.ErrNotFound, http.StatusNotFound},
		{ledger.ErrInvalidWager, http.StatusBadRequest},
		{ledger.ErrInvalidAccount, http.StatusBadRequest},
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{ledger.ErrInvalidOption, http.StatusBadRequest},
		{ledger.ErrInsufficientFunds, http.StatusConflict},
		{ledger.ErrBettingClosed, http.StatusConflict},
		{ledger.ErrDuplicateBet, http.StatusConflict},
		{ledger.ErrAlreadySettled, http.StatusConflict},
		{ledger.ErrInvalidState, http.StatusConflict},
		{fmt.Errorf("%w: place_bet gave up after 8 attempts", ledger.ErrTransientConflict), http.StatusServiceUnavailable},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		writeLedgerError(w, tc.err)
		if w.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestWriteLedgerError_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	writeLedgerError(w, ledger.ErrTransientConflict)
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestValidationMessage(t *testing.T) {
	svc := NewService(nil, nil, nil, 0)
	err := svc.validate.Struct(&CreateWagerRequest{Options: []OptionRequest{{Text: "A"}}})
	msg := validationMessage(err)

	for _, want := range []string{"title is required", "authorId is required", "options must satisfy min=2"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q lacks %q", msg, want)
		}
	}
}
