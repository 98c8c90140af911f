package ledger

import "errors"

var (
	// ErrNotFound is returned when the wager or a bettor's balance does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrInvalidWager is returned when CreateWager input breaks a wager invariant.
	ErrInvalidWager = errors.New("ledger: invalid wager")

	// ErrInvalidAccount is returned when OpenAccount gets no user ID.
	ErrInvalidAccount = errors.New("ledger: invalid account")

	// ErrInvalidAmount is returned for a stake that is not a positive integer.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidOption is returned when an option text is not on the wager.
	ErrInvalidOption = errors.New("ledger: invalid option")

	// ErrInsufficientFunds is returned when a stake exceeds the bettor's points.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrBettingClosed is returned for bets at or after the wager's cutoff.
	ErrBettingClosed = errors.New("ledger: betting closed")

	// ErrDuplicateBet is returned when the user already has a bet on the wager.
	ErrDuplicateBet = errors.New("ledger: duplicate bet")

	// ErrAlreadySettled is returned when settling a wager a second time.
	ErrAlreadySettled = errors.New("ledger: already settled")

	// ErrInvalidState is returned when the wager's status does not allow the
	// requested transition.
	ErrInvalidState = errors.New("ledger: invalid state")

	// ErrTransientConflict is returned when every retry lost an optimistic
	// concurrency race. The caller may retry the whole operation.
	ErrTransientConflict = errors.New("ledger: transient conflict")
)

// resultLabel classifies an operation outcome for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransientConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidWager), errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidOption):
		return "invalid"
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrBettingClosed),
		errors.Is(err, ErrDuplicateBet), errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrInvalidState):
		return "rejected"
	default:
		return "error"
	}
}
