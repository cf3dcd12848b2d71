package market

import (
	"errors"
	"fmt"

	"github.com/friendsmarket/market-engine/internal/lmsr"
	"github.com/friendsmarket/market-engine/internal/policy"
	"github.com/friendsmarket/market-engine/internal/store"
)

// Error kinds. Every error returned by the engine wraps exactly one of
// these; classify with errors.Is.
var (
	// ErrValidation: malformed input, rejected before any state is read.
	ErrValidation = errors.New("validation error")

	// ErrMarketState: the market's status does not allow the operation.
	ErrMarketState = errors.New("market state error")

	// ErrPriceLock: the chosen side is locked by the probability band.
	ErrPriceLock = errors.New("price lock")

	// ErrSolvency: the bet would breach the creator's loss cap. Expected
	// and frequent, not a bug.
	ErrSolvency = errors.New("solvency guard")

	// ErrInsufficientBalance: the caller cannot cover the stake or seed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBetWindow: another bet committed on this market too recently.
	ErrBetWindow = errors.New("bet window")

	// ErrNumerical: the inverse cost solve failed. This is an internal
	// invariant violation and must not be retried.
	ErrNumerical = errors.New("numerical error")

	// ErrNotFound: unknown market or user.
	ErrNotFound = errors.New("not found")

	// ErrForbidden: the principal may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)

func reject(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// classify maps collaborator errors onto the engine's error kinds.
// Errors that already carry a kind pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMarketState),
		errors.Is(err, ErrPriceLock), errors.Is(err, ErrSolvency),
		errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrBetWindow),
		errors.Is(err, ErrNumerical), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, policy.ErrPriceLocked):
		return fmt.Errorf("%w: %w", ErrPriceLock, err)
	case errors.Is(err, policy.ErrLossCapExceeded):
		return fmt.Errorf("%w: %w", ErrSolvency, err)
	case errors.Is(err, policy.ErrBetWindow):
		return fmt.Errorf("%w: %w", ErrBetWindow, err)
	case errors.Is(err, lmsr.ErrNoBracket), errors.Is(err, lmsr.ErrNoConvergence),
		errors.Is(err, lmsr.ErrInvalidAmount):
		return fmt.Errorf("%w: %w", ErrNumerical, err)
	}
	return err
}

// Reason returns a short label for an engine error, used for metrics and
// logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrMarketState):
		return "market_state"
	case errors.Is(err, ErrPriceLock):
		return "price_lock"
	case errors.Is(err, ErrSolvency):
		return "solvency"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrBetWindow):
		return "bet_window"
	case errors.Is(err, ErrNumerical):
		return "numerical"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	}
	return "internal"
}
