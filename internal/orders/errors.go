package orders

import (
	"errors"
	"fmt"

	"github.com/ariefcatur/go-canteen-wallet/internal/money"
)

// Store-level sentinels. Every LedgerStore implementation returns these.
var (
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrOrderNotFound           = errors.New("order not found")
	ErrEntryNotFound           = errors.New("wallet entry not found")
	ErrRevisionConflict        = errors.New("wallet revision conflict")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateReference      = errors.New("duplicate top-up reference")
	ErrInvalidTransition       = errors.New("invalid order status transition")
)

// Service-level sentinels, wrapped by the typed errors below.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSelection    = errors.New("invalid menu selection")
	ErrConflict            = errors.New("concurrent modification")
	ErrForbidden           = errors.New("forbidden")
)

type InsufficientBalanceError struct {
	ParentID  string
	Balance   int64
	Requested int64
	Shortfall int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		money.Format(e.Balance), money.Format(e.Requested), money.Format(e.Shortfall))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ValidationError rejects a request before any mutation.
type ValidationError struct {
	MenuItemID string
	Detail     string
}

func (e *ValidationError) Error() string {
	if e.MenuItemID != "" {
		return fmt.Sprintf("%s: %s", e.MenuItemID, e.Detail)
	}
	return e.Detail
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSelection }

func invalid(itemID, format string, args ...any) error {
	return &ValidationError{MenuItemID: itemID, Detail: fmt.Sprintf(format, args...)}
}

// ConflictError is returned once revision conflicts exhausted the retries.
type ConflictError struct {
	ParentID string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("wallet %s still contended after %d attempts", e.ParentID, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type ErrorKind string

const (
	KindInsufficientBalance  ErrorKind = "InsufficientBalance"
	KindInvalidMenuSelection ErrorKind = "InvalidMenuSelection"
	KindConflict             ErrorKind = "Conflict"
	KindInternal             ErrorKind = "Internal"

	// Used by the query and lifecycle operations only.
	KindNotFound          ErrorKind = "NotFound"
	KindInvalidTransition ErrorKind = "InvalidTransition"
	KindForbidden         ErrorKind = "Forbidden"
)

// KindOf classifies any error returned by Service into a stable kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrInvalidSelection):
		return KindInvalidMenuSelection
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrWalletNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindInternal
	}
}

// Shortfall extracts the shortfall of an insufficient balance error.
func Shortfall(err error) (int64, bool) {
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		return ib.Shortfall, true
	}
	return 0, false
}
