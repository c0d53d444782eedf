package orders

import (
	"context"
	"time"
)

// LedgerStore persists wallets, orders and wallet entries. Every Commit*
// method is atomic: either all of its writes land or none do, and it only
// succeeds when the wallet revision still equals expectedRevision. A
// successful commit bumps the revision by exactly one.
type LedgerStore interface {
	// EnsureWallet provisions a zero-balance wallet; existing wallets are returned as is.
	EnsureWallet(ctx context.Context, parentID string) (Wallet, error)
	ReadWallet(ctx context.Context, parentID string) (Wallet, error)

	// CommitDebitAndOrder debits the wallet and inserts the order (status
	// confirmed, BalanceAfter filled in) plus a debit entry.
	// Returns ErrRevisionConflict or ErrDuplicateIdempotencyKey.
	CommitDebitAndOrder(ctx context.Context, parentID string, expectedRevision, debit int64, order Order) (Wallet, error)

	// CommitCredit applies an approved top-up. Returns ErrDuplicateReference
	// when the reference was already applied.
	CommitCredit(ctx context.Context, parentID string, expectedRevision, amount int64, reference string, at time.Time) (Wallet, error)

	// CommitCancellation refunds a confirmed order and marks it cancelled.
	// Returns ErrInvalidTransition when the order is no longer confirmed.
	CommitCancellation(ctx context.Context, parentID string, expectedRevision int64, orderID string, at time.Time) (Wallet, error)

	// UpdateOrderStatus is a conditional status change with no money movement.
	UpdateOrderStatus(ctx context.Context, orderID string, from, to Status) error

	GetOrder(ctx context.Context, orderID string) (Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (Order, error)
	FindEntryByReference(ctx context.Context, reference string) (WalletEntry, error)

	// OrderedQuantities sums quantities per menu item over the student's
	// non-cancelled orders for one service date.
	OrderedQuantities(ctx context.Context, studentID string, serviceDate time.Time) (map[string]int, error)

	// ListOrders returns the parent's orders with service date in [from, to].
	ListOrders(ctx context.Context, parentID string, from, to time.Time) ([]Order, error)
	// ListEntries returns the newest entries first; limit <= 0 means all.
	ListEntries(ctx context.Context, parentID string, limit int) ([]WalletEntry, error)
}

// Publisher ships committed events downstream. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// IdempotencyCache is a fast path in front of the store's unique index.
// It is never the source of truth.
type IdempotencyCache interface {
	Lookup(ctx context.Context, key string) (orderID string, ok bool, err error)
	Remember(ctx context.Context, key, orderID string) error
}
