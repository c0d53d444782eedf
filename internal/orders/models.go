package orders

import "time"

type Wallet struct {
	ParentID  string    `json:"parentId"`
	Balance   int64     `json:"balance"` // minor units
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type LineItem struct {
	MenuItemID string `json:"menuItemId"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unitPrice"` // snapshot at order time
}

func (li LineItem) Subtotal() int64 { return li.UnitPrice * int64(li.Quantity) }

type Order struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotencyKey"`
	ParentID       string     `json:"parentId"`
	StudentID      string     `json:"studentId"`
	ServiceDate    time.Time  `json:"serviceDate"`
	LineItems      []LineItem `json:"lineItems"`
	TotalCost      int64      `json:"totalCost"`
	BalanceAfter   int64      `json:"balanceAfter"` // wallet balance right after this order's debit
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
}

type EntryKind string

const (
	EntryDebit  EntryKind = "debit"  // order placement
	EntryCredit EntryKind = "credit" // approved top-up
	EntryRefund EntryKind = "refund" // order cancellation
)

// WalletEntry is the audit row written with every balance change.
type WalletEntry struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parentId"`
	Kind         EntryKind `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balanceAfter"`
	Revision     int64     `json:"revision"`
	OrderID      string    `json:"orderId,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Signed returns the entry's effect on the balance.
func (e WalletEntry) Signed() int64 {
	if e.Kind == EntryDebit {
		return -e.Amount
	}
	return e.Amount
}

type LineInput struct {
	MenuItemID string `json:"menuItemId"`
	Quantity   int    `json:"quantity"`
}

type PlaceRequest struct {
	IdempotencyKey string
	ParentID       string
	StudentID      string
	ServiceDate    time.Time
	LineItems      []LineInput
}

// Placement is the success response of PlaceOrder. Replays return the
// same values as the original call.
type Placement struct {
	OrderID    string `json:"orderId"`
	TotalCost  int64  `json:"totalCost"`
	NewBalance int64  `json:"newBalance"`
	Status     Status `json:"status"`

	Replayed bool `json:"-"`
}

type Cancellation struct {
	OrderID    string `json:"orderId"`
	Refunded   int64  `json:"refunded"`
	NewBalance int64  `json:"newBalance"`
	Status     Status `json:"status"`
}

type Credit struct {
	ParentID   string `json:"parentId"`
	Amount     int64  `json:"amount"`
	Reference  string `json:"reference"`
	NewBalance int64  `json:"newBalance"`
	Replayed   bool   `json:"replayed"`
}
