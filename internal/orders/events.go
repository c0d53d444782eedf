package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderPlaced    = "OrderPlaced"
	EventOrderCancelled = "OrderCancelled"
	EventOrderCompleted = "OrderCompleted"
	EventWalletCredited = "WalletCredited"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "canteen-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id atau reference top-up
	Payload       json.RawMessage `json:"payload"`
}

// BalanceChange is embedded in every wallet-affecting payload so consumers
// can follow balances without knowing the event type.
type BalanceChange struct {
	ParentID   string `json:"parent_id"`
	NewBalance int64  `json:"new_balance"`
	Revision   int64  `json:"revision"`
}

type OrderPlacedPayload struct {
	BalanceChange
	OrderID     string     `json:"order_id"`
	StudentID   string     `json:"student_id"`
	ServiceDate string     `json:"service_date"`
	Items       []LineItem `json:"items"`
	TotalCost   int64      `json:"total_cost"`
}

type OrderCancelledPayload struct {
	BalanceChange
	OrderID  string `json:"order_id"`
	Refunded int64  `json:"refunded"`
}

type OrderCompletedPayload struct {
	OrderID   string `json:"order_id"`
	ParentID  string `json:"parent_id"`
	StudentID string `json:"student_id"`
}

type WalletCreditedPayload struct {
	BalanceChange
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}
