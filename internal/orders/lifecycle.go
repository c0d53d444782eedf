package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/money"
	"go.uber.org/zap"
)

// CancelOrder is the compensating transaction for a placement: it refunds
// the order total and marks the order cancelled atomically. parentID may be
// empty when called by staff.
func (s *Service) CancelOrder(ctx context.Context, parentID, orderID string) (Cancellation, error) {
	for attempt := 1; ; attempt++ {
		o, err := s.Store.GetOrder(ctx, orderID)
		if err != nil {
			return Cancellation{}, fmt.Errorf("load order %s: %w", orderID, err)
		}
		if parentID != "" && o.ParentID != parentID {
			return Cancellation{}, fmt.Errorf("%w: order %s belongs to another parent", ErrForbidden, orderID)
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return Cancellation{}, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, orderID, o.Status)
		}
		m, err := s.Menu.Menu(ctx, o.ServiceDate)
		if err != nil {
			return Cancellation{}, fmt.Errorf("load menu: %w", err)
		}
		if err := m.CheckOrderable(o.ServiceDate, s.now()); err != nil {
			return Cancellation{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}

		w, err := s.Store.ReadWallet(ctx, o.ParentID)
		if err != nil {
			return Cancellation{}, fmt.Errorf("read wallet: %w", err)
		}
		if _, err := money.Add(w.Balance, o.TotalCost); err != nil {
			return Cancellation{}, fmt.Errorf("refund order %s: %w", orderID, err)
		}

		at := s.now().UTC()
		committed, err := s.commit(ctx, func(cctx context.Context) (Wallet, error) {
			return s.Store.CommitCancellation(cctx, o.ParentID, w.Revision, o.ID, at)
		})
		switch {
		case err == nil:
			zap.L().Info("Order cancelled",
				zap.String("order_id", o.ID),
				zap.String("parent_id", o.ParentID),
				zap.Int64("refunded", o.TotalCost),
				zap.Int64("new_balance", committed.Balance))
			s.publish(context.WithoutCancel(ctx), TopicOrderCancelled, EventOrderCancelled, o.ParentID, o.ID, OrderCancelledPayload{
				BalanceChange: BalanceChange{ParentID: o.ParentID, NewBalance: committed.Balance, Revision: committed.Revision},
				OrderID:       o.ID,
				Refunded:      o.TotalCost,
			})
			return Cancellation{OrderID: o.ID, Refunded: o.TotalCost, NewBalance: committed.Balance, Status: StatusCancelled}, nil

		case errors.Is(err, ErrRevisionConflict):
			if attempt >= s.maxAttempts() {
				return Cancellation{}, &ConflictError{ParentID: o.ParentID, Attempts: attempt}
			}
			if err := s.backoff(ctx, attempt); err != nil {
				return Cancellation{}, fmt.Errorf("cancel order: %w", err)
			}

		default:
			return Cancellation{}, fmt.Errorf("commit cancellation: %w", err)
		}
	}
}

// CompleteOrder marks a confirmed order as served. No money moves.
func (s *Service) CompleteOrder(ctx context.Context, orderID string) (Order, error) {
	if err := s.Store.UpdateOrderStatus(ctx, orderID, StatusConfirmed, StatusCompleted); err != nil {
		return Order{}, fmt.Errorf("complete order %s: %w", orderID, err)
	}
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	zap.L().Info("Order completed", zap.String("order_id", o.ID), zap.String("student_id", o.StudentID))
	s.publish(context.WithoutCancel(ctx), TopicOrderCompleted, EventOrderCompleted, o.ParentID, o.ID, OrderCompletedPayload{
		OrderID:   o.ID,
		ParentID:  o.ParentID,
		StudentID: o.StudentID,
	})
	return o, nil
}

// Topup credits an externally approved top-up. The reference makes it
// idempotent: applying the same reference twice credits once.
func (s *Service) Topup(ctx context.Context, parentID string, amount int64, reference string) (Credit, error) {
	switch {
	case parentID == "":
		return Credit{}, invalid("", "parent id is required")
	case reference == "":
		return Credit{}, invalid("", "top-up reference is required")
	case amount <= 0:
		return Credit{}, invalid("", "top-up amount must be greater than zero")
	}

	for attempt := 1; ; attempt++ {
		e, err := s.Store.FindEntryByReference(ctx, reference)
		if err == nil {
			if e.ParentID != parentID || e.Amount != amount {
				return Credit{}, invalid("", "top-up reference %q was already used for a different credit", reference)
			}
			return Credit{ParentID: parentID, Amount: e.Amount, Reference: reference, NewBalance: e.BalanceAfter, Replayed: true}, nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return Credit{}, fmt.Errorf("top-up lookup: %w", err)
		}

		w, err := s.Store.ReadWallet(ctx, parentID)
		if err != nil {
			return Credit{}, fmt.Errorf("read wallet: %w", err)
		}
		if _, err := money.Add(w.Balance, amount); err != nil {
			return Credit{}, invalid("", "top-up would overflow the wallet")
		}

		at := s.now().UTC()
		committed, err := s.commit(ctx, func(cctx context.Context) (Wallet, error) {
			return s.Store.CommitCredit(cctx, parentID, w.Revision, amount, reference, at)
		})
		switch {
		case err == nil:
			zap.L().Info("Wallet credited",
				zap.String("parent_id", parentID),
				zap.String("reference", reference),
				zap.Int64("amount", amount),
				zap.Int64("new_balance", committed.Balance))
			s.publish(context.WithoutCancel(ctx), TopicWalletCredited, EventWalletCredited, parentID, reference, WalletCreditedPayload{
				BalanceChange: BalanceChange{ParentID: parentID, NewBalance: committed.Balance, Revision: committed.Revision},
				Amount:        amount,
				Reference:     reference,
			})
			return Credit{ParentID: parentID, Amount: amount, Reference: reference, NewBalance: committed.Balance}, nil

		case errors.Is(err, ErrRevisionConflict), errors.Is(err, ErrDuplicateReference):
			if attempt >= s.maxAttempts() {
				return Credit{}, &ConflictError{ParentID: parentID, Attempts: attempt}
			}
			if err := s.backoff(ctx, attempt); err != nil {
				return Credit{}, fmt.Errorf("top-up: %w", err)
			}

		default:
			return Credit{}, fmt.Errorf("commit top-up: %w", err)
		}
	}
}

func (s *Service) EnsureWallet(ctx context.Context, parentID string) (Wallet, error) {
	if parentID == "" {
		return Wallet{}, invalid("", "parent id is required")
	}
	w, err := s.Store.EnsureWallet(ctx, parentID)
	if err != nil {
		return Wallet{}, fmt.Errorf("provision wallet: %w", err)
	}
	return w, nil
}

// Wallet reads the balance straight from the store; balances are never cached.
func (s *Service) Wallet(ctx context.Context, parentID string) (Wallet, error) {
	return s.Store.ReadWallet(ctx, parentID)
}

func (s *Service) Order(ctx context.Context, orderID string) (Order, error) {
	return s.Store.GetOrder(ctx, orderID)
}

// OrderByKey lets a caller that timed out find out whether its request committed.
func (s *Service) OrderByKey(ctx context.Context, key string) (Order, error) {
	return s.lookupKey(ctx, key)
}

func (s *Service) Orders(ctx context.Context, parentID string, from, to time.Time) ([]Order, error) {
	return s.Store.ListOrders(ctx, parentID, from, to)
}

func (s *Service) Entries(ctx context.Context, parentID string, limit int) ([]WalletEntry, error) {
	return s.Store.ListEntries(ctx, parentID, limit)
}

type Reconciliation struct {
	ParentID string `json:"parentId"`
	Balance  int64  `json:"balance"`
	Computed int64  `json:"computed"`
	Entries  int    `json:"entries"`
	Revision int64  `json:"revision"`
	OK       bool   `json:"ok"`
}

// Reconcile verifies that the wallet balance equals the sum of its entries
// and that every revision has exactly one entry.
func (s *Service) Reconcile(ctx context.Context, parentID string) (Reconciliation, error) {
	w, err := s.Store.ReadWallet(ctx, parentID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("read wallet: %w", err)
	}
	entries, err := s.Store.ListEntries(ctx, parentID, 0)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("list entries: %w", err)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Signed()
	}
	r := Reconciliation{
		ParentID: parentID,
		Balance:  w.Balance,
		Computed: sum,
		Entries:  len(entries),
		Revision: w.Revision,
		OK:       sum == w.Balance && int64(len(entries)) == w.Revision,
	}
	if !r.OK {
		zap.L().Error("Wallet reconciliation failed",
			zap.String("parent_id", parentID),
			zap.String("balance", money.Format(w.Balance)),
			zap.String("computed", money.Format(sum)),
			zap.Int("entries", len(entries)),
			zap.Int64("revision", w.Revision))
	} else {
		zap.L().Info("Wallet reconciliation successful", zap.String("parent_id", parentID), zap.String("balance", money.Format(w.Balance)))
	}
	return r, nil
}
