// Package memstore is an in-memory LedgerStore for tests and local runs.
//
// Commits stage every write on copies and publish them only at the end,
// under a single lock, so a failure injected between steps leaves nothing
// behind.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/google/uuid"
)

// Commit stages at which Fault is consulted.
const (
	StageAfterDebit = "after-debit"
	StageAfterOrder = "after-order"
)

// ErrInjected is a convenience error for Fault hooks.
var ErrInjected = errors.New("injected store failure")

var _ orders.LedgerStore = (*Store)(nil)

type Store struct {
	mu      sync.RWMutex
	wallets map[string]orders.Wallet
	orders  map[string]orders.Order
	byKey   map[string]string // idempotency key -> order id
	entries map[string][]orders.WalletEntry
	byRef   map[string]orders.WalletEntry
	nowFn   func() time.Time

	// BeforeCommit runs before any Commit* call takes the lock. Tests use it
	// to line up concurrent callers.
	BeforeCommit func(parentID string)
	// Fault, when it returns an error for a stage, aborts the commit there.
	Fault func(stage string) error
}

func New() *Store {
	return &Store{
		wallets: make(map[string]orders.Wallet),
		orders:  make(map[string]orders.Order),
		byKey:   make(map[string]string),
		entries: make(map[string][]orders.WalletEntry),
		byRef:   make(map[string]orders.WalletEntry),
		nowFn:   time.Now,
	}
}

func (s *Store) fault(stage string) error {
	if s.Fault == nil {
		return nil
	}
	return s.Fault(stage)
}

func (s *Store) EnsureWallet(_ context.Context, parentID string) (orders.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[parentID]
	if !ok {
		w = orders.Wallet{ParentID: parentID, UpdatedAt: s.nowFn().UTC()}
		s.wallets[parentID] = w
	}
	return w, nil
}

func (s *Store) ReadWallet(_ context.Context, parentID string) (orders.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[parentID]
	if !ok {
		return orders.Wallet{}, orders.ErrWalletNotFound
	}
	return w, nil
}

// stageMove returns the wallet after applying delta, without storing it.
func (s *Store) stageMove(parentID string, expectedRevision, delta int64) (orders.Wallet, error) {
	w, ok := s.wallets[parentID]
	if !ok {
		return orders.Wallet{}, orders.ErrWalletNotFound
	}
	if w.Revision != expectedRevision || w.Balance+delta < 0 {
		return orders.Wallet{}, orders.ErrRevisionConflict
	}
	w.Balance += delta
	w.Revision++
	w.UpdatedAt = s.nowFn().UTC()
	return w, nil
}

func entryFor(w orders.Wallet, kind orders.EntryKind, amount int64, orderID, reference string, at time.Time) orders.WalletEntry {
	return orders.WalletEntry{
		ID:           uuid.NewString(),
		ParentID:     w.ParentID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: w.Balance,
		Revision:     w.Revision,
		OrderID:      orderID,
		Reference:    reference,
		CreatedAt:    at,
	}
}

func (s *Store) CommitDebitAndOrder(_ context.Context, parentID string, expectedRevision, debit int64, o orders.Order) (orders.Wallet, error) {
	if s.BeforeCommit != nil {
		s.BeforeCommit(parentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.stageMove(parentID, expectedRevision, -debit)
	if err != nil {
		return orders.Wallet{}, err
	}
	if err := s.fault(StageAfterDebit); err != nil {
		return orders.Wallet{}, err
	}
	if _, dup := s.byKey[o.IdempotencyKey]; dup {
		return orders.Wallet{}, orders.ErrDuplicateIdempotencyKey
	}
	o.ParentID = parentID
	o.Status = orders.StatusConfirmed
	o.BalanceAfter = w.Balance
	o.LineItems = append([]orders.LineItem(nil), o.LineItems...)
	if err := s.fault(StageAfterOrder); err != nil {
		return orders.Wallet{}, err
	}

	s.wallets[parentID] = w
	s.orders[o.ID] = o
	s.byKey[o.IdempotencyKey] = o.ID
	s.entries[parentID] = append(s.entries[parentID], entryFor(w, orders.EntryDebit, debit, o.ID, "", o.CreatedAt))
	return w, nil
}

func (s *Store) CommitCredit(_ context.Context, parentID string, expectedRevision, amount int64, reference string, at time.Time) (orders.Wallet, error) {
	if s.BeforeCommit != nil {
		s.BeforeCommit(parentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.stageMove(parentID, expectedRevision, amount)
	if err != nil {
		return orders.Wallet{}, err
	}
	if _, dup := s.byRef[reference]; dup {
		return orders.Wallet{}, orders.ErrDuplicateReference
	}
	if err := s.fault(StageAfterDebit); err != nil {
		return orders.Wallet{}, err
	}
	e := entryFor(w, orders.EntryCredit, amount, "", reference, at)
	s.wallets[parentID] = w
	s.entries[parentID] = append(s.entries[parentID], e)
	s.byRef[reference] = e
	return w, nil
}

func (s *Store) CommitCancellation(_ context.Context, parentID string, expectedRevision int64, orderID string, at time.Time) (orders.Wallet, error) {
	if s.BeforeCommit != nil {
		s.BeforeCommit(parentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return orders.Wallet{}, orders.ErrOrderNotFound
	}
	if o.ParentID != parentID || o.Status != orders.StatusConfirmed {
		return orders.Wallet{}, orders.ErrInvalidTransition
	}
	w, err := s.stageMove(parentID, expectedRevision, o.TotalCost)
	if err != nil {
		return orders.Wallet{}, err
	}
	if err := s.fault(StageAfterDebit); err != nil {
		return orders.Wallet{}, err
	}
	o.Status = orders.StatusCancelled
	cancelled := at
	o.CancelledAt = &cancelled

	s.wallets[parentID] = w
	s.orders[orderID] = o
	s.entries[parentID] = append(s.entries[parentID], entryFor(w, orders.EntryRefund, o.TotalCost, orderID, "", at))
	return w, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, orderID string, from, to orders.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if o.Status != from || !orders.CanTransition(from, to) {
		return orders.ErrInvalidTransition
	}
	o.Status = to
	s.orders[orderID] = o
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, key string) (orders.Order, error) {
	s.mu.RLock()
	id, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) FindEntryByReference(_ context.Context, reference string) (orders.WalletEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byRef[reference]
	if !ok {
		return orders.WalletEntry{}, orders.ErrEntryNotFound
	}
	return e, nil
}

func (s *Store) OrderedQuantities(_ context.Context, studentID string, serviceDate time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{}
	for _, o := range s.orders {
		if o.StudentID != studentID || !o.ServiceDate.Equal(serviceDate) || o.Status == orders.StatusCancelled {
			continue
		}
		for _, li := range o.LineItems {
			out[li.MenuItemID] += li.Quantity
		}
	}
	return out, nil
}

func (s *Store) ListOrders(_ context.Context, parentID string, from, to time.Time) ([]orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.Order
	for _, o := range s.orders {
		if o.ParentID == parentID && !o.ServiceDate.Before(from) && !o.ServiceDate.After(to) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ServiceDate.Equal(out[j].ServiceDate) {
			return out[i].ServiceDate.Before(out[j].ServiceDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListEntries(_ context.Context, parentID string, limit int) ([]orders.WalletEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[parentID]
	out := make([]orders.WalletEntry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
