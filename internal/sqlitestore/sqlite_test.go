package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var monday = time.Date(2026, time.October, 19, 0, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newOrder(key string, total int64) orders.Order {
	return orders.Order{
		ID:             "o-" + key,
		IdempotencyKey: key,
		StudentID:      "kid",
		ServiceDate:    monday,
		LineItems: []orders.LineItem{
			{MenuItemID: "lunch", Name: "Lunch Set", Quantity: 1, UnitPrice: total},
		},
		TotalCost: total,
		CreatedAt: time.Now().UTC(),
	}
}

func seed(t *testing.T, s *Store, parentID string, balance int64) orders.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := s.EnsureWallet(ctx, parentID)
	require.NoError(t, err)
	w, err = s.CommitCredit(ctx, parentID, w.Revision, balance, "seed-"+parentID, time.Now())
	require.NoError(t, err)
	return w
}

func TestCommitDebitAndOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seed(t, s, "p1", 10000)

	after, err := s.CommitDebitAndOrder(ctx, "p1", w.Revision, 10000, newOrder("k1", 10000))
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.Balance)
	assert.Equal(t, int64(2), after.Revision)

	o, err := s.FindOrderByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "p1", o.ParentID)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.Equal(t, int64(0), o.BalanceAfter)
	assert.True(t, o.ServiceDate.Equal(monday))
	require.Len(t, o.LineItems, 1)

	entries, err := s.ListEntries(ctx, "p1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, orders.EntryDebit, entries[0].Kind)
	assert.Equal(t, o.ID, entries[0].OrderID)
}

func TestCommitDebitAndOrder_StaleRevision(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seed(t, s, "p1", 10000)

	_, err := s.CommitDebitAndOrder(ctx, "p1", w.Revision-1, 100, newOrder("k1", 100))
	assert.ErrorIs(t, err, orders.ErrRevisionConflict)

	_, err = s.CommitDebitAndOrder(ctx, "nobody", 0, 100, newOrder("k2", 100))
	assert.ErrorIs(t, err, orders.ErrWalletNotFound)
}

func TestCommitDebitAndOrder_NeverNegative(t *testing.T) {
	s := setupTestStore(t)
	w := seed(t, s, "p1", 9999)

	_, err := s.CommitDebitAndOrder(context.Background(), "p1", w.Revision, 10000, newOrder("k1", 10000))
	assert.ErrorIs(t, err, orders.ErrRevisionConflict)
}

func TestCommitDebitAndOrder_DuplicateKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seed(t, s, "p1", 10000)

	w, err := s.CommitDebitAndOrder(ctx, "p1", w.Revision, 1000, newOrder("k1", 1000))
	require.NoError(t, err)

	dup := newOrder("k1", 1000)
	dup.ID = "o-other"
	_, err = s.CommitDebitAndOrder(ctx, "p1", w.Revision, 1000, dup)
	assert.ErrorIs(t, err, orders.ErrDuplicateIdempotencyKey)

	after, err := s.ReadWallet(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), after.Balance)
}

func TestCommitDebitAndOrder_RollsBackOnPartialFailure(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seed(t, s, "p1", 10000)

	// GIVEN: the item insert fails after the wallet row was already updated
	_, err := s.DB().ExecContext(ctx, `DROP TABLE order_items`)
	require.NoError(t, err)

	_, err = s.CommitDebitAndOrder(ctx, "p1", w.Revision, 5000, newOrder("k1", 5000))
	require.Error(t, err)

	after, err := s.ReadWallet(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, w, after)

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM orders`).Scan(&n))
	assert.Zero(t, n)
}

func TestCommitCredit_DuplicateReference(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seed(t, s, "p1", 1000)

	_, err := s.CommitCredit(ctx, "p1", w.Revision, 1000, "seed-p1", time.Now())
	assert.ErrorIs(t, err, orders.ErrDuplicateReference)

	e, err := s.FindEntryByReference(ctx, "seed-p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), e.Amount)
}

func TestCommitCancellation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seed(t, s, "p1", 10000)
	w, err := s.CommitDebitAndOrder(ctx, "p1", w.Revision, 4000, newOrder("k1", 4000))
	require.NoError(t, err)

	after, err := s.CommitCancellation(ctx, "p1", w.Revision, "o-k1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(10000), after.Balance)

	o, err := s.GetOrder(ctx, "o-k1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	require.NotNil(t, o.CancelledAt)

	_, err = s.CommitCancellation(ctx, "p1", after.Revision, "o-k1", time.Now())
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	_, err = s.CommitCancellation(ctx, "p1", after.Revision, "missing", time.Now())
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	qty, err := s.OrderedQuantities(ctx, "kid", monday)
	require.NoError(t, err)
	assert.Empty(t, qty)
}

func TestUpdateOrderStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seed(t, s, "p1", 10000)
	_, err := s.CommitDebitAndOrder(ctx, "p1", w.Revision, 1000, newOrder("k1", 1000))
	require.NoError(t, err)

	require.NoError(t, s.UpdateOrderStatus(ctx, "o-k1", orders.StatusConfirmed, orders.StatusCompleted))
	assert.ErrorIs(t, s.UpdateOrderStatus(ctx, "o-k1", orders.StatusConfirmed, orders.StatusCompleted), orders.ErrInvalidTransition)
	assert.ErrorIs(t, s.UpdateOrderStatus(ctx, "nope", orders.StatusConfirmed, orders.StatusCompleted), orders.ErrOrderNotFound)

	list, err := s.ListOrders(ctx, "p1", monday, monday)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, orders.StatusCompleted, list[0].Status)
}

func TestConcurrentDebitsKeepBalanceConsistent(t *testing.T) {
	// a file database so that writers really run on separate connections
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	seed(t, s, "p1", 50000)

	var debited atomic.Int64
	g := new(errgroup.Group)
	for i := range 20 {
		g.Go(func() error {
			ctx := context.Background()
			for attempt := 0; attempt < 50; attempt++ {
				w, err := s.ReadWallet(ctx, "p1")
				if err != nil {
					return err
				}
				if w.Balance < 5000 {
					return nil
				}
				_, err = s.CommitDebitAndOrder(ctx, "p1", w.Revision, 5000, newOrder(fmt.Sprintf("k%d", i), 5000))
				if err == nil {
					debited.Add(5000)
					return nil
				}
				if !errors.Is(err, orders.ErrRevisionConflict) {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	w, err := s.ReadWallet(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), w.Balance+debited.Load())
	assert.GreaterOrEqual(t, w.Balance, int64(0))

	entries, err := s.ListEntries(context.Background(), "p1", 0)
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.Signed()
	}
	assert.Equal(t, w.Balance, sum)
	assert.Equal(t, w.Revision, int64(len(entries)))
}
