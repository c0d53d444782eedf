package orders_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/memstore"
	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPlaceOrder_ExactBalanceLeavesZero(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 10000)

	p, err := f.svc.PlaceOrder(context.Background(), placeReq("k1", "p1", line("lunch", 2)))
	require.NoError(t, err)

	assert.Equal(t, int64(10000), p.TotalCost)
	assert.Equal(t, int64(0), p.NewBalance)
	assert.Equal(t, orders.StatusConfirmed, p.Status)
	assert.Equal(t, int64(0), f.balance(t, "p1"))

	o, err := f.svc.Order(context.Background(), p.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "p1-kid", o.StudentID)
	require.Len(t, o.LineItems, 1)
	assert.Equal(t, int64(5000), o.LineItems[0].UnitPrice)
	assert.Equal(t, 1, f.pub.count(orders.TopicOrderPlaced))
}

func TestPlaceOrder_OneCentShort(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 9999)

	_, err := f.svc.PlaceOrder(context.Background(), placeReq("k1", "p1", line("lunch", 2)))
	require.Error(t, err)

	assert.Equal(t, orders.KindInsufficientBalance, orders.KindOf(err))
	shortfall, ok := orders.Shortfall(err)
	require.True(t, ok)
	assert.Equal(t, int64(1), shortfall)

	// nothing changed
	assert.Equal(t, int64(9999), f.balance(t, "p1"))
	_, err = f.svc.OrderByKey(context.Background(), "k1")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	assert.Equal(t, 0, f.pub.count(orders.TopicOrderPlaced))
}

func TestPlaceOrder_ConcurrentOrdersCannotOverdraw(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 6000)

	// GIVEN: both requests read the same balance before either commits
	var arrived sync.WaitGroup
	arrived.Add(2)
	var calls atomic.Int32
	f.store.BeforeCommit = func(string) {
		if calls.Add(1) <= 2 {
			arrived.Done()
			arrived.Wait()
		}
	}

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.PlaceOrder(context.Background(), placeReq(fmt.Sprintf("k%d", i), "p1", line("combo", 1)))
		}()
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case orders.KindOf(err) == orders.KindInsufficientBalance:
			short++
			sf, _ := orders.Shortfall(err)
			assert.Equal(t, int64(6000), sf)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, int64(0), f.balance(t, "p1"))
}

func TestPlaceOrder_ReplayReturnsOriginalResult(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 20000)
	ctx := context.Background()

	first, err := f.svc.PlaceOrder(ctx, placeReq("k1", "p1", line("lunch", 1)))
	require.NoError(t, err)
	second, err := f.svc.PlaceOrder(ctx, placeReq("k1", "p1", line("lunch", 1)))
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	second.Replayed = false
	assert.Equal(t, first, second)
	assert.Equal(t, int64(15000), f.balance(t, "p1"))
	assert.Equal(t, 1, f.pub.count(orders.TopicOrderPlaced))
}

func TestPlaceOrder_ConcurrentTwinsDebitOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 20000)
	f.svc.MaxAttempts = 10

	var (
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	g, ctx := errgroup.WithContext(context.Background())
	for range 8 {
		g.Go(func() error {
			p, err := f.svc.PlaceOrder(ctx, placeReq("same-key", "p1", line("lunch", 1)))
			if err != nil {
				return err
			}
			mu.Lock()
			ids[p.OrderID] = true
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, ids, 1)
	assert.Equal(t, int64(15000), f.balance(t, "p1"))
}

func TestPlaceOrder_KeyOwnedByAnotherParent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 10000)
	f.fund(t, "p2", 10000)
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, placeReq("k1", "p1", line("lunch", 1)))
	require.NoError(t, err)

	_, err = f.svc.PlaceOrder(ctx, placeReq("k1", "p2", line("lunch", 1)))
	assert.Equal(t, orders.KindInvalidMenuSelection, orders.KindOf(err))
	assert.Equal(t, int64(10000), f.balance(t, "p2"))
}

func TestPlaceOrder_RejectsInvalidSelections(t *testing.T) {
	tests := []struct {
		name  string
		req   func() orders.PlaceRequest
		clock time.Time
	}{
		{"unknown item", func() orders.PlaceRequest { return placeReq("k", "p1", line("adobo", 1)) }, sundayMorning},
		{"unavailable item", func() orders.PlaceRequest { return placeReq("k", "p1", line("soup", 1)) }, sundayMorning},
		{"not served that day", func() orders.PlaceRequest { return placeReq("k", "p1", line("fish", 1)) }, sundayMorning},
		{"zero quantity", func() orders.PlaceRequest { return placeReq("k", "p1", line("lunch", 0)) }, sundayMorning},
		{"no lines", func() orders.PlaceRequest { return placeReq("k", "p1") }, sundayMorning},
		{"missing key", func() orders.PlaceRequest { return placeReq("", "p1", line("lunch", 1)) }, sundayMorning},
		{"over daily cap", func() orders.PlaceRequest { return placeReq("k", "p1", line("snack", 2), line("snack", 1)) }, sundayMorning},
		{"past cutoff", func() orders.PlaceRequest { return placeReq("k", "p1", line("lunch", 1)) }, sundayMorning.Add(4 * time.Hour)},
		{"closed day", func() orders.PlaceRequest {
			r := placeReq("k", "p1", line("lunch", 1))
			r.ServiceDate = monday.AddDate(0, 0, 5) // Saturday
			return r
		}, sundayMorning},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.fund(t, "p1", 100000)
			f.now = tc.clock

			_, err := f.svc.PlaceOrder(context.Background(), tc.req())
			require.Error(t, err)
			assert.Equal(t, orders.KindInvalidMenuSelection, orders.KindOf(err))
			assert.Equal(t, int64(100000), f.balance(t, "p1"))
		})
	}
}

func TestPlaceOrder_FridayOnlyItemOnFriday(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 10000)

	req := placeReq("k1", "p1", line("fish", 1))
	req.ServiceDate = friday
	p, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(4500), p.NewBalance)
}

func TestPlaceOrder_DailyCapSpansOrders(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 10000)
	ctx := context.Background()

	first, err := f.svc.PlaceOrder(ctx, placeReq("k1", "p1", line("snack", 2)))
	require.NoError(t, err)

	_, err = f.svc.PlaceOrder(ctx, placeReq("k2", "p1", line("snack", 1)))
	assert.Equal(t, orders.KindInvalidMenuSelection, orders.KindOf(err))

	// cancelled orders no longer count toward the cap
	_, err = f.svc.CancelOrder(ctx, "p1", first.OrderID)
	require.NoError(t, err)
	_, err = f.svc.PlaceOrder(ctx, placeReq("k3", "p1", line("snack", 1)))
	assert.NoError(t, err)
}

func TestPlaceOrder_StoreFailureLeavesNothing(t *testing.T) {
	for _, stage := range []string{memstore.StageAfterDebit, memstore.StageAfterOrder} {
		t.Run(stage, func(t *testing.T) {
			f := newFixture(t)
			f.fund(t, "p1", 10000)
			f.store.Fault = func(s string) error {
				if s == stage {
					return memstore.ErrInjected
				}
				return nil
			}

			_, err := f.svc.PlaceOrder(context.Background(), placeReq("k1", "p1", line("lunch", 1)))
			require.Error(t, err)
			assert.Equal(t, orders.KindInternal, orders.KindOf(err))
			assert.ErrorIs(t, err, memstore.ErrInjected)

			assert.Equal(t, int64(10000), f.balance(t, "p1"))
			_, err = f.svc.OrderByKey(context.Background(), "k1")
			assert.ErrorIs(t, err, orders.ErrOrderNotFound)

			rec, err := f.svc.Reconcile(context.Background(), "p1")
			require.NoError(t, err)
			assert.True(t, rec.OK)
			assert.Equal(t, 1, rec.Entries)
		})
	}
}

// alwaysConflicting loses every revision race.
type alwaysConflicting struct {
	*memstore.Store
	commits atomic.Int32
}

func (s *alwaysConflicting) CommitDebitAndOrder(context.Context, string, int64, int64, orders.Order) (orders.Wallet, error) {
	s.commits.Add(1)
	return orders.Wallet{}, orders.ErrRevisionConflict
}

func TestPlaceOrder_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 10000)
	store := &alwaysConflicting{Store: f.store}
	f.svc.Store = store

	_, err := f.svc.PlaceOrder(context.Background(), placeReq("k1", "p1", line("lunch", 1)))
	require.Error(t, err)
	assert.Equal(t, orders.KindConflict, orders.KindOf(err))

	var ce *orders.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, orders.DefaultMaxAttempts, ce.Attempts)
	assert.Equal(t, int32(orders.DefaultMaxAttempts), store.commits.Load())
	assert.Equal(t, int64(10000), f.balance(t, "p1"))
}

func TestPlaceOrder_MissingWalletIsInternal(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), placeReq("k1", "ghost", line("lunch", 1)))
	require.Error(t, err)
	assert.Equal(t, orders.KindInternal, orders.KindOf(err))
}

func TestPlaceOrder_BalanceInvariantUnderLoad(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 100000)
	f.svc.MaxAttempts = 8

	var placed atomic.Int64
	g := new(errgroup.Group)
	for i := range 30 {
		g.Go(func() error {
			p, err := f.svc.PlaceOrder(context.Background(), placeReq(fmt.Sprintf("load-%d", i), "p1", line("lunch", 1)))
			switch orders.KindOf(err) {
			case "":
				placed.Add(p.TotalCost)
			case orders.KindInsufficientBalance, orders.KindConflict:
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	bal := f.balance(t, "p1")
	assert.GreaterOrEqual(t, bal, int64(0))
	assert.Equal(t, int64(100000), bal+placed.Load())

	rec, err := f.svc.Reconcile(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, rec.OK)
}

func TestPlaceOrder_EventCarriesBalanceChange(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 10000)

	ctx := orders.WithTraceID(context.Background(), "req-42")
	p, err := f.svc.PlaceOrder(ctx, placeReq("k1", "p1", line("lunch", 1)))
	require.NoError(t, err)

	f.pub.mu.Lock()
	raw := f.pub.values[len(f.pub.values)-1]
	f.pub.mu.Unlock()

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, orders.EventOrderPlaced, env.EventType)
	assert.Equal(t, "req-42", env.TraceID)
	assert.Equal(t, p.OrderID, env.CorrelationID)

	var payload orders.OrderPlacedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, int64(5000), payload.NewBalance)
	assert.Equal(t, int64(2), payload.Revision)
}

type mapCache struct {
	mu   sync.Mutex
	keys map[string]string
}

func (c *mapCache) Lookup(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.keys[key]
	return id, ok, nil
}

func (c *mapCache) Remember(_ context.Context, key, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = orderID
	return nil
}

func TestPlaceOrder_IdempotencyCache(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "p1", 10000)
	cache := &mapCache{keys: map[string]string{"stale": "no-such-order"}}
	f.svc.Idempotency = cache
	ctx := context.Background()

	p, err := f.svc.PlaceOrder(ctx, placeReq("k1", "p1", line("lunch", 1)))
	require.NoError(t, err)
	assert.Equal(t, p.OrderID, cache.keys["k1"])

	// a cache entry pointing nowhere falls back to the store
	_, err = f.svc.PlaceOrder(ctx, placeReq("stale", "p1", line("lunch", 1)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, "p1"))
}
