package orders_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/memstore"
	"github.com/ariefcatur/go-canteen-wallet/internal/menu"
	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/stretchr/testify/require"
)

var (
	// Sunday morning; ordering for Monday closes Sunday at noon.
	sundayMorning = time.Date(2026, time.October, 18, 8, 0, 0, 0, time.UTC)
	monday        = time.Date(2026, time.October, 19, 0, 0, 0, 0, time.UTC)
	friday        = time.Date(2026, time.October, 23, 0, 0, 0, 0, time.UTC)
)

func testMenu() menu.Menu {
	weekdays := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	return menu.Menu{
		Calendar: menu.Calendar{OrderableDays: weekdays, LeadTime: 12 * time.Hour},
		Items: map[string]menu.Item{
			"lunch": {ID: "lunch", Name: "Lunch Set", Price: 5000, Available: true},
			"combo": {ID: "combo", Name: "Combo Meal", Price: 6000, Available: true},
			"snack": {ID: "snack", Name: "Banana Cue", Price: 1000, DailyCap: 2, Available: true},
			"soup":  {ID: "soup", Name: "Sinigang", Price: 3000, Available: false},
			"fish":  {ID: "fish", Name: "Fish Fillet", Price: 5500, Days: []time.Weekday{time.Friday}, Available: true},
		},
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	values [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *orders.Service
	store *memstore.Store
	pub   *recordingPublisher
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), pub: &recordingPublisher{}, now: sundayMorning}
	f.svc = &orders.Service{
		Store:       f.store,
		Menu:        menu.Static{M: testMenu()},
		Publisher:   f.pub,
		ServiceName: "canteen-test",
		BaseBackoff: time.Millisecond,
		Now:         func() time.Time { return f.now },
	}
	return f
}

// fund provisions the parent's wallet and tops it up to balance.
func (f *fixture) fund(t *testing.T, parentID string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.EnsureWallet(ctx, parentID)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.svc.Topup(ctx, parentID, balance, "seed-"+parentID)
		require.NoError(t, err)
	}
}

func (f *fixture) balance(t *testing.T, parentID string) int64 {
	t.Helper()
	w, err := f.svc.Wallet(context.Background(), parentID)
	require.NoError(t, err)
	return w.Balance
}

func placeReq(key, parentID string, lines ...orders.LineInput) orders.PlaceRequest {
	return orders.PlaceRequest{
		IdempotencyKey: key,
		ParentID:       parentID,
		StudentID:      parentID + "-kid",
		ServiceDate:    monday,
		LineItems:      lines,
	}
}

func line(id string, qty int) orders.LineInput {
	return orders.LineInput{MenuItemID: id, Quantity: qty}
}
