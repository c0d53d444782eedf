package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/guard"
	"github.com/ariefcatur/go-canteen-wallet/internal/menu"
	"github.com/ariefcatur/go-canteen-wallet/internal/money"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts   = 3
	DefaultBaseBackoff   = 20 * time.Millisecond
	DefaultCommitTimeout = 5 * time.Second
	MaxBackoff           = time.Second

	// MaxLineQuantity bounds a single line after duplicate lines are merged.
	MaxLineQuantity = 50
)

// Service is the only writer of wallet balances. Each mutation reads the
// wallet, evaluates it, and commits conditioned on the revision it read;
// a revision conflict re-runs the whole read-evaluate-commit cycle.
type Service struct {
	Store       LedgerStore
	Menu        menu.Catalog
	Publisher   Publisher        // optional
	Idempotency IdempotencyCache // optional
	ServiceName string

	Guard         guard.Policy
	MaxAttempts   int
	BaseBackoff   time.Duration
	CommitTimeout time.Duration
	Now           func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

// PlaceOrder debits the parent's wallet and records the order in one atomic
// step. Requests carrying an idempotency key that already committed get the
// original result back without a second debit.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (Placement, error) {
	if err := checkPlaceRequest(req); err != nil {
		return Placement{}, err
	}
	log := zap.L().With(
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("parent_id", req.ParentID),
		zap.String("student_id", req.StudentID))

	if p, ok, err := s.replay(ctx, req); err != nil || ok {
		if ok {
			log.Info("Replaying committed order", zap.String("order_id", p.OrderID))
		}
		return p, err
	}

	m, err := s.Menu.Menu(ctx, req.ServiceDate)
	if err != nil {
		return Placement{}, fmt.Errorf("load menu: %w", err)
	}
	lines, total, err := s.priceLines(m, req)
	if err != nil {
		log.Info("Order rejected by validation", zap.Error(err))
		return Placement{}, err
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			// a concurrent twin with the same key may have won the race
			if p, ok, err := s.replay(ctx, req); err != nil || ok {
				return p, err
			}
		}

		w, err := s.Store.ReadWallet(ctx, req.ParentID)
		if errors.Is(err, ErrWalletNotFound) {
			return Placement{}, fmt.Errorf("parent %s has no provisioned wallet", req.ParentID)
		}
		if err != nil {
			return Placement{}, fmt.Errorf("read wallet: %w", err)
		}
		if err := s.checkDailyCaps(ctx, m, req, lines); err != nil {
			log.Info("Order rejected by daily cap", zap.Error(err))
			return Placement{}, err
		}

		d, err := guard.Evaluate(s.Guard, w.Balance, total)
		if err != nil {
			return Placement{}, fmt.Errorf("evaluate balance guard: %w", err)
		}
		if !d.Admissible() {
			log.Info("Order rejected: insufficient balance",
				zap.Int64("balance", w.Balance),
				zap.Int64("total_cost", total),
				zap.Int64("shortfall", d.Shortfall))
			return Placement{}, &InsufficientBalanceError{
				ParentID:  req.ParentID,
				Balance:   w.Balance,
				Requested: total,
				Shortfall: d.Shortfall,
			}
		}

		order := Order{
			ID:             uuid.NewString(),
			IdempotencyKey: req.IdempotencyKey,
			ParentID:       req.ParentID,
			StudentID:      req.StudentID,
			ServiceDate:    menu.DateOf(req.ServiceDate),
			LineItems:      lines,
			TotalCost:      total,
			Status:         StatusConfirmed,
			CreatedAt:      s.now().UTC(),
		}
		committed, err := s.commit(ctx, func(cctx context.Context) (Wallet, error) {
			return s.Store.CommitDebitAndOrder(cctx, req.ParentID, w.Revision, total, order)
		})
		switch {
		case err == nil:
			order.BalanceAfter = committed.Balance
			log.Info("Order placed",
				zap.String("order_id", order.ID),
				zap.Int64("total_cost", total),
				zap.Int64("new_balance", committed.Balance),
				zap.Int64("revision", committed.Revision),
				zap.Int("attempt", attempt))
			s.afterPlace(ctx, order, committed)
			return placementOf(order), nil

		case errors.Is(err, ErrDuplicateIdempotencyKey):
			p, ok, rerr := s.replay(ctx, req)
			if rerr != nil || ok {
				return p, rerr
			}
			return Placement{}, fmt.Errorf("idempotency key %q reported as duplicate but not found", req.IdempotencyKey)

		case errors.Is(err, ErrRevisionConflict):
			log.Debug("Wallet revision moved, retrying", zap.Int("attempt", attempt), zap.Int64("read_revision", w.Revision))
			if attempt >= s.maxAttempts() {
				log.Warn("Giving up on contended wallet", zap.Int("attempts", attempt))
				return Placement{}, &ConflictError{ParentID: req.ParentID, Attempts: attempt}
			}
			if err := s.backoff(ctx, attempt); err != nil {
				return Placement{}, fmt.Errorf("place order: %w", err)
			}

		default:
			log.Error("Order commit failed", zap.Error(err))
			return Placement{}, fmt.Errorf("commit order: %w", err)
		}
	}
}

func checkPlaceRequest(req PlaceRequest) error {
	switch {
	case req.IdempotencyKey == "":
		return invalid("", "idempotency key is required")
	case req.ParentID == "":
		return invalid("", "parent id is required")
	case req.StudentID == "":
		return invalid("", "student id is required")
	case req.ServiceDate.IsZero():
		return invalid("", "service date is required")
	case len(req.LineItems) == 0:
		return invalid("", "at least one line item is required")
	}
	return nil
}

// priceLines validates the selection against the menu and snapshots prices.
// Duplicate lines for one item are merged, keeping first-seen order.
func (s *Service) priceLines(m menu.Menu, req PlaceRequest) ([]LineItem, int64, error) {
	if err := m.CheckOrderable(req.ServiceDate, s.now()); err != nil {
		return nil, 0, invalid("", "%v", err)
	}

	qty := make(map[string]int, len(req.LineItems))
	order := make([]string, 0, len(req.LineItems))
	for _, in := range req.LineItems {
		if in.MenuItemID == "" {
			return nil, 0, invalid("", "line item without menu item id")
		}
		if in.Quantity <= 0 {
			return nil, 0, invalid(in.MenuItemID, "quantity must be greater than zero")
		}
		if _, seen := qty[in.MenuItemID]; !seen {
			order = append(order, in.MenuItemID)
		}
		qty[in.MenuItemID] += in.Quantity
		if qty[in.MenuItemID] > MaxLineQuantity {
			return nil, 0, invalid(in.MenuItemID, "quantity exceeds %d", MaxLineQuantity)
		}
	}

	lines := make([]LineItem, 0, len(order))
	var total int64
	for _, id := range order {
		it, ok := m.Lookup(id)
		if !ok {
			return nil, 0, invalid(id, "not on the menu")
		}
		if !it.Available {
			return nil, 0, invalid(id, "currently unavailable")
		}
		if !it.ServedOn(req.ServiceDate.Weekday()) {
			return nil, 0, invalid(id, "not served on %s", req.ServiceDate.Weekday())
		}
		if it.DailyCap > 0 && qty[id] > it.DailyCap {
			return nil, 0, invalid(id, "daily limit is %d", it.DailyCap)
		}
		li := LineItem{MenuItemID: id, Name: it.Name, Quantity: qty[id], UnitPrice: it.Price}
		sub, err := money.Mul(li.UnitPrice, li.Quantity)
		if err != nil {
			return nil, 0, invalid(id, "subtotal out of range")
		}
		if total, err = money.Add(total, sub); err != nil {
			return nil, 0, invalid("", "order total out of range")
		}
		lines = append(lines, li)
	}
	if total <= 0 {
		return nil, 0, invalid("", "order total must be greater than zero")
	}
	return lines, total, nil
}

// checkDailyCaps counts what the student already has for the service date.
// It runs on every attempt: a concurrent order for the same student moves
// the wallet revision, so a stale count can never commit.
func (s *Service) checkDailyCaps(ctx context.Context, m menu.Menu, req PlaceRequest, lines []LineItem) error {
	capped := false
	for _, li := range lines {
		if it, _ := m.Lookup(li.MenuItemID); it.DailyCap > 0 {
			capped = true
			break
		}
	}
	if !capped {
		return nil
	}
	have, err := s.Store.OrderedQuantities(ctx, req.StudentID, menu.DateOf(req.ServiceDate))
	if err != nil {
		return fmt.Errorf("load ordered quantities: %w", err)
	}
	for _, li := range lines {
		it, _ := m.Lookup(li.MenuItemID)
		if it.DailyCap > 0 && have[li.MenuItemID]+li.Quantity > it.DailyCap {
			return invalid(li.MenuItemID, "daily limit is %d, already ordered %d", it.DailyCap, have[li.MenuItemID])
		}
	}
	return nil
}

func placementOf(o Order) Placement {
	return Placement{OrderID: o.ID, TotalCost: o.TotalCost, NewBalance: o.BalanceAfter, Status: o.Status}
}

// replay returns the committed result for req's idempotency key, if any.
func (s *Service) replay(ctx context.Context, req PlaceRequest) (Placement, bool, error) {
	o, err := s.lookupKey(ctx, req.IdempotencyKey)
	if errors.Is(err, ErrOrderNotFound) {
		return Placement{}, false, nil
	}
	if err != nil {
		return Placement{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if o.ParentID != req.ParentID {
		return Placement{}, false, invalid("", "idempotency key %q was used by another parent", req.IdempotencyKey)
	}
	p := placementOf(o)
	p.Replayed = true
	return p, true, nil
}

func (s *Service) lookupKey(ctx context.Context, key string) (Order, error) {
	if s.Idempotency != nil {
		id, ok, err := s.Idempotency.Lookup(ctx, key)
		if err != nil {
			zap.L().Warn("Idempotency cache lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		} else if ok {
			if o, err := s.Store.GetOrder(ctx, id); err == nil {
				return o, nil
			}
		}
	}
	return s.Store.FindOrderByIdempotencyKey(ctx, key)
}

// commit runs fn detached from the caller's cancellation: once a commit
// starts it finishes or aborts on its own terms.
func (s *Service) commit(ctx context.Context, fn func(context.Context) (Wallet, error)) (Wallet, error) {
	timeout := s.CommitTimeout
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return fn(cctx)
}

// backoff sleeps base*2^(attempt-1), capped at MaxBackoff, plus up to the
// same again in jitter.
func (s *Service) backoff(ctx context.Context, attempt int) error {
	d := s.BaseBackoff
	if d <= 0 {
		d = DefaultBaseBackoff
	}
	for i := 1; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, MaxBackoff)
	d += rand.N(d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) afterPlace(ctx context.Context, o Order, w Wallet) {
	ctx = context.WithoutCancel(ctx)
	if s.Idempotency != nil {
		if err := s.Idempotency.Remember(ctx, o.IdempotencyKey, o.ID); err != nil {
			zap.L().Warn("Failed to cache idempotency key", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	s.publish(ctx, TopicOrderPlaced, EventOrderPlaced, o.ParentID, o.ID, OrderPlacedPayload{
		BalanceChange: BalanceChange{ParentID: o.ParentID, NewBalance: w.Balance, Revision: w.Revision},
		OrderID:       o.ID,
		StudentID:     o.StudentID,
		ServiceDate:   menu.FormatDate(o.ServiceDate),
		Items:         o.LineItems,
		TotalCost:     o.TotalCost,
	})
}

func (s *Service) publish(ctx context.Context, topic, eventType, key, correlationID string, payload any) {
	if s.Publisher == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("Failed to encode event payload", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    s.now().UTC(),
		Producer:      s.ServiceName,
		TraceID:       TraceID(ctx),
		CorrelationID: correlationID,
		Payload:       body,
	}
	value, err := json.Marshal(env)
	if err != nil {
		zap.L().Error("Failed to encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := s.Publisher.Publish(ctx, topic, PartitionKey(key), value); err != nil {
		zap.L().Warn("Failed to publish event",
			zap.String("topic", topic),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
}

type traceKey struct{}

// WithTraceID attaches the request id that ends up in published envelopes.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
