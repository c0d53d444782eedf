// Package feed keeps the Redis balance read model in step with committed
// wallet events.
package feed

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-canteen-wallet/internal/kafka"
	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/ariefcatur/go-canteen-wallet/internal/redisx"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type SnapshotStore interface {
	Apply(ctx context.Context, s redisx.Snapshot) (bool, error)
}

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

type Service struct {
	Snapshots SnapshotStore
	Dedup     Deduper // optional
}

// HandleEvent: dipasang sebagai handler consumer untuk semua wallet topic.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	// 1) decode envelope
	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		return err
	}
	switch env.EventType {
	case orders.EventOrderPlaced, orders.EventOrderCancelled, orders.EventWalletCredited:
	default:
		return nil // ignore
	}

	// 2) dedup via Redis (pakai event_id)
	if s.Dedup != nil {
		if seen, err := s.Dedup.Seen(ctx, env.EventID); err == nil && seen {
			return nil
		}
	}

	// 3) every wallet payload embeds the balance change
	bc, err := kafkax.UnwrapPayload[orders.BalanceChange](env.Payload)
	if err != nil {
		return err
	}
	if bc.ParentID == "" {
		return fmt.Errorf("event %s has no parent_id", env.EventID)
	}

	// 4) revision-guarded write, so replays and reordering are harmless
	applied, err := s.Snapshots.Apply(ctx, redisx.Snapshot{
		ParentID:  bc.ParentID,
		Balance:   bc.NewBalance,
		Revision:  bc.Revision,
		UpdatedAt: env.OccurredAt,
	})
	if err != nil {
		return err
	}
	zap.L().Debug("Balance snapshot",
		zap.String("event_type", env.EventType),
		zap.String("parent_id", bc.ParentID),
		zap.Int64("revision", bc.Revision),
		zap.Bool("applied", applied))

	if s.Dedup != nil {
		if err := s.Dedup.MarkSeen(ctx, env.EventID); err != nil {
			zap.L().Warn("Failed to mark event seen", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	return nil
}
