package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is a read-model copy of a wallet balance. It is never consulted
// when deciding whether a debit is allowed.
type Snapshot struct {
	ParentID  string    `json:"parentId"`
	Balance   int64     `json:"balance"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Events can arrive out of order; only a newer revision overwrites.
var applySnapshot = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'revision')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'revision', ARGV[2], 'updated_at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

type Snapshots struct {
	Client *redis.Client
}

// Apply stores s if it is newer than what is cached and, when it is,
// announces it on the parent's channel.
func (b *Snapshots) Apply(ctx context.Context, s Snapshot) (bool, error) {
	key := fmt.Sprintf(KeyWalletBalance, s.ParentID)
	n, err := applySnapshot.Run(ctx, b.Client, []string{key},
		s.Balance, s.Revision, s.UpdatedAt.UTC().Format(time.RFC3339Nano), int(TTLSnapshot.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("apply balance snapshot: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	msg, err := json.Marshal(s)
	if err != nil {
		return true, err
	}
	if err := b.Client.Publish(ctx, fmt.Sprintf(ChannelWalletBalance, s.ParentID), msg).Err(); err != nil {
		return true, fmt.Errorf("publish balance snapshot: %w", err)
	}
	return true, nil
}

func (b *Snapshots) Get(ctx context.Context, parentID string) (Snapshot, bool, error) {
	h, err := b.Client.HGetAll(ctx, fmt.Sprintf(KeyWalletBalance, parentID)).Result()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(h) == 0 {
		return Snapshot{}, false, nil
	}
	s := Snapshot{ParentID: parentID}
	if s.Balance, err = strconv.ParseInt(h["balance"], 10, 64); err != nil {
		return Snapshot{}, false, fmt.Errorf("corrupt snapshot for %s: %w", parentID, err)
	}
	if s.Revision, err = strconv.ParseInt(h["revision"], 10, 64); err != nil {
		return Snapshot{}, false, fmt.Errorf("corrupt snapshot for %s: %w", parentID, err)
	}
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	return s, true, nil
}

// Subscribe streams snapshot updates for one parent. Callers must Close
// the returned subscription.
func (b *Snapshots) Subscribe(ctx context.Context, parentID string) *redis.PubSub {
	return b.Client.Subscribe(ctx, fmt.Sprintf(ChannelWalletBalance, parentID))
}
