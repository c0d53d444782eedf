package redisx

import "time"

const (
	// Idempotency place order: idem:order:place:{idempotency_key} -> order_id
	KeyIdemOrderPlace = "idem:order:place:%s"

	// Balance snapshot per parent: hash wallet_balance:{parent_id} -> balance, revision, updated_at
	KeyWalletBalance = "wallet_balance:%s"

	// Pub/sub channel carrying snapshot updates: wallet_balance_updates:{parent_id}
	ChannelWalletBalance = "wallet_balance_updates:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLSnapshot    = 7 * 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
