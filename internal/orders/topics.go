package orders

const (
	TopicOrderPlaced    = "order.placed"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderCompleted = "order.completed"
	TopicWalletCredited = "wallet.credited"
)

// WalletTopics carry a BalanceChange in their payload.
var WalletTopics = []string{TopicOrderPlaced, TopicOrderCancelled, TopicWalletCredited}

// Partition key = parent_id, supaya semua event satu wallet tetap berurutan.
func PartitionKey(parentID string) []byte { return []byte(parentID) }
