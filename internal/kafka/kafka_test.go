package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	payload, err := json.Marshal(orders.WalletCreditedPayload{
		BalanceChange: orders.BalanceChange{ParentID: "p1", NewBalance: 2500, Revision: 3},
		Amount:        2500,
		Reference:     "gcash-1",
	})
	require.NoError(t, err)
	v, err := json.Marshal(orders.Envelope{EventID: "e1", EventType: orders.EventWalletCredited, EventVersion: 1, Payload: payload})
	require.NoError(t, err)

	env, err := DecodeEnvelope(kafka.Message{Value: v})
	require.NoError(t, err)
	assert.Equal(t, "e1", env.EventID)

	bc, err := UnwrapPayload[orders.BalanceChange](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, orders.BalanceChange{ParentID: "p1", NewBalance: 2500, Revision: 3}, bc)

	_, err = DecodeEnvelope(kafka.Message{Topic: "wallet.credited", Offset: 7, Value: []byte("{")})
	assert.ErrorContains(t, err, "wallet.credited/0@7")
}

func TestTopics_UnknownTopic(t *testing.T) {
	err := Topics{}.Publish(context.Background(), "nope", nil, []byte("x"))
	assert.ErrorContains(t, err, `no producer for topic "nope"`)
}

func TestProducer_PublishHonoursContext(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "order.placed", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, []byte("p1"), []byte("x")), context.Canceled)
}
