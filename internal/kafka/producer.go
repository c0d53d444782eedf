package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // key = parent_id, so one wallet stays on one partition
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					zap.L().Warn("Kafka write failed", zap.String("topic", topic), zap.Int("messages", len(msgs)), zap.Error(err))
				}
			},
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start runs the writer loop until Close is called and the inbox is drained.
func (p *Producer) Start() {
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			if err := p.w.WriteMessages(context.Background(), m); err != nil {
				zap.L().Warn("Kafka enqueue failed", zap.String("topic", p.w.Topic), zap.Error(err))
			}
		}
		if err := p.w.Close(); err != nil {
			zap.L().Warn("Kafka writer close failed", zap.String("topic", p.w.Topic), zap.Error(err))
		}
	}()
}

// Publish queues a message. It blocks while the inbox is full, up to ctx.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	m := kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case p.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tutup channel supaya goroutine nge-flush sisa pesan lalu exit rapi.
func (p *Producer) Close() { close(p.inbox) }

// Tunggu sampai goroutine selesai.
func (p *Producer) WaitClosed() { <-p.closeCh }

// Topics routes events to one Producer per topic.
type Topics map[string]*Producer

func NewTopics(brokers []string, topics []string, buf int) Topics {
	t := make(Topics, len(topics))
	for _, name := range topics {
		p := NewProducer(brokers, name, buf)
		p.Start()
		t[name] = p
	}
	return t
}

func (t Topics) Publish(ctx context.Context, topic string, key, value []byte) error {
	p, ok := t[topic]
	if !ok {
		return fmt.Errorf("no producer for topic %q", topic)
	}
	return p.Publish(ctx, key, value, kafka.Header{Key: "x-event-version", Value: []byte("1")})
}

// Close flushes every producer and waits for them to finish.
func (t Topics) Close() {
	for _, p := range t {
		p.Close()
	}
	for _, p := range t {
		p.WaitClosed()
	}
}
