package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes events as JSON to a topic, keyed by node id so
// transitions of one node stay ordered within a partition.
type KafkaSink struct {
	w *kafka.Writer
}

// NewKafkaSink returns nil when brokers is empty.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	if strings.TrimSpace(brokers) == "" {
		return nil
	}
	if topic == "" {
		topic = "orchestrator.events"
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *KafkaSink) Publish(ctx context.Context, evt Event) error {
	if k == nil || k.w == nil {
		return errors.New("kafka sink not configured")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key := evt.NodeID
	if key == "" {
		key = evt.RecordID
	}
	return k.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data})
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	if k == nil || k.w == nil {
		return nil
	}
	return k.w.Close()
}
