package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaTopic = "orchestrator.requests"
	defaultKafkaGroup = "orchestrator"
	defaultPopWait    = 2 * time.Second
	listLimit         = 100
)

// KafkaQueue reads and writes requests on one topic. Pop consumes through a
// consumer group and commits what it returns; Stats and List look at the
// group's committed offsets on every partition, so they describe what is
// still waiting for this group.
type KafkaQueue struct {
	brokers []string
	topic   string
	group   string
	// PopWait bounds how long Pop waits for the first message.
	PopWait time.Duration

	mu     sync.Mutex
	w      *kafka.Writer
	reader *kafka.Reader
}

// NewKafkaQueue constructs a Kafka queue backend. brokers is a comma
// separated list.
func NewKafkaQueue(brokers, topic, group string) *KafkaQueue {
	if topic == "" {
		topic = defaultKafkaTopic
	}
	if group == "" {
		group = defaultKafkaGroup
	}
	return &KafkaQueue{brokers: splitBrokers(brokers), topic: topic, group: group, PopWait: defaultPopWait}
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (k *KafkaQueue) ensure() error {
	if len(k.brokers) == 0 {
		return errors.New("kafka brokers not configured")
	}
	return nil
}

func (k *KafkaQueue) writer() *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.w == nil {
		k.w = &kafka.Writer{
			Addr:         kafka.TCP(k.brokers...),
			Topic:        k.topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 20 * time.Millisecond,
		}
	}
	return k.w
}

func (k *KafkaQueue) groupReader() *kafka.Reader {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reader == nil {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.brokers,
			Topic:       k.topic,
			GroupID:     k.group,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
		})
	}
	return k.reader
}

// Close releases the writer and the group reader.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var errs []error
	if k.w != nil {
		errs = append(errs, k.w.Close())
		k.w = nil
	}
	if k.reader != nil {
		errs = append(errs, k.reader.Close())
		k.reader = nil
	}
	return errors.Join(errs...)
}

// Enqueue keys messages by run id so one run's requests stay ordered.
func (k *KafkaQueue) Enqueue(ctx context.Context, req Request) error {
	if err := k.ensure(); err != nil {
		return err
	}
	req, err := Prepare(req)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return k.writer().WriteMessages(ctx, kafka.Message{Key: []byte(req.RunID), Value: data})
}

// backlog is the unconsumed range [from, to) of one partition.
type backlog struct {
	partition int
	from, to  int64
}

func (k *KafkaQueue) backlogs(ctx context.Context) ([]backlog, error) {
	client := &kafka.Client{Addr: kafka.TCP(k.brokers...), Timeout: 5 * time.Second}
	meta, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{k.topic}})
	if err != nil {
		return nil, fmt.Errorf("kafka metadata: %w", err)
	}
	var ids []int
	for _, t := range meta.Topics {
		if t.Name != k.topic {
			continue
		}
		if t.Error != nil {
			return nil, fmt.Errorf("kafka topic %s: %w", k.topic, t.Error)
		}
		for _, p := range t.Partitions {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Ints(ids)

	reqs := make([]kafka.OffsetRequest, 0, 2*len(ids))
	for _, id := range ids {
		reqs = append(reqs, kafka.FirstOffsetOf(id), kafka.LastOffsetOf(id))
	}
	offs, err := client.ListOffsets(ctx, &kafka.ListOffsetsRequest{Topics: map[string][]kafka.OffsetRequest{k.topic: reqs}})
	if err != nil {
		return nil, fmt.Errorf("kafka offsets: %w", err)
	}
	committed, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{GroupID: k.group, Topics: map[string][]int{k.topic: ids}})
	if err != nil {
		return nil, fmt.Errorf("kafka committed offsets: %w", err)
	}
	done := map[int]int64{}
	for _, p := range committed.Topics[k.topic] {
		if p.Error == nil && p.CommittedOffset >= 0 {
			done[p.Partition] = p.CommittedOffset
		}
	}

	var out []backlog
	for _, p := range offs.Topics[k.topic] {
		if p.Error != nil {
			return nil, fmt.Errorf("kafka partition %d: %w", p.Partition, p.Error)
		}
		from := p.FirstOffset
		if c, ok := done[p.Partition]; ok && c > from {
			from = c
		}
		if p.LastOffset > from {
			out = append(out, backlog{partition: p.Partition, from: from, to: p.LastOffset})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].partition < out[j].partition })
	return out, nil
}

// List peeks at up to 100 waiting requests without consuming them.
func (k *KafkaQueue) List(ctx context.Context) ([]Request, error) {
	if err := k.ensure(); err != nil {
		return nil, err
	}
	logs, err := k.backlogs(ctx)
	if err != nil {
		return nil, err
	}
	items := []Request{}
	for _, b := range logs {
		if len(items) >= listLimit {
			break
		}
		more, err := k.peek(ctx, b, listLimit-len(items))
		if err != nil {
			return items, err
		}
		items = append(items, more...)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].EnqueuedAt < items[j].EnqueuedAt })
	return items, nil
}

func (k *KafkaQueue) peek(ctx context.Context, b backlog, limit int) ([]Request, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: b.partition,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   500 * time.Millisecond,
	})
	defer r.Close()
	if err := r.SetOffset(b.from); err != nil {
		return nil, err
	}
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var items []Request
	for off := b.from; off < b.to && len(items) < limit; off++ {
		m, err := r.ReadMessage(readCtx)
		if err != nil {
			return items, fmt.Errorf("peek partition %d: %w", b.partition, err)
		}
		if req, ok := decodeMessage(m); ok {
			items = append(items, req)
		}
	}
	return items, nil
}

// Clear is not offered: dropping requests would mean moving the group's
// offsets behind the back of running consumers.
func (k *KafkaQueue) Clear(ctx context.Context) error {
	return errors.New("clear not supported for kafka backend")
}

func (k *KafkaQueue) Stats(ctx context.Context) (Stats, error) {
	if err := k.ensure(); err != nil {
		return Stats{}, err
	}
	logs, err := k.backlogs(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, b := range logs {
		stats.Length += int(b.to - b.from)
	}
	return stats, nil
}

// Pop returns up to max requests. It waits at most PopWait for the first
// message and then takes only what is already available; an empty topic
// yields an empty slice.
func (k *KafkaQueue) Pop(ctx context.Context, max int) ([]Request, error) {
	if err := k.ensure(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	wait := k.PopWait
	if wait <= 0 {
		wait = defaultPopWait
	}
	r := k.groupReader()
	var (
		items   []Request
		fetched []kafka.Message
	)
	for len(fetched) < max {
		d := wait
		if len(fetched) > 0 {
			d = 200 * time.Millisecond
		}
		fetchCtx, cancel := context.WithTimeout(ctx, d)
		m, err := r.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(fetched) == 0 {
				return nil, err
			}
			break
		}
		fetched = append(fetched, m)
		if req, ok := decodeMessage(m); ok {
			items = append(items, req)
		}
	}
	if len(fetched) == 0 {
		return nil, nil
	}
	if err := r.CommitMessages(context.WithoutCancel(ctx), fetched...); err != nil {
		return items, fmt.Errorf("commit %d request(s): %w", len(fetched), err)
	}
	return items, nil
}

// decodeMessage skips payloads that are not runnable requests.
func decodeMessage(m kafka.Message) (Request, bool) {
	var req Request
	if err := json.Unmarshal(m.Value, &req); err != nil || req.Empty() {
		return Request{}, false
	}
	if req.EnqueuedAt == 0 && !m.Time.IsZero() {
		req.EnqueuedAt = m.Time.Unix()
	}
	return req, true
}
