package sources

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sourcewatch/shared/kafka"
	"sourcewatch/types"
)

// offsetCommitter is the part of kafka.Consumer the source drives.
type offsetCommitter interface {
	MarkOffset(topic string, partition int32, offset int64)
	Commit()
}

type bufferedNotification struct {
	n         types.RawNotification
	topic     string
	partition int32
	offset    int64
}

type partitionKey struct {
	topic     string
	partition int32
}

// KafkaSource buffers notifications consumed from a topic. Offsets are
// committed only for acknowledged notifications, so anything not yet
// committed by the pipeline is redelivered after a restart.
type KafkaSource struct {
	mu        sync.Mutex
	buffer    map[string]*bufferedNotification
	order     []string
	committed map[partitionKey]int64
	acked     map[partitionKey]int64
	offsets   offsetCommitter
	closer    func() error
	logger    zerolog.Logger
}

// KafkaConfig configures a KafkaSource.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  zerolog.Logger
}

// NewKafkaSource starts a consumer group member on the topic.
func NewKafkaSource(ctx context.Context, cfg KafkaConfig) (*KafkaSource, error) {
	src := newKafkaSource(cfg.Logger)
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		GroupID:      cfg.GroupID,
		Handler:      src.Handler(),
		ManualCommit: true,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		consumer.Close()
		return nil, err
	}
	src.offsets = consumer
	src.closer = consumer.Close
	return src, nil
}

func newKafkaSource(logger zerolog.Logger) *KafkaSource {
	return &KafkaSource{
		buffer:    make(map[string]*bufferedNotification),
		committed: make(map[partitionKey]int64),
		acked:     make(map[partitionKey]int64),
		logger:    logger.With().Str("component", "kafka-source").Logger(),
	}
}

// Handler decodes RawNotification JSON records into the buffer.
func (k *KafkaSource) Handler() kafka.MessageHandler {
	return &kafka.TypedMessageHandler[types.RawNotification]{
		Validate: func(n *types.RawNotification) bool {
			return n.ID != "" && (n.RawBody != "" || len(n.Links) > 0)
		},
		Process: func(_ context.Context, n *types.RawNotification, meta *kafka.Message) error {
			k.add(*n, meta)
			return nil
		},
		// Marks move forward only, so nothing is marked here: offsets
		// advance through Ack, skipping over invalid records.
		Deferred: true,
		Logger:   k.logger,
	}
}

func (k *KafkaSource) add(n types.RawNotification, meta *kafka.Message) {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now()
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, dup := k.buffer[n.ID]; dup {
		return
	}
	k.buffer[n.ID] = &bufferedNotification{n: n, topic: meta.Topic, partition: meta.Partition, offset: meta.Offset}
	k.order = append(k.order, n.ID)
}

// Pending returns the buffered notifications in arrival order.
func (k *KafkaSource) Pending(_ context.Context) ([]types.RawNotification, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]types.RawNotification, 0, len(k.order))
	for _, id := range k.order {
		out = append(out, k.buffer[id].n)
	}
	return out, nil
}

// Ack drops the notifications from the buffer and commits, per partition,
// the highest acknowledged offset but never past a notification that is
// still buffered.
func (k *KafkaSource) Ack(_ context.Context, ids []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	touched := make(map[partitionKey]struct{})
	for _, id := range ids {
		b, ok := k.buffer[id]
		if !ok {
			continue
		}
		key := partitionKey{b.topic, b.partition}
		if b.offset+1 > k.acked[key] {
			k.acked[key] = b.offset + 1
		}
		touched[key] = struct{}{}
		delete(k.buffer, id)
	}
	if len(touched) == 0 {
		return nil
	}

	remaining := k.order[:0]
	oldest := make(map[partitionKey]int64)
	for _, id := range k.order {
		b, ok := k.buffer[id]
		if !ok {
			continue
		}
		remaining = append(remaining, id)
		key := partitionKey{b.topic, b.partition}
		if cur, seen := oldest[key]; !seen || b.offset < cur {
			oldest[key] = b.offset
		}
	}
	k.order = remaining

	keys := make([]partitionKey, 0, len(touched))
	for key := range touched {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].topic != keys[j].topic {
			return keys[i].topic < keys[j].topic
		}
		return keys[i].partition < keys[j].partition
	})

	marked := false
	for _, key := range keys {
		next := k.acked[key]
		if o, blocked := oldest[key]; blocked && o < next {
			next = o
		}
		if next <= k.committed[key] {
			continue
		}
		k.committed[key] = next
		if k.offsets != nil {
			k.offsets.MarkOffset(key.topic, key.partition, next)
			marked = true
		}
	}
	if marked {
		k.offsets.Commit()
	}
	return nil
}

func (k *KafkaSource) Close() error {
	if k.closer != nil {
		return k.closer()
	}
	return nil
}
