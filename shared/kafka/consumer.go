package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Message is a consumed record with its position.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// MessageHandler defines the interface for handling consumed messages
type MessageHandler interface {
	// HandleMessage processes a Kafka message and returns whether to mark it as processed
	// If error is returned, the message will not be marked (allowing retry)
	HandleMessage(ctx context.Context, msg *Message) (shouldMark bool, err error)
}

// Consumer handles Kafka message consumption with pluggable message handling
type Consumer struct {
	consumer sarama.ConsumerGroup
	handler  MessageHandler
	topic    string
	groupID  string
	ready    chan bool
	logger   zerolog.Logger

	mu      sync.Mutex
	session sarama.ConsumerGroupSession
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Handler MessageHandler
	// ManualCommit disables offset auto-commit; offsets reach the broker
	// only through Commit.
	ManualCommit bool
	Logger       zerolog.Logger
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(config ConsumerConfig) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_6_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = !config.ManualCommit
	saramaConfig.Consumer.Return.Errors = true

	client, err := sarama.NewConsumerGroup(config.Brokers, config.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		consumer: client,
		handler:  config.Handler,
		topic:    config.Topic,
		groupID:  config.GroupID,
		ready:    make(chan bool),
		logger:   config.Logger.With().Str("component", "kafka").Str("topic", config.Topic).Logger(),
	}, nil
}

// Start begins consuming messages from Kafka. It returns once the first
// session is set up or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		consumer:       c,
		messageHandler: c.handler,
		ready:          c.ready,
	}

	go func() {
		for {
			if err := c.consumer.Consume(ctx, []string{c.topic}, handler); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, sarama.ErrClosedConsumerGroup) {
					c.logger.Info().Msg("kafka consumer stopped")
					return
				}
				c.logger.Error().Err(err).Msg("error from kafka consumer")
			}

			if ctx.Err() != nil {
				return
			}
			handler.ready = make(chan bool)
		}
	}()

	go func() {
		for err := range c.consumer.Errors() {
			c.logger.Error().Err(err).Msg("kafka consumer error")
		}
	}()

	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info().Str("group", c.groupID).Msg("kafka consumer started")
	return nil
}

// MarkOffset records that everything before offset in the partition is
// processed. It is a no-op when no session is active; the messages are then
// redelivered.
func (c *Consumer) MarkOffset(topic string, partition int32, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.MarkOffset(topic, partition, offset, "")
	}
}

// Commit flushes marked offsets to the broker.
func (c *Consumer) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Commit()
	}
}

// Close gracefully shuts down the consumer
func (c *Consumer) Close() error {
	c.logger.Info().Msg("closing kafka consumer")
	return c.consumer.Close()
}

func (c *Consumer) setSession(s sarama.ConsumerGroupSession) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer       *Consumer
	messageHandler MessageHandler
	ready          chan bool
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.setSession(session)
	close(h.ready)
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.setSession(nil)
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages()
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			h.consumer.logger.Debug().
				Int32("partition", message.Partition).
				Int64("offset", message.Offset).
				Str("key", string(message.Key)).
				Msg("received kafka message")

			msg := &Message{
				Topic:     message.Topic,
				Partition: message.Partition,
				Offset:    message.Offset,
				Key:       message.Key,
				Value:     message.Value,
			}
			shouldMark, err := h.messageHandler.HandleMessage(session.Context(), msg)
			if err != nil {
				h.consumer.logger.Error().Err(err).Int64("offset", message.Offset).Msg("failed to handle message")
			}

			if shouldMark {
				session.MarkMessage(message, "")
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

// TypedMessageHandler is a generic helper that handles type conversion
// T is the message type (e.g., RawNotification)
type TypedMessageHandler[T any] struct {
	// Validate checks if the message should be processed
	Validate func(msg *T) bool
	// Process handles the actual message processing
	Process func(ctx context.Context, msg *T, meta *Message) error
	// AlwaysMark determines if messages should be marked even on validation failure
	AlwaysMark bool
	// Deferred leaves marking of successfully processed messages to the
	// owner (see Consumer.MarkOffset).
	Deferred bool
	Logger   zerolog.Logger
}

// HandleMessage implements MessageHandler interface
func (h *TypedMessageHandler[T]) HandleMessage(ctx context.Context, message *Message) (bool, error) {
	var msg T
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		h.Logger.Warn().Err(err).Int64("offset", message.Offset).Msg("failed to unmarshal message")
		return h.AlwaysMark, nil // Mark to skip invalid messages
	}

	// Validate message
	if h.Validate != nil && !h.Validate(&msg) {
		return h.AlwaysMark, nil
	}

	// Process message
	if err := h.Process(ctx, &msg, message); err != nil {
		return false, err // Don't mark - allow retry
	}

	return !h.Deferred, nil
}
