package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/bytedance/sonic"

	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/logger"
)

// KafkaBus is a Kafka-based event bus. It lets shard workers on different
// machines report completion to one aggregator.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	client   sarama.Client
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	consumerWg   sync.WaitGroup
	consumerStop chan struct{}
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string // Kafka broker addresses
	ConsumerGroup string   // Consumer group ID
	ClientID      string   // Client identifier
	Version       string   // Kafka version (e.g., "2.8.0")
	// FromOldest makes a new consumer group start at the oldest retained
	// message instead of the newest.
	FromOldest bool
	Logger     *logger.Logger
}

// NewKafkaBus creates a new Kafka-based event bus.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "linkrank"
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.ClientID = cfg.ClientID
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.FromOldest {
		kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Net.DialTimeout = 10 * time.Second
	kafkaConfig.Net.ReadTimeout = 10 * time.Second
	kafkaConfig.Net.WriteTimeout = 10 * time.Second

	client, err := sarama.NewClient(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka client", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka producer", err)
	}

	consumer, err := sarama.NewConsumerGroupFromClient(cfg.ConsumerGroup, client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka consumer group", err)
	}

	return &KafkaBus{
		producer:     producer,
		consumer:     consumer,
		client:       client,
		log:          cfg.Logger,
		handlers:     make(map[string][]Handler),
		consumerStop: make(chan struct{}),
	}, nil
}

// Publish publishes an event to a Kafka topic. Events of one evaluation
// run share a message key, so they stay on one partition in publish order.
func (b *KafkaBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.ServiceUnavailableError("bus")
	}

	data, err := sonic.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
		Key:   sarama.StringEncoder(partitionKey(event)),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
			{Key: []byte("source"), Value: []byte(event.Source)},
		},
	}

	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to kafka", err)
	}
	return nil
}

// Subscribe registers a handler and starts a consumer for topic on the
// first subscription.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ServiceUnavailableError("bus")
	}

	isNewTopic := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handler)

	if isNewTopic {
		b.consumerWg.Add(1)
		go b.consumeTopic(topic)
	}

	return nil
}

func (b *KafkaBus) consumeTopic(topic string) {
	defer b.consumerWg.Done()

	handler := &consumerGroupHandler{bus: b, topic: topic}

	for {
		select {
		case <-b.consumerStop:
			return
		default:
		}

		// blocks until a rebalance or until the consumer is closed
		if err := b.consumer.Consume(context.Background(), []string{topic}, handler); err != nil {
			b.log.Warn("kafka consumer error", "topic", topic, "error", err.Error())
		}

		select {
		case <-b.consumerStop:
			return
		case <-time.After(time.Second):
		}
	}
}

// Close closes the Kafka bus and releases resources.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.consumerStop)

	var errs []error
	if err := b.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer: %w", err))
	}
	b.consumerWg.Wait()

	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if err := b.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()

	if len(errs) > 0 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("errors during close: %v", errs))
	}
	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	bus   *KafkaBus
	topic string
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim dispatches messages from one partition to the topic's
// handlers. Malformed messages are skipped.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg := <-claim.Messages():
			if msg == nil {
				return nil
			}

			var event Event
			if err := sonic.Unmarshal(msg.Value, &event); err != nil {
				h.bus.log.Warn("dropping malformed kafka event", "topic", h.topic, "offset", msg.Offset, "error", err.Error())
				session.MarkMessage(msg, "")
				continue
			}

			h.bus.mu.RLock()
			handlers := h.bus.handlers[h.topic]
			h.bus.mu.RUnlock()

			for _, handler := range handlers {
				if err := handler(session.Context(), event); err != nil {
					h.bus.log.Warn("bus handler failed", "topic", h.topic, "event", event.ID, "error", err.Error())
				}
			}

			session.MarkMessage(msg, "")
		}
	}
}

func partitionKey(event Event) string {
	switch p := event.Payload.(type) {
	case ShardCompleted:
		return p.Run()
	case *ShardCompleted:
		return p.Run()
	}
	return event.ID
}

// ParseKafkaBrokers parses a comma-separated string of Kafka brokers.
// Blank entries are dropped.
func ParseKafkaBrokers(brokersStr string) []string {
	var brokers []string
	for _, b := range strings.Split(brokersStr, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
