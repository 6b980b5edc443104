// Package eventbus is the Kafka-backed transport the outbox poller
// publishes to and the risk-engine worker consumes from. Topics are keyed
// by event type so consumer groups can subscribe to the subset they care
// about; partitioning is by org_id to keep one org's events ordered.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
)

const topicPrefix = "risk-engine.events."

// TopicFor returns the Kafka topic an event type publishes to.
func TopicFor(eventType string) string {
	return topicPrefix + eventType
}

// Producer publishes outbox entries to the event bus.
type Producer struct {
	client sarama.SyncProducer
}

// NewProducer dials the configured Kafka brokers and returns a producer
// that waits for leader acknowledgement before returning, matching the
// outbox poller's at-least-once contract.
func NewProducer(cfg configs.KafkaConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0

	client, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return &Producer{client: client}, nil
}

// Publish sends a message keyed by orgID (for per-org ordering) to the topic
// for eventType.
func (p *Producer) Publish(ctx context.Context, eventType, orgID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event bus payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: TopicFor(eventType),
		Key:   sarama.StringEncoder(orgID),
		Value: sarama.ByteEncoder(body),
	}

	_, _, err = p.client.SendMessage(msg)
	return err
}

// Close releases the underlying Kafka connection.
func (p *Producer) Close() error {
	return p.client.Close()
}

// Handler processes one consumed message. Returning an error leaves the
// message unacknowledged so the consumer group redelivers it.
type Handler func(ctx context.Context, key string, value []byte) error

// Consumer wraps a sarama consumer group with the same graceful-shutdown
// shape the teacher's worker pool uses: Start blocks until the context is
// cancelled, at which point the consume loop exits.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler Handler
}

// NewConsumer joins groupID and subscribes to topics, invoking handler for
// every message. Connection is retried with backoff since Kafka may still be
// starting when this process does.
func NewConsumer(cfg configs.KafkaConfig, groupID string, topics []string, handler Handler) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	var group sarama.ConsumerGroup
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		group, err = sarama.NewConsumerGroup(cfg.Brokers, groupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("event bus consumer group connect failed, retrying")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group after retries: %w", err)
	}

	return &Consumer{group: group, topics: topics, handler: handler}, nil
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if err := c.group.Consume(ctx, c.topics, &consumerGroupHandler{handler: c.handler}); err != nil {
			log.Error().Err(err).Msg("event bus consume error")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close releases the underlying consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler Handler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handler(session.Context(), string(msg.Key), msg.Value); err != nil {
				log.Error().Err(err).Str("topic", msg.Topic).Msg("event bus handler failed")
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
