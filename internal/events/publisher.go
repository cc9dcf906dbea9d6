// Package events publishes voice session events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-voice-session-controller/internal/models"
	"ai-voice-session-controller/internal/observability/metrics"
	"ai-voice-session-controller/internal/schema"
)

// Publisher publishes phase transitions and completed turns to separate
// Kafka topics. Without brokers it only logs.
type Publisher struct {
	writerPhase *kafka.Writer
	writerTurn  *kafka.Writer
	principal   string
	topicPhase  string
	topicTurn   string
	enabled     bool
	validator   *schema.Validator
	metrics     *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers    []string
	TopicPhase string
	TopicTurn  string
	Principal  string
	Enabled    bool
}

// New creates a publisher. A nil config, Enabled=false or no brokers
// gives a log-only publisher.
func New(cfg *Config) *Publisher {
	p := &Publisher{
		validator: schema.New(),
		metrics:   metrics.DefaultMetrics,
	}
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}
	p.principal = cfg.Principal
	p.topicPhase = cfg.TopicPhase
	p.topicTurn = cfg.TopicTurn

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerPhase = newWriter(cfg.Brokers, cfg.TopicPhase, transport)
	p.writerTurn = newWriter(cfg.Brokers, cfg.TopicTurn, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPhase", cfg.TopicPhase).
		Str("topicTurn", cfg.TopicTurn).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// PublishPhase publishes a phase transition keyed by conversation so one
// conversation's transitions stay ordered on a partition.
func (p *Publisher) PublishPhase(ctx context.Context, event models.PhaseTransition) error {
	return p.publish(ctx, p.writerPhase, p.topicPhase, event.EventType, event.ConversationID, event)
}

// PublishTurn publishes a completed turn.
func (p *Publisher) PublishTurn(ctx context.Context, event models.TurnCompleted) error {
	return p.publish(ctx, p.writerTurn, p.topicTurn, event.EventType, event.ConversationID, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	if err := p.validator.Validate(event); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Event failed schema validation")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	payload, err := sonic.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerPhase != nil {
		if e := p.writerPhase.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing phase writer")
			err = e
		}
	}
	if p.writerTurn != nil {
		if e := p.writerTurn.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing turn writer")
			err = e
		}
	}
	return err
}
