// Package events provides event publishing functionality.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-turn-service/internal/models"
	"speech-turn-service/internal/observability/metrics"
)

// Validator checks a payload before it is published.
type Validator interface {
	Validate(eventType string, event any) error
}

// Publisher publishes conversation events to separate Kafka topics.
type Publisher struct {
	writerMessages  *kafka.Writer
	writerTurns     *kafka.Writer
	writerDecisions *kafka.Writer
	principal       string
	topicMessages   string
	topicTurns      string
	topicDecisions  string
	enabled         bool
	validator       Validator
	metrics         *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers        []string
	TopicMessages  string
	TopicTurns     string
	TopicDecisions string
	Principal      string
	Enabled        bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithValidator validates every event before it is published. Invalid events
// are rejected and never reach Kafka.
func WithValidator(v Validator) Option {
	return func(p *Publisher) { p.validator = v }
}

// New creates a new Kafka event publisher with one topic per event family.
func New(cfg *Config, opts ...Option) *Publisher {
	p := &Publisher{metrics: metrics.DefaultMetrics}
	for _, opt := range opts {
		opt(p)
	}

	// Handle nil config case
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}

	p.principal = cfg.Principal
	p.topicMessages = cfg.TopicMessages
	p.topicTurns = cfg.TopicTurns
	p.topicDecisions = cfg.TopicDecisions

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Custom dialer with longer timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.writerMessages = newWriter(cfg.TopicMessages)
	p.writerTurns = newWriter(cfg.TopicTurns)
	p.writerDecisions = newWriter(cfg.TopicDecisions)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicMessages", cfg.TopicMessages).
		Str("topicTurns", cfg.TopicTurns).
		Str("topicDecisions", cfg.TopicDecisions).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// PublishMessage publishes an interim or final conversation message.
func (p *Publisher) PublishMessage(ctx context.Context, key string, ev models.ConversationMessage) error {
	return p.publish(ctx, p.writerMessages, p.topicMessages, models.EventTypeMessage, key, ev)
}

// PublishTurn publishes a completed turn.
func (p *Publisher) PublishTurn(ctx context.Context, key string, ev models.TurnCompleted) error {
	return p.publish(ctx, p.writerTurns, p.topicTurns, models.EventTypeTurnCompleted, key, ev)
}

// PublishDecision publishes hold/dispatch telemetry.
func (p *Publisher) PublishDecision(ctx context.Context, key string, ev models.TurnDecision) error {
	return p.publish(ctx, p.writerDecisions, p.topicDecisions, models.EventTypeTurnDecision, key, ev)
}

// publish writes one event to a specific Kafka writer. Events are keyed by
// conversation so a conversation stays ordered within its partition.
func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	if p.validator != nil {
		if err := p.validator.Validate(eventType, event); err != nil {
			log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Event failed schema validation")
			p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
			return err
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	// Log the event
	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
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

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var errs []error
	for name, w := range map[string]*kafka.Writer{
		"messages":  p.writerMessages,
		"turns":     p.writerTurns,
		"decisions": p.writerDecisions,
	} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			log.Error().Err(err).Str("writer", name).Msg("Error closing Kafka writer")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
