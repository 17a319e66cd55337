// Package events publishes training-pipeline lifecycle events to Kafka so
// downstream consumers (dashboards, the world simulation, alerting) can follow
// batch and model-version progress without polling the API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Envelope is the wire form of every pipeline event.
type Envelope struct {
	ID        string      `json:"id"`
	EventType string      `json:"eventType"`
	LineageID string      `json:"lineageId"`
	Payload   interface{} `json:"payload"`
	Ts        time.Time   `json:"ts"`
}

type ProducerConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic pipeline events are written to.
	Topic string

	// LineageID is stamped on every envelope and used as the message key,
	// so events for one lineage stay ordered within a partition.
	LineageID string

	// MaxAttempts is how many times a write is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// Producer wraps a kafka-go Writer with retry behavior suited to fire-and-log
// event publishing: the orchestrator treats emit failures as non-fatal.
type Producer struct {
	writer      *kafka.Writer
	lineageID   string
	maxAttempts int
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &Producer{
		writer:      w,
		lineageID:   cfg.LineageID,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// Emit wraps the payload in an envelope and writes it, retrying transient
// failures with capped exponential backoff.
func (p *Producer) Emit(ctx context.Context, eventType string, payload interface{}) error {
	env := Envelope{
		ID:        uuid.New().String(),
		EventType: eventType,
		LineageID: p.lineageID,
		Payload:   payload,
		Ts:        time.Now().UTC(),
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, kafka.Message{
			Key:   []byte(p.lineageID),
			Value: value,
			Time:  env.Ts,
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("emit %s: %w", eventType, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("emit %s failed after %d attempts: %w", eventType, p.maxAttempts, lastErr)
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
