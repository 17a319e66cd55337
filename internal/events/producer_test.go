package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewProducerValidation(t *testing.T) {
	if _, err := NewProducer(ProducerConfig{Topic: "t"}); err == nil {
		t.Fatalf("expected error for missing brokers")
	}
	if _, err := NewProducer(ProducerConfig{Brokers: []string{"k1:9092"}}); err == nil {
		t.Fatalf("expected error for missing topic")
	}

	p, err := NewProducer(ProducerConfig{
		Brokers:   []string{"k1:9092"},
		Topic:     "babylon.training.events",
		LineageID: "babylon-agent",
	})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if p.maxAttempts != 3 {
		t.Fatalf("maxAttempts = %d, want default 3", p.maxAttempts)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEmitStopsOnCancelledContext(t *testing.T) {
	p, err := NewProducer(ProducerConfig{
		Brokers:     []string{"127.0.0.1:1"},
		Topic:       "babylon.training.events",
		LineageID:   "babylon-agent",
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err = p.Emit(ctx, "batch.submitted", map[string]string{"id": "b-1"})
	if err == nil {
		t.Fatalf("expected error from cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Cancellation must short-circuit the backoff schedule, not ride it out.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("emit took %v after cancellation", elapsed)
	}
}

func TestCloseNilSafe(t *testing.T) {
	var p *Producer
	if err := p.Close(); err != nil {
		t.Fatalf("Close on nil producer: %v", err)
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := Envelope{
		ID:        "evt-1",
		EventType: "batch.completed",
		LineageID: "babylon-agent",
		Payload:   map[string]string{"modelVersion": "1.0.0"},
		Ts:        time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "eventType", "lineageId", "payload", "ts"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("envelope missing field %q", key)
		}
	}
	if decoded["eventType"] != "batch.completed" {
		t.Fatalf("eventType = %v", decoded["eventType"])
	}
}
