package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is the merge-completed notification published for downstream
// consumers (mart refreshers, registry notifications).
type Event struct {
	LoadRunID   string    `json:"loadRunId"`
	Status      string    `json:"status"`
	DryRun      bool      `json:"dryRun"`
	Dimensions  int       `json:"dimensions"`
	Facts       int       `json:"facts"`
	RowsMerged  int64     `json:"rowsMerged"`
	CompletedAt time.Time `json:"completedAt"`
}

// Publisher emits merge events to a Kafka topic. It is optional: with no
// brokers configured the orchestrator runs without one.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Kafka publisher for merge events.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			// Merge events are rare; batching would only delay them.
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish sends one merge event, keyed by load run so consumers see per-run
// ordering.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize merge event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.LoadRunID),
		Value: payload,
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to publish merge event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close merge event writer: %w", err)
	}

	return nil
}
