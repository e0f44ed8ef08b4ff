package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher captures token-lifecycle audit events. Emit must never block the
// caller or propagate failures; auditing is observability, not control flow.
type Publisher interface {
	Emit(event Event)
}

// NopPublisher drops every event; used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Emit(Event) {}

// KafkaPublisher buffers events on a channel and drains them to Kafka from a
// background worker, so transport callbacks never wait on the broker.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
	inbox  chan Event
}

// NewKafkaPublisher connects to the given seed brokers. Run must be started
// for events to drain.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{
		client: client,
		topic:  topic,
		logger: logger,
		inbox:  make(chan Event, 256),
	}, nil
}

// Emit enqueues the event. A full buffer drops the event with a warning
// rather than blocking the session layer.
func (p *KafkaPublisher) Emit(event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("audit buffer full, event dropped", "type", string(event.Type), "user_id", event.UserID)
	}
}

// Run drains the inbox until ctx is cancelled, then flushes and closes the
// client.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.client.Flush(flushCtx)
		p.client.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-p.inbox:
			p.produce(ctx, event)
		}
	}
}

func (p *KafkaPublisher) produce(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal audit event", "error", err)
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.UserID),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("audit publish failed", "type", string(event.Type), "error", err)
		}
	})
}
