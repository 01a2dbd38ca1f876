// Package events publishes import status transitions to a Kafka topic.
//
// Publishing is best effort: polling the status store stays the source of truth,
// and a failed publish never fails the run that produced it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/segmentio/kafka-go"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
)

// StatusEvent is the message body written for every status transition.
type StatusEvent struct {
	ImportKey  models.ImportKey `json:"import_key"`
	RunID      string           `json:"run_id"`
	Stage      models.Stage     `json:"stage"`
	Progress   int              `json:"progress"`
	Message    string           `json:"message"`
	Error      string           `json:"error,omitempty"`
	EntityID   string           `json:"entity_id,omitempty"`
	Trigger    models.Trigger   `json:"trigger,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// NewStatusEvent converts a status into its event form.
func NewStatusEvent(st models.ImportStatus) StatusEvent {
	return StatusEvent{
		ImportKey:  st.Key,
		RunID:      st.RunID,
		Stage:      st.Stage,
		Progress:   st.Progress,
		Message:    st.Message,
		Error:      st.Error,
		EntityID:   st.EntityID,
		Trigger:    st.Trigger,
		OccurredAt: st.UpdatedAt,
	}
}

// Publisher emits status transitions.
type Publisher interface {
	Publish(ctx context.Context, st models.ImportStatus) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, models.ImportStatus) error { return nil }
func (Nop) Close() error                                       { return nil }

// messageWriter is the subset of [kafka.Writer] used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per transition, keyed by run id so a run's
// events land on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *log.Logger
}

// NewKafkaPublisher creates a publisher for cfg.Brokers and cfg.Topic.
func NewKafkaPublisher(cfg shared.EventsConfig, logger *log.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: events.brokers is empty", shared.ErrMissingConfig)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: events.topic is empty", shared.ErrMissingConfig)
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg.Topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *log.Logger) *KafkaPublisher {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, st models.ImportStatus) error {
	body, err := json.Marshal(NewStatusEvent(st))
	if err != nil {
		return fmt.Errorf("failed to encode status event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(st.RunID),
		Value: body,
		Time:  st.UpdatedAt,
		Headers: []kafka.Header{
			{Key: "import_key", Value: []byte(st.Key)},
			{Key: "stage", Value: []byte(st.Stage)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}

	p.logger.Debug("status event published", "key", st.Key, "stage", st.Stage)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// New returns a Kafka publisher when events are enabled and a [Nop] otherwise.
func New(cfg shared.EventsConfig, logger *log.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewKafkaPublisher(cfg, logger)
}
