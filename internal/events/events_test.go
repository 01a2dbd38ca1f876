package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaPublisher(w, "artistsync.import-status", shared.NewLogger(io.Discard))

	st := models.NewImportStatus("artist:7", models.TriggerScheduled, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	st.Stage, st.Progress = models.StageSyncingCore, 20

	require.NoError(t, p.Publish(context.Background(), st))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, st.RunID, string(msg.Key))
	assert.Equal(t, "artist:7", string(msg.Headers[0].Value))

	var event StatusEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, models.StageSyncingCore, event.Stage)
	assert.Equal(t, 20, event.Progress)
	assert.Equal(t, models.TriggerScheduled, event.Trigger)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, "topic", shared.NewLogger(io.Discard))

	err := p.Publish(context.Background(), models.NewImportStatus("artist:1", models.TriggerManual, time.Now()))
	assert.ErrorContains(t, err, "broker down")
}

func TestNew(t *testing.T) {
	t.Run("disabled is a no-op", func(t *testing.T) {
		p, err := New(shared.EventsConfig{}, nil)
		require.NoError(t, err)
		assert.IsType(t, Nop{}, p)
		assert.NoError(t, p.Publish(context.Background(), models.ImportStatus{}))
	})

	t.Run("enabled requires brokers", func(t *testing.T) {
		_, err := New(shared.EventsConfig{Enabled: true, Topic: "t"}, nil)
		assert.ErrorIs(t, err, shared.ErrMissingConfig)
	})

	t.Run("enabled builds a kafka writer", func(t *testing.T) {
		p, err := New(shared.EventsConfig{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "t"}, nil)
		require.NoError(t, err)
		assert.IsType(t, &KafkaPublisher{}, p)
		assert.NoError(t, p.Close())
	})
}
