package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockrecon/backend/internal/domain"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestParseKafkaConfigTrimsBrokers(t *testing.T) {
	cfg := ParseKafkaConfig(" k1:9092, ,k2:9092 ", "stock.adjustments.applied")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, "stock.adjustments.applied", cfg.Topic)
}

func TestKafkaPublisherWritesOneMessagePerRecord(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w, topic: "t"}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := p.PublishApplied(context.Background(), []domain.AuditRecord{
		{ID: "aud-1", AdjustmentRequestID: "acr-1", LineID: "l1", ProductID: "P1", BranchID: "B1", QuantityBefore: 10, QuantityAfter: 7, DecidingUserID: "admin", AppliedAt: at},
		{ID: "aud-2", AdjustmentRequestID: "acr-1", LineID: "l2", ProductID: "P2", BranchID: "B1", QuantityBefore: 0, QuantityAfter: 6, DecidingUserID: "admin", AppliedAt: at},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "B1:P1", string(w.msgs[0].Key))

	var evt AdjustmentApplied
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &evt))
	assert.Equal(t, TypeAdjustmentApplied, evt.Type)
	assert.Equal(t, -3, evt.Delta)
	assert.Equal(t, "aud-1", evt.AuditRecordID)
}

func TestKafkaPublisherSkipsEmptyBatch(t *testing.T) {
	w := &recordingWriter{err: errors.New("should not be called")}
	p := &KafkaPublisher{writer: w, topic: "t"}
	assert.NoError(t, p.PublishApplied(context.Background(), nil))
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &recordingWriter{err: boom}, topic: "t"}
	err := p.PublishApplied(context.Background(), []domain.AuditRecord{{ID: "aud-1"}})
	assert.ErrorIs(t, err, boom)
}
