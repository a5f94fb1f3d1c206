package auditsvc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
	logsvc "github.com/trezcool/proctor/services/logger"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	failures int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func record(typ string, total uint) proctor.AuditRecord {
	sig := proctor.NewSignal(proctor.NoFace, 1, "", time.Now())
	return proctor.AuditRecord{
		ID:          "rec",
		Type:        typ,
		ExamID:      "exam1",
		CandidateID: "cand1",
		Signal:      &sig,
		Total:       total,
		At:          time.Now().UTC(),
	}
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{failures: 1}
	sink := newKafkaSink(w, logsvc.NewNopLogger())

	sink.Audit(context.Background(), record(proctor.AuditSignal, 1))
	sink.Audit(context.Background(), record(proctor.AuditForceSubmit, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	msgs := w.written()
	require.Len(t, msgs, 2)
	assert.True(t, w.closed)
	assert.Equal(t, "exam1/cand1", string(msgs[0].Key))
	assert.Equal(t, "type", msgs[1].Headers[0].Key)
	assert.Equal(t, proctor.AuditForceSubmit, string(msgs[1].Headers[0].Value))

	var got proctor.AuditRecord
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, proctor.AuditSignal, got.Type)
	assert.Equal(t, proctor.NoFace, got.Signal.Kind)

	// after Close records are dropped, not blocked on
	sink.Audit(context.Background(), record(proctor.AuditSignal, 3))
	assert.Len(t, w.written(), 2)
}

func TestNewKafkaSink_Config(t *testing.T) {
	_, err := NewKafkaSink(core.AuditConfig{Topic: "audit"}, logsvc.NewNopLogger())
	assert.Error(t, err)
	_, err = NewKafkaSink(core.AuditConfig{Brokers: []string{"localhost:9092"}}, logsvc.NewNopLogger())
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	logger := logsvc.NewNopLogger()
	NewLogSink(logger).Audit(context.Background(), record(proctor.AuditPersistFailure, 4))
	assert.Equal(t, []string{"info: audit: persist_failure exam1/cand1 total=4"}, logger.Entries())
}
