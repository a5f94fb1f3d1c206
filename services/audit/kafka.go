package auditsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
)

const (
	queueSize     = 256
	writeRetries  = 3
	writeDeadline = 10 * time.Second
)

var errStopped = errors.New("audit publisher stopped")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit records to a Kafka topic from a background queue.
// Records of one exam attempt share a message key, hence a partition, hence their order.
type KafkaSink struct {
	writer messageWriter
	logger core.Logger

	queue  chan kafka.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ proctor.AuditSink = (*KafkaSink)(nil)

func NewKafkaSink(conf core.AuditConfig, logger core.Logger) (*KafkaSink, error) {
	if len(conf.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if conf.Topic == "" {
		return nil, errors.New("audit topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(conf.Brokers...),
		Topic:                  conf.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newKafkaSink(w, logger), nil
}

func newKafkaSink(w messageWriter, logger core.Logger) *KafkaSink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSink{
		writer: w,
		logger: logger,
		queue:  make(chan kafka.Message, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Audit queues rec; it never blocks. Records are dropped, and logged, when the queue is full.
func (s *KafkaSink) Audit(_ context.Context, rec proctor.AuditRecord) {
	value, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error(fmt.Sprintf("audit: encoding record %s: %v", rec.ID, err), err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(rec.ExamID + "/" + rec.CandidateID),
		Value: value,
		Time:  rec.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(rec.Type)},
		},
	}

	select {
	case <-s.ctx.Done():
		s.logger.Warn(fmt.Sprintf("audit: %v, dropping %s record %s", errStopped, rec.Type, rec.ID))
	case s.queue <- msg:
	default:
		s.logger.Error(fmt.Sprintf("audit: queue full, dropping %s record %s", rec.Type, rec.ID), map[string]interface{}{
			"exam_id":      rec.ExamID,
			"candidate_id": rec.CandidateID,
		})
	}
}

func (s *KafkaSink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case msg := <-s.queue:
			s.deliver(s.ctx, msg)
		}
	}
}

func (s *KafkaSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
	defer cancel()
	for {
		select {
		case msg := <-s.queue:
			s.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (s *KafkaSink) deliver(ctx context.Context, msg kafka.Message) {
	op := func() error {
		wctx, cancel := context.WithTimeout(ctx, writeDeadline)
		defer cancel()
		return s.writer.WriteMessages(wctx, msg)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), writeRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		s.logger.Error(fmt.Sprintf("audit: publishing record %s: %v", msg.Key, err), errors.Wrap(err, "publishing audit record"))
	}
}

// Close delivers what is queued, waiting at most until ctx is done, and closes the writer.
func (s *KafkaSink) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := s.writer.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing kafka writer")
		}
	})
	return err
}

// LogSink writes audit records to the app logger; used when no broker is configured.
type LogSink struct {
	logger core.Logger
}

var _ proctor.AuditSink = (*LogSink)(nil)

func NewLogSink(logger core.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Audit(_ context.Context, rec proctor.AuditRecord) {
	s.logger.Info(fmt.Sprintf("audit: %s %s/%s total=%d", rec.Type, rec.ExamID, rec.CandidateID, rec.Total), map[string]interface{}{
		"id":     rec.ID,
		"signal": rec.Signal,
		"error":  rec.Error,
	})
}
