// Package audit publishes every control-plane mutation (add/modify/
// delete entry, default-entry changes, counter and ageing operations) to
// a Kafka topic as an immutable audit trail: an async producer and a
// background loop draining its Successes/Errors channels. Publish hands
// each record to the producer's input channel; when the producer's
// buffer is full, Publish blocks until it accepts the record.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/matchtable/switchcore/internal/apperr"
	"github.com/matchtable/switchcore/internal/metrics"
)

// Record is one audited control-plane mutation.
type Record struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Table     string                 `json:"table"`
	Operation string                 `json:"operation"`
	Handle    string                 `json:"handle,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
}

// Trail publishes Records to Kafka. A nil *Trail (returned when auditing
// is disabled in config) is safe to call Publish on: it is a no-op.
type Trail struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTrail connects an async Sarama producer to brokers and starts the
// background result-draining loop.
func NewTrail(brokers []string, topic string, logger *logrus.Logger) (*Trail, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, apperr.NewCritical(apperr.CodeAuditConnectError, "audit", "new_trail", "creating kafka producer").Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Trail{producer: producer, topic: topic, logger: logger, ctx: ctx, cancel: cancel}
	t.wg.Add(1)
	go t.drain()
	return t, nil
}

func (t *Trail) drain() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.producer.Successes():
		case err, ok := <-t.producer.Errors():
			if !ok {
				return
			}
			metrics.AuditPublishErrorsTotal.Inc()
			e := apperr.New(apperr.CodeAuditPublishError, "audit", "publish", "failed to publish control-plane mutation").Wrap(err)
			t.logger.WithFields(logrus.Fields(e.Fields())).WithError(err).Error(e.Message)
		}
	}
}

// Publish stamps rec with an ID/timestamp (if absent) and enqueues it for
// async delivery. Safe to call on a nil *Trail.
func (t *Trail) Publish(rec Record) {
	if t == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		t.logger.WithError(err).Error("audit: failed to marshal record")
		return
	}
	t.producer.Input() <- &sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(rec.Table),
		Value: sarama.ByteEncoder(payload),
	}
}

// Close stops the producer and the draining loop. Safe to call on a nil
// *Trail.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.cancel()
	err := t.producer.Close()
	t.wg.Wait()
	return err
}
