package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ngoyal88/supplierlog/pkg/config"
	"github.com/ngoyal88/supplierlog/pkg/recorder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

var consumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "supplierlog_kafka_messages_total",
	Help: "Kafka messages processed, by result",
}, []string{"result"})

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds drafts published on a Kafka topic into the recorder.
// A message is committed only once it has been recorded or found invalid.
type Consumer struct {
	readers []MessageReader
	sink    recorder.Sink

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewConsumer creates one group reader per configured reader slot.
func NewConsumer(cfg config.KafkaConfig, sink recorder.Sink) *Consumer {
	n := cfg.Readers
	if n < 1 {
		n = 1
	}
	readers := make([]MessageReader, n)
	for i := range readers {
		readers[i] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 10e3, // 10KB
			MaxBytes: 10e6, // 10MB
		})
	}
	return newConsumer(readers, sink)
}

func newConsumer(readers []MessageReader, sink recorder.Sink) *Consumer {
	return &Consumer{
		readers:    readers,
		sink:       sink,
		minBackoff: 200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx ends, then closes the readers.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(len(c.readers))
	for i, r := range c.readers {
		go func(id int, r MessageReader) {
			defer wg.Done()
			c.readLoop(ctx, id, r)
		}(i, r)
	}
	log.Infof("[ingest] consuming with %d readers", len(c.readers))

	wg.Wait()
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			log.Warnf("[ingest] closing reader: %v", err)
		}
	}
}

func (c *Consumer) readLoop(ctx context.Context, id int, r MessageReader) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Infof("[ingest][reader:%d] context cancelled, exiting", id)
				return
			}
			log.Errorf("[ingest][reader:%d] failed to fetch message: %v", id, err)
			if !sleep(ctx, c.minBackoff) {
				return
			}
			continue
		}

		if !c.handle(ctx, id, msg) {
			return
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Errorf("[ingest][reader:%d] failed to commit offset %d: %v", id, msg.Offset, err)
		}
	}
}

// handle records one message, retrying persistence failures with capped
// exponential backoff. It returns false only when ctx ended first.
func (c *Consumer) handle(ctx context.Context, id int, msg kafka.Message) bool {
	var d recorder.Draft
	if err := json.Unmarshal(msg.Value, &d); err != nil {
		consumed.WithLabelValues("malformed").Inc()
		log.Errorf("[ingest][reader:%d] dropping malformed message at offset %d: %v", id, msg.Offset, err)
		return true
	}

	backoff := c.minBackoff
	for {
		_, err := c.sink.Record(ctx, d)
		switch {
		case err == nil:
			consumed.WithLabelValues("recorded").Inc()
			return true
		case errors.Is(err, recorder.ErrInvalidLogEntry):
			consumed.WithLabelValues("invalid").Inc()
			log.Warnf("[ingest][reader:%d] dropping invalid entry at offset %d: %v", id, msg.Offset, err)
			return true
		}

		consumed.WithLabelValues("retried").Inc()
		log.Warnf("[ingest][reader:%d] record failed, retrying in %s: %v", id, backoff, err)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
