package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultKafkaDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// KafkaDispatcher buffers events in a bounded queue and sends them from a pool of workers with limited
// retries. Events that still fail after the last retry are dropped.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan Event
	wg       sync.WaitGroup
	opt      KafkaDispatcherOptions
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan Event, opt.QueueSize),
		opt:      opt,
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// NewKafkaProducer builds a sync producer that waits for the local broker ack.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

// Enqueue waits for queue space until ctx is done.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt Event) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queue and closes the producer.
func (d *KafkaDispatcher) Close() error {
	close(d.queue)
	d.wg.Wait()
	return d.producer.Close()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

// retryPolicy doubles the wait from BaseBackoff up to MaxBackoff and allows MaxRetry attempts after the first.
func (d *KafkaDispatcher) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opt.BaseBackoff
	b.MaxInterval = d.opt.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	retries := d.opt.MaxRetry
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt Event) {
	err := backoff.RetryNotify(func() error {
		return d.sendOnce(evt)
	}, d.retryPolicy(), func(err error, wait time.Duration) {
		slog.Debug("kafka send failed, retrying", "type", evt.Type, "worker", workerID, "wait", wait, "err", err)
	})
	if err != nil {
		slog.Error("kafka send failed, dropping event", "type", evt.Type, "revision", evt.Revision, "worker", workerID, "err", err)
	}
}

func (d *KafkaDispatcher) sendOnce(evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Client.String()),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
