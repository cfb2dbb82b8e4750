package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

var (
	eventsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_events_sent_total",
		Help: "Revision events delivered to kafka",
	})
	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_events_dropped_total",
		Help: "Revision events dropped after retries",
	})
)

// EventPublisher actor 提交修订后通过它发事件
type EventPublisher interface {
	Enqueue(ctx context.Context, evt RevisionEvent) error
}

// KafkaDispatcher 本地有界队列 + worker 异步发送 + 有限重试。
// Enqueue 只负责入队，不阻塞提交流程；kafka 短暂不可用时由队列吸收，
// 重试用尽后丢弃（事件不要求强一致）。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan RevisionEvent
	sem      *SemaphoreControl
	opt      KafkaDispatcherOptions
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o KafkaDispatcherOptions) withDefaults() KafkaDispatcherOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	return o
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions, log zerolog.Logger) *KafkaDispatcher {
	opt = opt.withDefaults()
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan RevisionEvent, opt.QueueSize),
		sem:      sem,
		opt:      opt,
		log:      log,
	}
	d.start()
	return d
}

// Enqueue 队列满时等到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt RevisionEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收新事件，等队列里剩下的发完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt RevisionEvent) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opt.BaseBackoff
	b.MaxInterval = d.opt.MaxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		if d.sem != nil {
			// worker 可以一直等，不影响主链路
			_ = d.sem.Acquire(context.Background())
			defer d.sem.Release()
		}
		return d.sendOnce(evt)
	}
	notify := func(err error, wait time.Duration) {
		d.log.Debug().Err(err).Int("worker", workerID).Dur("wait", wait).
			Str("object_id", evt.ObjectID).Int64("rev_id", evt.RevID).Msg("kafka send failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, uint64(d.opt.MaxRetry)), notify); err != nil {
		eventsDroppedTotal.Inc()
		d.log.Warn().Err(err).Int("worker", workerID).Str("event_id", evt.EventID).
			Str("object_id", evt.ObjectID).Int64("rev_id", evt.RevID).Msg("kafka send failed, drop event")
		return
	}
	eventsSentTotal.Inc()
}

func (d *KafkaDispatcher) sendOnce(evt RevisionEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.ObjectID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
