package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Enqueue 只负责入队，不阻塞编辑主流程
// - 队列满时等到 ctx 超时后丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	queue  chan RoomEvent
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	// 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      opt.Logger,
		queue:       make(chan RoomEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 队列满时等待直到 ctx 结束（事件不要求必达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt RoomEvent) error {
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

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收并等待队列发完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

// retryPolicy 间隔每次 x2，封顶 maxBackoff；最多重试 maxRetry 次
func (d *KafkaDispatcher) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.baseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if d.maxBackoff > 0 {
		b.MaxInterval = d.maxBackoff
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max(d.maxRetry, 0)))
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt RoomEvent) {
	send := func() error {
		if d.sem != nil {
			_ = d.sem.Acquire(context.Background())
			defer func() { _ = d.sem.Release() }()
		}
		return d.sendOnce(evt)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Debug("kafka send failed, retrying", "room", evt.RoomID, "worker", workerID, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(send, d.retryPolicy(), notify); err != nil {
		d.logger.Warn("kafka send failed, drop event",
			"room", evt.RoomID, "type", evt.EventType, "worker", workerID, "err", err)
	}
}

func (d *KafkaDispatcher) sendOnce(evt RoomEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewSyncProducer SyncProducer 必须开启 Return.Successes
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}
