package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cenkalti/backoff/v4"
)

func TestKafkaDispatcher_RetriesThenSends(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt RoomEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventTextUpdated || evt.RoomID != "room-1" || evt.Value != "hi" {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(sp, "room-events", NewSemaphoreControl(1), KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	err := d.Enqueue(context.Background(), RoomEvent{EventType: EventTextUpdated, RoomID: "room-1", Field: "notes", Value: "hi"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()
	if err := sp.Close(); err != nil {
		t.Fatalf("producer Close() error = %v", err)
	}
}

func TestKafkaDispatcher_DropsAfterMaxRetry(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(sp, "room-events", nil, KafkaDispatcherOptions{
		QueueSize: 1, Workers: 1, MaxRetry: 1, BaseBackoff: time.Millisecond,
	})
	_ = d.Enqueue(context.Background(), RoomEvent{EventType: EventOpApplied, RoomID: "r"})
	d.Close()
	_ = sp.Close()
}

func TestKafkaDispatcher_RetryPolicy(t *testing.T) {
	d := &KafkaDispatcher{maxRetry: 3, baseBackoff: 10 * time.Millisecond, maxBackoff: 25 * time.Millisecond}
	b := d.retryPolicy()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, backoff.Stop}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("NextBackOff() #%d = %v, want %v", i, got, w)
		}
	}
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1})
	d.Close()
	if err := d.Enqueue(context.Background(), RoomEvent{}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Enqueue() error = %v, want ErrDispatcherClosed", err)
	}
}

func TestKafkaDispatcher_FullQueueHonoursContext(t *testing.T) {
	// 没有 worker 消费时，队列满后 Enqueue 等到 ctx 超时
	d := &KafkaDispatcher{queue: make(chan RoomEvent, 1)}
	_ = d.Enqueue(context.Background(), RoomEvent{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, RoomEvent{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue() error = %v, want DeadlineExceeded", err)
	}
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Release() error = %v, want ErrNotAcquired", err)
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrAcquireTimeout", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}
