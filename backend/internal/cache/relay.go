package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// RelayMessage 在实例之间转发的房间事件
type RelayMessage struct {
	Origin string          `json:"origin"`
	RoomID string          `json:"roomId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Relay 基于 redis pub/sub 的跨实例广播：每个房间一个频道，实例用 PSUBSCRIBE 收所有房间，
// 自己发出的消息按 origin 过滤掉。
type Relay struct {
	rdb    redis.UniversalClient
	origin string
	logger *slog.Logger
	ready  chan struct{}
}

func NewRelay(rdb redis.UniversalClient, origin string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rdb: rdb, origin: origin, logger: logger, ready: make(chan struct{})}
}

func (r *Relay) Origin() string { return r.origin }

// Ready 订阅确认后关闭
func (r *Relay) Ready() <-chan struct{} { return r.ready }

func (r *Relay) Publish(ctx context.Context, roomID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(RelayMessage{Origin: r.origin, RoomID: roomID, Event: event, Data: data})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, relayChannel(roomID), b).Err()
}

// Run 阻塞直到 ctx 结束
func (r *Relay) Run(ctx context.Context, handle func(RelayMessage)) error {
	sub := r.rdb.PSubscribe(ctx, relayPattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	close(r.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg RelayMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.logger.Warn("relay: bad message", "channel", m.Channel, "err", err)
				continue
			}
			if msg.Origin == r.origin {
				continue
			}
			handle(msg)
		}
	}
}
