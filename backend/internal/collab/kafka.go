package collab

import (
	"context"
	"time"

	"notesCollab/backend/internal/ot/textop"
)

const (
	EventTextUpdated = "TEXT_UPDATED"
	EventOpApplied   = "OP_APPLIED"
	EventRoomEvicted = "ROOM_EVICTED"
)

// RoomEvent 推给下游（Kafka）的房间事件，key 为 roomId
type RoomEvent struct {
	EventType string            `json:"eventType"`
	RoomID    string            `json:"roomId"`
	Field     string            `json:"field,omitempty"`
	Value     string            `json:"value,omitempty"`
	Operation *textop.Operation `json:"operation,omitempty"`
	Snapshot  map[string]string `json:"snapshot,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	At        time.Time         `json:"at"`
}

type EventSink interface {
	Enqueue(ctx context.Context, evt RoomEvent) error
}
