package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"notesCollab/backend/internal/cache"
	"notesCollab/backend/internal/collab"
	"notesCollab/backend/internal/ot/textop"
	"notesCollab/backend/internal/ws/protocol"
)

// Publisher 把本实例产生的房间事件转发给其它实例
type Publisher interface {
	Publish(ctx context.Context, roomID, event string, payload any) error
}

type HubOptions struct {
	// 以下均可为空
	Presence    cache.PresenceCache
	PresenceTTL time.Duration
	Relay       Publisher
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

type Hub struct {
	store       *collab.Store
	presence    cache.PresenceCache
	presenceTTL time.Duration
	relay       Publisher
	clock       clockwork.Clock
	logger      *slog.Logger

	// 读写锁，保护 rooms
	mu sync.RWMutex
	// roomID -> set of connections
	// 一个用户可开多个标签页，广播要逐连接发
	rooms map[string]map[*Conn]struct{}
}

func NewHub(store *collab.Store, opt HubOptions) *Hub {
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 60 * time.Second
	}
	return &Hub{
		store:       store,
		presence:    opt.Presence,
		presenceTTL: opt.PresenceTTL,
		relay:       opt.Relay,
		clock:       opt.Clock,
		logger:      opt.Logger,
		rooms:       make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) now() int64 { return h.clock.Now().UnixMilli() }

func (h *Hub) add(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
}

func (h *Hub) remove(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// broadcast 编码一次，发给房间内除 except 以外的所有连接
func (h *Hub) broadcast(roomID string, except *Conn, event string, payload any) {
	b, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast failed", "room", roomID, "event", event, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c != except {
			c.Enqueue(b)
		}
	}
}

// Connections 当前实例上已加入房间的连接数
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.rooms {
		n += len(conns)
	}
	return n
}

func presenceList(users []collab.User) []protocol.PresenceUser {
	out := make([]protocol.PresenceUser, 0, len(users))
	for _, u := range users {
		p := protocol.PresenceUser{ID: u.ID, Name: u.Name, ConnectedAt: u.JoinedAt}
		if u.HasCursor {
			pos := u.Cursor
			p.Cursor, p.Field = &pos, u.CursorField
		}
		out = append(out, p)
	}
	return out
}

func (h *Hub) join(c *Conn, p protocol.JoinRoom) {
	// 同一连接换房间或换用户：先离开，一个连接只占一个在线条目
	if oldRoom, oldUser, _, ok := c.identity(); ok && (oldRoom != p.RoomID || oldUser != p.UserID) {
		h.leave(c)
	}
	c.setJoined(p.RoomID, p.UserID, p.UserName)
	h.add(p.RoomID, c)

	u := collab.User{ID: p.UserID, Name: p.UserName, ConnID: c.id}
	h.store.AddUser(p.RoomID, u, func(snap map[string]string, users []collab.User) {
		c.enqueueEvent(protocol.EventDocumentState, protocol.DocumentState(snap))
		h.broadcast(p.RoomID, nil, protocol.EventUsersUpdated, presenceList(users))
	})
	c.logger.Info("joined room", "room", p.RoomID, "user", p.UserID)

	if h.presence != nil {
		if err := h.presence.AddMember(context.Background(), p.RoomID, p.UserID, p.UserName, h.presenceTTL); err != nil {
			h.logger.Warn("presence add member failed", "room", p.RoomID, "err", err)
		}
	}
}

// leave 从当前房间移除连接，并通知剩下的人
func (h *Hub) leave(c *Conn) {
	roomID, userID, wasJoined := c.markDisconnected()
	if !wasJoined {
		return
	}
	h.remove(roomID, c)
	h.store.RemoveUser(roomID, userID, c.id, func(users []collab.User) {
		h.broadcast(roomID, c, protocol.EventUsersUpdated, presenceList(users))
	})
	if h.presence != nil {
		if err := h.presence.RemoveMember(context.Background(), roomID, userID); err != nil {
			h.logger.Warn("presence remove member failed", "room", roomID, "err", err)
		}
	}
}

func (h *Hub) disconnect(c *Conn) {
	h.leave(c)
	c.logger.Debug("disconnected")
}

func (h *Hub) refreshPresence(c *Conn) {
	if h.presence == nil {
		return
	}
	roomID, userID, userName, ok := c.identity()
	if !ok {
		return
	}
	if err := h.presence.AddMember(context.Background(), roomID, userID, userName, h.presenceTTL); err != nil {
		h.logger.Debug("presence refresh failed", "room", roomID, "err", err)
	}
}

func (h *Hub) textOperation(c *Conn, roomID string, op textop.Operation) {
	op.ID = newID()
	op.Timestamp = h.now()
	applied, ok := h.store.ApplyOperation(roomID, op, func(applied textop.Operation) {
		h.broadcast(roomID, c, protocol.EventTextOperation, applied)
	})
	if !ok {
		return
	}
	h.publish(roomID, protocol.EventTextOperation, applied)
}

func (h *Hub) textUpdate(c *Conn, roomID string, p protocol.TextUpdate) {
	p.Timestamp = h.now()
	ok := h.store.ApplyFullTextUpdate(roomID, p.Field, p.Value, func() {
		h.broadcast(roomID, c, protocol.EventTextUpdate, p)
	})
	if !ok {
		return
	}
	h.publish(roomID, protocol.EventTextUpdate, p)
}

func (h *Hub) cursor(c *Conn, roomID string, p protocol.CursorPosition) {
	p.Timestamp = h.now()
	if !h.store.SetCursor(roomID, p.UserID, p.Field, p.Position) {
		return
	}
	h.broadcast(roomID, c, protocol.EventCursorPosition, p)
	h.publish(roomID, protocol.EventCursorPosition, p)
	if h.presence != nil {
		b, _ := json.Marshal(p)
		if err := h.presence.SetCursor(context.Background(), roomID, p.UserID, b, h.presenceTTL); err != nil {
			h.logger.Debug("presence cursor failed", "room", roomID, "err", err)
		}
	}
}

func (h *Hub) typing(c *Conn, roomID string, p protocol.TypingIndicator) {
	p.Timestamp = h.now()
	if !h.store.Touch(roomID) {
		return
	}
	h.broadcast(roomID, c, protocol.EventTypingIndicator, p)
	h.publish(roomID, protocol.EventTypingIndicator, p)
}

func (h *Hub) sendDocumentState(c *Conn, roomID string) {
	snap, ok := h.store.Snapshot(roomID)
	if !ok {
		return
	}
	c.enqueueEvent(protocol.EventDocumentState, protocol.DocumentState(snap))
}

func (h *Hub) publish(roomID, event string, payload any) {
	if h.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.relay.Publish(ctx, roomID, event, payload); err != nil {
		h.logger.Warn("relay publish failed", "room", roomID, "event", event, "err", err)
	}
}

// HandleRelayed 处理其它实例转发来的事件：更新本地房间状态并发给本地连接。
// 本地没有这个房间时直接忽略。
func (h *Hub) HandleRelayed(msg cache.RelayMessage) {
	env := protocol.Envelope{Event: msg.Event, Data: msg.Data}
	switch msg.Event {
	case protocol.EventTextUpdate:
		var p protocol.TextUpdate
		if err := protocol.DecodeData(env, &p); err != nil || p.Field == "" {
			h.logger.Warn("relay: bad text-update", "err", err)
			return
		}
		h.store.ApplyRemoteFullTextUpdate(msg.RoomID, p.Field, p.Value, func() {
			h.broadcast(msg.RoomID, nil, protocol.EventTextUpdate, p)
		})
	case protocol.EventTextOperation:
		var op textop.Operation
		if err := protocol.DecodeData(env, &op); err != nil || op.Edit == nil || op.Field == "" {
			h.logger.Warn("relay: bad text-operation", "err", err)
			return
		}
		h.store.ApplyRemoteOperation(msg.RoomID, op, func(op textop.Operation) {
			h.broadcast(msg.RoomID, nil, protocol.EventTextOperation, op)
		})
	case protocol.EventCursorPosition:
		var p protocol.CursorPosition
		if err := protocol.DecodeData(env, &p); err != nil || p.Field == "" || p.Position < 0 {
			h.logger.Warn("relay: bad cursor-position", "err", err)
			return
		}
		if !h.store.Exists(msg.RoomID) {
			return
		}
		// 只有该用户在本实例也有连接时才会记下
		h.store.SetCursor(msg.RoomID, p.UserID, p.Field, p.Position)
		h.broadcast(msg.RoomID, nil, protocol.EventCursorPosition, p)
	case protocol.EventTypingIndicator:
		var p protocol.TypingIndicator
		if err := protocol.DecodeData(env, &p); err != nil || p.Field == "" {
			h.logger.Warn("relay: bad typing-indicator", "err", err)
			return
		}
		if !h.store.Touch(msg.RoomID) {
			return
		}
		h.broadcast(msg.RoomID, nil, protocol.EventTypingIndicator, p)
	}
}

// CloseRoom 房间被删除后关闭仍连在上面的连接，客户端会重连并重新同步
func (h *Hub) CloseRoom(roomID string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		h.logger.Info("closed connections of evicted room", "room", roomID, "count", len(conns))
	}
}
