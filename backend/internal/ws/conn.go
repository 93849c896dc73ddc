package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"notesCollab/backend/internal/ot/textop"
	"notesCollab/backend/internal/ws/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type connState int

const (
	stateConnecting connState = iota
	stateJoined
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Conn 一条客户端连接。读写各一个 goroutine，出站消息经 send 队列交给写循环。
type Conn struct {
	id     string
	ws     *websocket.Conn
	hub    *Hub
	logger *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	state    connState
	roomID   string
	userID   string
	userName string
}

func newConn(id string, ws *websocket.Conn, hub *Hub, queue int, logger *slog.Logger) *Conn {
	if queue <= 0 {
		queue = 64
	}
	return &Conn{
		id:     id,
		ws:     ws,
		hub:    hub,
		logger: logger.With("conn", id),
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

// identity 返回当前房间和用户；未加入房间时 ok=false
func (c *Conn) identity() (roomID, userID, userName string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.userID, c.userName, c.state == stateJoined
}

func (c *Conn) setJoined(roomID, userID, userName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateJoined
	c.roomID, c.userID, c.userName = roomID, userID, userName
}

// markDisconnected 返回断开前所在的房间和用户
func (c *Conn) markDisconnected() (roomID, userID string, wasJoined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasJoined = c.state == stateJoined
	roomID, userID = c.roomID, c.userID
	c.state = stateDisconnected
	return
}

// Enqueue 非阻塞：队列满或连接已关闭时丢弃
func (c *Conn) Enqueue(b []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		c.logger.Warn("send queue full, drop message")
	}
}

func (c *Conn) enqueueEvent(event string, payload any) {
	b, err := protocol.Encode(event, payload)
	if err != nil {
		c.logger.Error("encode message failed", "event", event, "err", err)
		return
	}
	c.Enqueue(b)
}

// Close 可重复调用。写循环发出 close 帧后关闭底层连接，读循环随之退出并完成清理。
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) readLoop(readLimit int64) {
	defer func() {
		c.hub.disconnect(c)
		c.Close()
	}()
	if readLimit > 0 {
		c.ws.SetReadLimit(readLimit)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.hub.refreshPresence(c)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("read error", "err", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("drop malformed frame", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinRoom:
		var p protocol.JoinRoom
		if err := protocol.DecodeData(env, &p); err != nil || p.RoomID == "" || p.UserID == "" {
			c.logger.Warn("drop malformed join-room", "err", err)
			return
		}
		c.hub.join(c, p)
		return
	}

	roomID, userID, userName, ok := c.identity()
	if !ok {
		c.logger.Warn("event before join-room, dropped", "event", env.Event)
		return
	}
	log := c.logger.With("room", roomID, "user", userID)

	switch env.Event {
	case protocol.EventTextOperation:
		var op textop.Operation
		if err := protocol.DecodeData(env, &op); err != nil || op.Edit == nil || op.Field == "" {
			log.Warn("drop malformed text-operation", "err", err)
			return
		}
		op.UserID, op.UserName = userID, userName
		c.hub.textOperation(c, roomID, op)

	case protocol.EventTextUpdate:
		var p protocol.TextUpdate
		if err := protocol.DecodeData(env, &p); err != nil || p.Field == "" {
			log.Warn("drop malformed text-update", "err", err)
			return
		}
		p.UserID, p.UserName = userID, userName
		c.hub.textUpdate(c, roomID, p)

	case protocol.EventCursorPosition:
		var p protocol.CursorPosition
		if err := protocol.DecodeData(env, &p); err != nil || p.Field == "" || p.Position < 0 {
			log.Warn("drop malformed cursor-position", "err", err)
			return
		}
		p.UserID, p.UserName = userID, userName
		c.hub.cursor(c, roomID, p)

	case protocol.EventTypingIndicator:
		var p protocol.TypingIndicator
		if err := protocol.DecodeData(env, &p); err != nil || p.Field == "" {
			log.Warn("drop malformed typing-indicator", "err", err)
			return
		}
		p.UserID, p.UserName = userID, userName
		c.hub.typing(c, roomID, p)

	case protocol.EventRequestDocumentState:
		c.hub.sendDocumentState(c, roomID)

	default:
		log.Warn("unknown event, dropped", "event", env.Event)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Info("write error", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
