// Package agent 是客户端同步代理：每个 (room, user) 维护一条到房间服务的 websocket 连接，
// 断线后按重连策略自动重连，对外提供发送函数和入站事件的快照。
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"notesCollab/backend/internal/ot/diff"
	"notesCollab/backend/internal/ot/textop"
	"notesCollab/backend/internal/ws/protocol"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	ReconnectFixed       = "fixed"
	ReconnectExponential = "exponential"
)

const writeWait = 5 * time.Second

var ErrInvalidOptions = errors.New("agent: invalid options")

type Options struct {
	URL      string
	RoomID   string
	UserID   string
	UserName string

	// fixed（默认，固定间隔、无限重试）或 exponential（有上限）
	ReconnectMode  string
	ReconnectDelay time.Duration
	MaxDelay       time.Duration
	MaxElapsed     time.Duration

	TypingTimeout time.Duration
	TypingSweep   time.Duration
	OpBuffer      int
	UpdateBuffer  int

	Dialer *websocket.Dialer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ReconnectMode == "" {
		o.ReconnectMode = ReconnectFixed
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 5 * time.Minute
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 3 * time.Second
	}
	if o.TypingSweep <= 0 {
		o.TypingSweep = time.Second
	}
	if o.OpBuffer <= 0 {
		o.OpBuffer = 50
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = 100
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Typing 一条正在输入的提示，按 user+field 唯一
type Typing struct {
	UserID   string
	UserName string
	Field    string
	At       time.Time
}

type Agent struct {
	opt    Options
	clock  clockwork.Clock
	logger *slog.Logger

	state atomic.Int32

	// 写锁，保护 conn 和写操作
	wmu  sync.Mutex
	conn *websocket.Conn

	mu      sync.Mutex
	users   []protocol.PresenceUser
	ops     []textop.Operation
	updates []protocol.TextUpdate
	typing  map[string]Typing
	doc     map[string]string

	changes chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(opt Options) (*Agent, error) {
	if opt.URL == "" || opt.RoomID == "" || opt.UserID == "" {
		return nil, fmt.Errorf("%w: url, room and user id are required", ErrInvalidOptions)
	}
	switch opt.ReconnectMode {
	case "", ReconnectFixed, ReconnectExponential:
	default:
		return nil, fmt.Errorf("%w: reconnect mode %q", ErrInvalidOptions, opt.ReconnectMode)
	}
	opt.setDefaults()
	return &Agent{
		opt:     opt,
		clock:   opt.Clock,
		logger:  opt.Logger.With("room", opt.RoomID, "user", opt.UserID),
		typing:  make(map[string]Typing),
		doc:     make(map[string]string),
		changes: make(chan struct{}, 1),
	}, nil
}

// Start 启动连接循环和输入提示清理，只有第一次调用生效
func (a *Agent) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		a.wg.Add(2)
		go func() {
			defer a.wg.Done()
			a.run(ctx)
		}()
		go func() {
			defer a.wg.Done()
			a.runTypingSweeper(ctx)
		}()
	})
}

// Close 断开连接并取消尚未触发的重连
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wmu.Lock()
		if a.conn != nil {
			_ = a.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = a.conn.Close()
		}
		a.wmu.Unlock()
		a.wg.Wait()
		a.setState(StateIdle)
	})
	return nil
}

func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) Connected() bool { return a.State() == StateConnected }

func (a *Agent) setState(s State) {
	if State(a.state.Swap(int32(s))) != s {
		a.logger.Debug("state changed", "state", s)
		a.notify()
	}
}

// Changes 有新状态时收到通知。容量为 1，多次变化可能合并成一次。
func (a *Agent) Changes() <-chan struct{} { return a.changes }

func (a *Agent) notify() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}

func (a *Agent) newBackOff() backoff.BackOff {
	if a.opt.ReconnectMode == ReconnectExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = a.opt.ReconnectDelay
		b.MaxInterval = a.opt.MaxDelay
		b.MaxElapsedTime = a.opt.MaxElapsed
		b.Clock = a.clock
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(a.opt.ReconnectDelay)
}

// run 同一时间只有一次连接尝试
func (a *Agent) run(ctx context.Context) {
	b := a.newBackOff()
	for {
		a.setState(StateConnecting)
		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}
		a.setState(StateDisconnected)
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			a.logger.Error("giving up reconnecting", "err", err)
			return
		}
		a.logger.Warn("connection lost, reconnecting", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(wait):
		}
	}
}

// session 建立一次连接并读到断开为止；connected 表示是否成功加入过房间
func (a *Agent) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := a.opt.Dialer.DialContext(ctx, a.opt.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.opt.URL, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		a.wmu.Lock()
		a.conn = nil
		a.wmu.Unlock()
		_ = conn.Close()
	}()

	join, err := protocol.Encode(protocol.EventJoinRoom, protocol.JoinRoom{
		RoomID: a.opt.RoomID, UserID: a.opt.UserID, UserName: a.opt.UserName,
	})
	if err != nil {
		return false, err
	}
	// join 先于其它消息写出，之后才允许发送
	a.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, join)
	if err == nil {
		a.conn = conn
	}
	a.wmu.Unlock()
	if err != nil {
		return false, fmt.Errorf("join room: %w", err)
	}
	a.setState(StateConnected)
	a.logger.Info("connected", "url", a.opt.URL)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("drop malformed frame", "err", err)
			continue
		}
		a.handle(env)
	}
}

// send 未连接时静默丢弃
func (a *Agent) send(event string, payload any) {
	if !a.Connected() {
		return
	}
	b, err := protocol.Encode(event, payload)
	if err != nil {
		a.logger.Error("encode message failed", "event", event, "err", err)
		return
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if a.conn == nil {
		return
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := a.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		a.logger.Debug("send failed", "event", event, "err", err)
	}
}

func (a *Agent) now() int64 { return a.clock.Now().UnixMilli() }

func (a *Agent) SendTextUpdate(field, value string) {
	a.send(protocol.EventTextUpdate, protocol.TextUpdate{
		Field:    field,
		Value:    value,
		UserID:   a.opt.UserID,
		UserName: a.opt.UserName,
	})
}

func (a *Agent) SendTextOperation(op textop.Operation) {
	if op.Edit == nil || op.Field == "" {
		return
	}
	a.send(protocol.EventTextOperation, op)
}

// SendDiff 把 old -> new 的差异拆成位置操作发出
func (a *Agent) SendDiff(field, old, new string) {
	for _, op := range diff.Operations(field, old, new, a.clock.Now()) {
		a.SendTextOperation(op)
	}
}

func (a *Agent) SendCursorPosition(field string, position int) {
	a.send(protocol.EventCursorPosition, protocol.CursorPosition{
		Field: field, Position: position, Timestamp: a.now(),
	})
}

func (a *Agent) SendTypingIndicator(field string, isTyping bool) {
	a.send(protocol.EventTypingIndicator, protocol.TypingIndicator{
		Field: field, IsTyping: isTyping, Timestamp: a.now(),
	})
}

func (a *Agent) RequestDocumentState() {
	a.send(protocol.EventRequestDocumentState, struct{}{})
}

// handle 处理一条入站消息。自己发出的事件一律丢弃。
func (a *Agent) handle(env protocol.Envelope) {
	self := a.opt.UserID
	log := a.logger.With("event", env.Event)

	switch env.Event {
	case protocol.EventUsersUpdated:
		var users []protocol.PresenceUser
		if err := protocol.DecodeData(env, &users); err != nil {
			log.Warn("drop malformed users-updated", "err", err)
			return
		}
		others := make([]protocol.PresenceUser, 0, len(users))
		for _, u := range users {
			if u.ID != self {
				others = append(others, u)
			}
		}
		a.mu.Lock()
		a.users = others
		a.mu.Unlock()

	case protocol.EventTextOperation:
		var op textop.Operation
		if err := protocol.DecodeData(env, &op); err != nil || op.Edit == nil {
			log.Warn("drop malformed text-operation", "err", err)
			return
		}
		if op.UserID == self {
			return
		}
		a.mu.Lock()
		for _, seen := range a.ops {
			if seen.ID == op.ID {
				a.mu.Unlock()
				return
			}
		}
		a.ops = appendCapped(a.ops, op, a.opt.OpBuffer)
		a.mu.Unlock()

	case protocol.EventTextUpdate:
		var u protocol.TextUpdate
		if err := protocol.DecodeData(env, &u); err != nil {
			log.Warn("drop malformed text-update", "err", err)
			return
		}
		if u.UserID == self {
			return
		}
		a.mu.Lock()
		a.updates = appendCapped(a.updates, u, a.opt.UpdateBuffer)
		a.mu.Unlock()

	case protocol.EventCursorPosition:
		var c protocol.CursorPosition
		if err := protocol.DecodeData(env, &c); err != nil {
			log.Warn("drop malformed cursor-position", "err", err)
			return
		}
		if c.UserID == self {
			return
		}
		a.mu.Lock()
		for i := range a.users {
			if a.users[i].ID == c.UserID {
				pos := c.Position
				a.users[i].Cursor, a.users[i].Field = &pos, c.Field
			}
		}
		a.mu.Unlock()

	case protocol.EventTypingIndicator:
		var ti protocol.TypingIndicator
		if err := protocol.DecodeData(env, &ti); err != nil {
			log.Warn("drop malformed typing-indicator", "err", err)
			return
		}
		if ti.UserID == self {
			return
		}
		key := ti.UserID + "-" + ti.Field
		a.mu.Lock()
		if ti.IsTyping {
			a.typing[key] = Typing{UserID: ti.UserID, UserName: ti.UserName, Field: ti.Field, At: a.clock.Now()}
		} else {
			delete(a.typing, key)
		}
		a.mu.Unlock()

	case protocol.EventDocumentState:
		var st protocol.DocumentState
		if err := protocol.DecodeData(env, &st); err != nil {
			log.Warn("drop malformed document-state", "err", err)
			return
		}
		a.mu.Lock()
		a.doc = make(map[string]string, len(st))
		for k, v := range st {
			a.doc[k] = v
		}
		a.mu.Unlock()

	default:
		log.Debug("ignore unknown event")
		return
	}
	a.notify()
}

// appendCapped 超出容量时丢掉最旧的
func appendCapped[T any](s []T, v T, capacity int) []T {
	s = append(s, v)
	if over := len(s) - capacity; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}

func (a *Agent) runTypingSweeper(ctx context.Context) {
	t := a.clock.NewTicker(a.opt.TypingSweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			a.sweepTyping()
		}
	}
}

// sweepTyping 移除超时未刷新的输入提示，不依赖对方发出停止事件
func (a *Agent) sweepTyping() {
	now := a.clock.Now()
	removed := false
	a.mu.Lock()
	for k, ti := range a.typing {
		if now.Sub(ti.At) >= a.opt.TypingTimeout {
			delete(a.typing, k)
			removed = true
		}
	}
	a.mu.Unlock()
	if removed {
		a.notify()
	}
}

// Users 房间内的其他用户
func (a *Agent) Users() []protocol.PresenceUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.PresenceUser, len(a.users))
	copy(out, a.users)
	return out
}

func (a *Agent) RemoteOperations() []textop.Operation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]textop.Operation, len(a.ops))
	copy(out, a.ops)
	return out
}

// RemoteUpdates 按到达顺序，最旧的在前
func (a *Agent) RemoteUpdates() []protocol.TextUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.TextUpdate, len(a.updates))
	copy(out, a.updates)
	return out
}

func (a *Agent) TypingUsers() []Typing {
	a.mu.Lock()
	out := make([]Typing, 0, len(a.typing))
	for _, ti := range a.typing {
		out = append(out, ti)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Field < out[j].Field
	})
	return out
}

func (a *Agent) DocumentState() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.doc))
	for k, v := range a.doc {
		out[k] = v
	}
	return out
}
