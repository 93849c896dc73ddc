// Package binding 把一个字段的三路写入（本地输入、外部传入值、远端协作更新）协调到同一个缓冲区，
// 并提供该字段的在线状态展示数据（正在输入的人、其他人的光标）。
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"notesCollab/backend/internal/agent"
	"notesCollab/backend/internal/ws/protocol"
)

// Sync 绑定所需的同步代理能力，*agent.Agent 实现了它
type Sync interface {
	Connected() bool
	SendTextUpdate(field, value string)
	SendDiff(field, old, new string)
	SendCursorPosition(field string, position int)
	SendTypingIndicator(field string, isTyping bool)
	RemoteUpdates() []protocol.TextUpdate
	Users() []protocol.PresenceUser
	TypingUsers() []agent.Typing
}

var _ Sync = (*agent.Agent)(nil)

type Options struct {
	Field string
	// 初始值
	Value    string
	OnChange func(field, value string)

	Debounce   time.Duration
	MaxCursors int
	// 除全文更新外，额外发送由 diff 得到的位置操作
	SendOperations bool
	Caret          CaretMeasurer

	Clock  clockwork.Clock
	Logger *slog.Logger
}

type Cursor struct {
	UserID   string
	UserName string
	Offset   int
	X, Y     float64
	Color    string
}

type Binding struct {
	field    string
	sync     Sync
	onChange func(field, value string)
	sendOps  bool
	maxCur   int
	caret    CaretMeasurer
	logger   *slog.Logger
	sched    *scheduler

	mu       sync.Mutex
	buffer   string
	lastSent string
	// 正在应用远端更新，期间忽略其它来源
	applyingRemote bool
	// 本地刚改过，外部值追上之前不覆盖
	pendingLocal bool
	// 最近一次处理过（采纳或被本地发送取代）的远端更新
	seen    protocol.TextUpdate
	hasSeen bool

	colors map[string]string
}

func New(s Sync, opt Options) (*Binding, error) {
	if s == nil || opt.Field == "" {
		return nil, fmt.Errorf("binding: sync and field are required")
	}
	if opt.OnChange == nil {
		opt.OnChange = func(string, string) {}
	}
	if opt.Debounce <= 0 {
		opt.Debounce = 200 * time.Millisecond
	}
	if opt.MaxCursors <= 0 {
		opt.MaxCursors = 3
	}
	if opt.Caret == nil {
		opt.Caret = GridCaret{CharWidth: 8, LineHeight: 20}
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	b := &Binding{
		field:    opt.Field,
		sync:     s,
		onChange: opt.OnChange,
		sendOps:  opt.SendOperations,
		maxCur:   opt.MaxCursors,
		caret:    opt.Caret,
		logger:   opt.Logger.With("field", opt.Field),
		buffer:   opt.Value,
		lastSent: opt.Value,
		colors:   make(map[string]string),
	}
	b.sched = newScheduler(opt.Clock, opt.Debounce, b.flush)
	return b, nil
}

func (b *Binding) Field() string { return b.field }

func (b *Binding) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer
}

func (b *Binding) Online() bool { return b.sync.Connected() }

// Input 本地按键：立即更新缓冲区并同步回调 onChange，发送走防抖
func (b *Binding) Input(value string) {
	b.mu.Lock()
	if b.applyingRemote {
		b.mu.Unlock()
		return
	}
	b.buffer = value
	b.pendingLocal = true
	// onChange 期间到达的远端更新不能覆盖这次输入
	connected := b.sync.Connected()
	if connected {
		b.sched.markPending()
	}
	b.mu.Unlock()

	b.onChange(b.field, value)
	if connected {
		b.sched.Schedule(value)
	}
}

// SetExternal 父组件传入的新值
func (b *Binding) SetExternal(value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applyingRemote {
		return
	}
	if b.pendingLocal {
		if value == b.buffer {
			b.pendingLocal = false
		}
		return
	}
	if value != b.buffer {
		b.buffer = value
		b.lastSent = value
	}
}

func newestFor(updates []protocol.TextUpdate, field string) (protocol.TextUpdate, bool) {
	for i := len(updates) - 1; i >= 0; i-- {
		if updates[i].Field == field {
			return updates[i], true
		}
	}
	return protocol.TextUpdate{}, false
}

// SyncRemote 在同步代理通知有变化后调用，必要时采纳该字段最新的远端更新
func (b *Binding) SyncRemote() {
	latest, ok := newestFor(b.sync.RemoteUpdates(), b.field)
	if !ok {
		return
	}
	b.mu.Lock()
	if b.applyingRemote || (b.hasSeen && latest == b.seen) {
		b.mu.Unlock()
		return
	}
	// 本地还有没发出的修改，等发出后这条更新就作废了
	if b.sched.Pending() {
		b.mu.Unlock()
		return
	}
	b.seen, b.hasSeen = latest, true
	if latest.Value == b.buffer {
		b.mu.Unlock()
		return
	}
	b.applyingRemote = true
	b.buffer = latest.Value
	b.lastSent = latest.Value
	b.mu.Unlock()

	b.logger.Debug("adopt remote update", "from", latest.UserID)
	b.onChange(b.field, latest.Value)

	b.mu.Lock()
	b.applyingRemote = false
	b.mu.Unlock()
}

// flush 由防抖计时器或组字结束触发
func (b *Binding) flush(value string) {
	if !b.sync.Connected() {
		return
	}
	latest, ok := newestFor(b.sync.RemoteUpdates(), b.field)
	b.mu.Lock()
	old := b.lastSent
	b.lastSent = value
	if ok {
		b.seen, b.hasSeen = latest, true
	}
	b.mu.Unlock()

	if b.sendOps && old != value {
		b.sync.SendDiff(b.field, old, value)
	}
	b.sync.SendTextUpdate(b.field, value)
}

func (b *Binding) CompositionStart() { b.sched.CompositionStart() }

func (b *Binding) CompositionEnd(value string) { b.sched.CompositionEnd(value) }

func (b *Binding) Focus() { b.sync.SendTypingIndicator(b.field, true) }

func (b *Binding) Blur() { b.sync.SendTypingIndicator(b.field, false) }

// Select 光标移动
func (b *Binding) Select(offset int) {
	b.mu.Lock()
	applying := b.applyingRemote
	b.mu.Unlock()
	if !applying {
		b.sync.SendCursorPosition(b.field, offset)
	}
}

// Close 丢弃还在防抖中的发送
func (b *Binding) Close() { b.sched.Cancel() }

// Watch 每次收到变化通知就同步一次，直到 ctx 结束
func (b *Binding) Watch(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			b.SyncRemote()
		}
	}
}

// TypingUsers 正在这个字段输入的其他人
func (b *Binding) TypingUsers() []agent.Typing {
	var out []agent.Typing
	for _, t := range b.sync.TypingUsers() {
		if t.Field == b.field {
			out = append(out, t)
		}
	}
	return out
}

func (b *Binding) TypingLabel() string {
	typing := b.TypingUsers()
	switch len(typing) {
	case 0:
		return ""
	case 1:
		return typing[0].UserName + " is typing..."
	default:
		return fmt.Sprintf("%d people are typing...", len(typing))
	}
}

func randomColor() string {
	return fmt.Sprintf("hsl(%d, 90%%, 50%%)", rand.IntN(360))
}

// Cursors 其他人在这个字段上的光标，最多 MaxCursors 个
func (b *Binding) Cursors() []Cursor {
	users := b.sync.Users()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Cursor
	for _, u := range users {
		if len(out) == b.maxCur {
			break
		}
		if u.Field != b.field || u.Cursor == nil {
			continue
		}
		color, ok := b.colors[u.ID]
		if !ok {
			color = randomColor()
			b.colors[u.ID] = color
		}
		x, y := b.caret.Caret(b.buffer, *u.Cursor)
		out = append(out, Cursor{
			UserID: u.ID, UserName: u.Name, Offset: *u.Cursor, X: x, Y: y, Color: color,
		})
	}
	return out
}
