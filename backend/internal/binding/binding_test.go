package binding

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"notesCollab/backend/internal/agent"
	"notesCollab/backend/internal/ws/protocol"
)

type fakeSync struct {
	mu        sync.Mutex
	connected bool
	updates   []protocol.TextUpdate
	users     []protocol.PresenceUser
	typing    []agent.Typing

	sent    []string
	diffs   [][2]string
	cursors []int
	typings []bool
}

func (f *fakeSync) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSync) SendTextUpdate(_, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, value)
}

func (f *fakeSync) SendDiff(_, old, new string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs = append(f.diffs, [2]string{old, new})
}

func (f *fakeSync) SendCursorPosition(_ string, position int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, position)
}

func (f *fakeSync) SendTypingIndicator(_ string, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings = append(f.typings, isTyping)
}

func (f *fakeSync) RemoteUpdates() []protocol.TextUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.TextUpdate(nil), f.updates...)
}

func (f *fakeSync) Users() []protocol.PresenceUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.PresenceUser(nil), f.users...)
}

func (f *fakeSync) TypingUsers() []agent.Typing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Typing(nil), f.typing...)
}

func (f *fakeSync) remote(field, value, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, protocol.TextUpdate{
		Field: field, Value: value, UserID: user, Timestamp: int64(len(f.updates) + 1),
	})
}

func (f *fakeSync) sentValues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type harness struct {
	sync    *fakeSync
	clock   clockwork.Clock
	advance func(time.Duration)
	b       *Binding
	changes []string
}

func newHarness(t *testing.T, opt Options) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := &harness{
		sync:    &fakeSync{connected: true},
		clock:   clock,
		advance: clock.Advance,
	}
	if opt.Field == "" {
		opt.Field = "q1"
	}
	if opt.OnChange == nil {
		opt.OnChange = func(_, v string) { h.changes = append(h.changes, v) }
	}
	opt.Clock = clock
	b, err := New(h.sync, opt)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.b = b
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RequiresField(t *testing.T) {
	if _, err := New(&fakeSync{}, Options{}); err == nil {
		t.Fatalf("New() without field: error = nil")
	}
}

func TestBinding_InputDebouncesSend(t *testing.T) {
	h := newHarness(t, Options{})

	h.b.Input("a")
	h.b.Input("ab")
	if len(h.changes) != 2 || h.changes[1] != "ab" {
		t.Fatalf("onChange calls = %v, want [a ab]", h.changes)
	}
	if got := h.b.Value(); got != "ab" {
		t.Fatalf("Value() = %q, want %q", got, "ab")
	}

	h.advance(199 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if n := len(h.sync.sentValues()); n != 0 {
		t.Fatalf("sent %d updates before debounce elapsed", n)
	}

	h.advance(time.Millisecond)
	waitFor(t, "debounced send", func() bool { return len(h.sync.sentValues()) == 1 })
	if got := h.sync.sentValues()[0]; got != "ab" {
		t.Fatalf("sent %q, want %q", got, "ab")
	}
}

func TestBinding_CompositionSuppressesThenFlushes(t *testing.T) {
	h := newHarness(t, Options{})

	h.b.CompositionStart()
	if h.b.sched.State() != schedComposing {
		t.Fatalf("scheduler state = %s, want composing", h.b.sched.State())
	}
	h.b.Input("k")
	h.b.Input("ka")
	h.advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	if n := len(h.sync.sentValues()); n != 0 {
		t.Fatalf("sent %d updates while composing", n)
	}

	h.b.CompositionEnd("か")
	if got := h.sync.sentValues(); len(got) != 1 || got[0] != "か" {
		t.Fatalf("sent = %q, want [か]", got)
	}
	if h.b.sched.State() != schedIdle {
		t.Fatalf("scheduler state = %s, want idle", h.b.sched.State())
	}
}

func TestBinding_AdoptsNewestRemoteForField(t *testing.T) {
	h := newHarness(t, Options{Value: "start"})

	h.sync.remote("q1", "first", "b")
	h.sync.remote("q1", "hello", "b")
	h.sync.remote("q2", "other field", "c")
	h.b.SyncRemote()
	if got := h.b.Value(); got != "hello" {
		t.Fatalf("Value() = %q, want %q", got, "hello")
	}
	if len(h.changes) != 1 || h.changes[0] != "hello" {
		t.Fatalf("onChange calls = %v, want [hello]", h.changes)
	}

	// 同一条更新不重复采纳
	h.b.SyncRemote()
	if len(h.changes) != 1 {
		t.Fatalf("onChange calls = %v, want one", h.changes)
	}
}

func TestBinding_RemoteDuringOnChangeKeepsInput(t *testing.T) {
	var h *harness
	interleaved := false
	h = newHarness(t, Options{OnChange: func(_, v string) {
		if v == "mine" && !interleaved {
			interleaved = true
			// 另一个 goroutine 恰好在 onChange 期间收到远端更新
			h.sync.remote("q1", "theirs", "b")
			h.b.SyncRemote()
		}
	}})

	h.b.Input("mine")
	if !interleaved {
		t.Fatal("onChange not called")
	}
	if got := h.b.Value(); got != "mine" {
		t.Fatalf("Value() after interleaved remote = %q, want %q", got, "mine")
	}

	h.advance(200 * time.Millisecond)
	waitFor(t, "flush", func() bool { return len(h.sync.sentValues()) == 1 })
	if got := h.sync.sentValues()[0]; got != h.b.Value() {
		t.Fatalf("sent %q but local value is %q", got, h.b.Value())
	}
	h.b.SyncRemote()
	if got := h.b.Value(); got != "mine" {
		t.Fatalf("Value() after flush = %q, want %q", got, "mine")
	}
}

func TestBinding_PendingLocalBeatsRemote(t *testing.T) {
	h := newHarness(t, Options{})

	h.b.Input("mine")
	h.sync.remote("q1", "theirs", "b")
	h.b.SyncRemote()
	if got := h.b.Value(); got != "mine" {
		t.Fatalf("Value() with pending send = %q, want %q", got, "mine")
	}

	h.advance(200 * time.Millisecond)
	waitFor(t, "flush", func() bool { return len(h.sync.sentValues()) == 1 })

	// 已被本地发送取代，之后也不采纳
	h.b.SyncRemote()
	if got := h.b.Value(); got != "mine" {
		t.Fatalf("Value() after flush = %q, want %q", got, "mine")
	}

	h.sync.remote("q1", "later", "b")
	h.b.SyncRemote()
	if got := h.b.Value(); got != "later" {
		t.Fatalf("Value() = %q, want %q", got, "later")
	}
}

func TestBinding_Watch(t *testing.T) {
	h := newHarness(t, Options{})
	changes := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.b.Watch(ctx, changes)
		close(done)
	}()

	h.sync.remote("q1", "from watch", "b")
	changes <- struct{}{}
	waitFor(t, "remote adopted", func() bool { return h.b.Value() == "from watch" })

	cancel()
	<-done
}

func TestBinding_IgnoresReentrantWritesDuringRemoteApply(t *testing.T) {
	var h *harness
	h = newHarness(t, Options{OnChange: func(_, v string) {
		// 父组件在回调里回写旧值
		h.b.SetExternal("stale")
		h.b.Input("typed")
	}})

	h.sync.remote("q1", "remote", "b")
	h.b.SyncRemote()
	if got := h.b.Value(); got != "remote" {
		t.Fatalf("Value() = %q, want %q", got, "remote")
	}
	if h.b.sched.Pending() {
		t.Fatalf("reentrant Input scheduled a send")
	}
}

func TestBinding_ExternalValueWaitsForLocalEdit(t *testing.T) {
	h := newHarness(t, Options{Value: "ab"})

	h.b.Input("abc")
	h.b.SetExternal("ab")
	if got := h.b.Value(); got != "abc" {
		t.Fatalf("Value() = %q, want local %q", got, "abc")
	}
	// 追上后解除
	h.b.SetExternal("abc")
	h.b.SetExternal("dictated text")
	if got := h.b.Value(); got != "dictated text" {
		t.Fatalf("Value() = %q, want %q", got, "dictated text")
	}
}

func TestBinding_DisconnectedDoesNotSend(t *testing.T) {
	h := newHarness(t, Options{})
	h.sync.connected = false

	h.b.Input("offline edit")
	h.advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	if n := len(h.sync.sentValues()); n != 0 {
		t.Fatalf("sent %d updates while disconnected", n)
	}
	if got := h.b.Value(); got != "offline edit" {
		t.Fatalf("Value() = %q, want local edit kept", got)
	}
}

func TestBinding_CloseDropsPendingSend(t *testing.T) {
	h := newHarness(t, Options{})
	h.b.Input("x")
	h.b.Close()
	h.advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	if n := len(h.sync.sentValues()); n != 0 {
		t.Fatalf("sent %d updates after Close", n)
	}
}

func TestBinding_SendOperations(t *testing.T) {
	h := newHarness(t, Options{Value: "hello world", SendOperations: true})
	h.b.Input("hello there world")
	h.advance(200 * time.Millisecond)
	waitFor(t, "flush", func() bool { return len(h.sync.sentValues()) == 1 })

	h.sync.mu.Lock()
	defer h.sync.mu.Unlock()
	if len(h.sync.diffs) != 1 || h.sync.diffs[0] != [2]string{"hello world", "hello there world"} {
		t.Fatalf("diffs = %v", h.sync.diffs)
	}
}

func TestBinding_FocusBlurSelect(t *testing.T) {
	h := newHarness(t, Options{})
	h.b.Focus()
	h.b.Select(4)
	h.b.Blur()

	if len(h.sync.typings) != 2 || !h.sync.typings[0] || h.sync.typings[1] {
		t.Fatalf("typing indicators = %v, want [true false]", h.sync.typings)
	}
	if len(h.sync.cursors) != 1 || h.sync.cursors[0] != 4 {
		t.Fatalf("cursor positions = %v, want [4]", h.sync.cursors)
	}
}

func TestBinding_Presence(t *testing.T) {
	h := newHarness(t, Options{Value: "ab\ncd", Caret: GridCaret{CharWidth: 10, LineHeight: 20}})

	at := func(n int) *int { return &n }
	h.sync.users = []protocol.PresenceUser{
		{ID: "u1", Name: "A", Cursor: at(4), Field: "q1"},
		{ID: "u2", Name: "B", Cursor: at(1), Field: "q2"},
		{ID: "u3", Name: "C", Field: "q1"},
		{ID: "u4", Name: "D", Cursor: at(0), Field: "q1"},
		{ID: "u5", Name: "E", Cursor: at(1), Field: "q1"},
		{ID: "u6", Name: "F", Cursor: at(2), Field: "q1"},
	}
	cursors := h.b.Cursors()
	if len(cursors) != 3 {
		t.Fatalf("len(Cursors()) = %d, want 3", len(cursors))
	}
	if cursors[0].UserID != "u1" || cursors[0].X != 10 || cursors[0].Y != 20 {
		t.Fatalf("Cursors()[0] = %+v, want u1 at (10,20)", cursors[0])
	}

	hsl := regexp.MustCompile(`^hsl\(\d{1,3}, 90%, 50%\)$`)
	again := h.b.Cursors()
	for i := range cursors {
		if !hsl.MatchString(cursors[i].Color) {
			t.Fatalf("Color = %q", cursors[i].Color)
		}
		if again[i].Color != cursors[i].Color {
			t.Fatalf("color of %s changed: %q -> %q", cursors[i].UserID, cursors[i].Color, again[i].Color)
		}
	}

	h.sync.typing = []agent.Typing{{UserID: "u1", UserName: "Ann", Field: "q1"}}
	if got := h.b.TypingLabel(); got != "Ann is typing..." {
		t.Fatalf("TypingLabel() = %q", got)
	}
	h.sync.typing = append(h.sync.typing,
		agent.Typing{UserID: "u2", UserName: "Bob", Field: "q1"},
		agent.Typing{UserID: "u3", UserName: "Cy", Field: "q2"})
	if got := h.b.TypingLabel(); got != "2 people are typing..." {
		t.Fatalf("TypingLabel() = %q", got)
	}
}

func TestGridCaret(t *testing.T) {
	g := GridCaret{CharWidth: 8, LineHeight: 16, Cols: 4}
	cases := []struct {
		text   string
		offset int
		x, y   float64
	}{
		{"", 0, 0, 0},
		{"abc", 2, 16, 0},
		{"ab\ncd", 3, 0, 16},
		{"abcdef", 5, 8, 16},
		{"日本語", 2, 16, 0},
		{"ab", 10, 16, 0},
	}
	for _, tc := range cases {
		x, y := g.Caret(tc.text, tc.offset)
		if x != tc.x || y != tc.y {
			t.Fatalf("Caret(%q, %d) = (%v, %v), want (%v, %v)", tc.text, tc.offset, x, y, tc.x, tc.y)
		}
	}
}
