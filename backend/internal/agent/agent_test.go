package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"notesCollab/backend/internal/collab"
	"notesCollab/backend/internal/ot/textop"
	"notesCollab/backend/internal/ws"
	"notesCollab/backend/internal/ws/protocol"
)

type broker struct {
	url   string
	store *collab.Store
	hub   *ws.Hub
}

func newBroker(t *testing.T) *broker {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := collab.NewStore(collab.Options{})
	hub := ws.NewHub(store, ws.HubOptions{})
	m := ws.NewManager(hub, ws.ManagerOptions{})
	r := gin.New()
	r.GET("/ws", m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &broker{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		store: store,
		hub:   hub,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startAgent(t *testing.T, opt Options) *Agent {
	t.Helper()
	a, err := New(opt)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.Start(context.Background())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func hasUser(users []protocol.PresenceUser, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}

func TestNew_InvalidOptions(t *testing.T) {
	cases := []Options{
		{RoomID: "r", UserID: "u"},
		{URL: "ws://x", UserID: "u"},
		{URL: "ws://x", RoomID: "r"},
		{URL: "ws://x", RoomID: "r", UserID: "u", ReconnectMode: "linear"},
	}
	for i, opt := range cases {
		if _, err := New(opt); !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("case %d: New() error = %v, want ErrInvalidOptions", i, err)
		}
	}
}

func TestAgent_SendWhileDisconnectedIsNoop(t *testing.T) {
	a, err := New(Options{URL: "ws://127.0.0.1:1/ws", RoomID: "r", UserID: "u"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.State() != StateIdle {
		t.Fatalf("State() = %s, want idle", a.State())
	}
	a.SendTextUpdate("q1", "x")
	a.SendCursorPosition("q1", 1)
	a.SendTypingIndicator("q1", true)
	a.SendDiff("q1", "a", "ab")
	a.RequestDocumentState()
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestAgent_JoinAndRelay(t *testing.T) {
	b := newBroker(t)
	ann := startAgent(t, Options{URL: b.url, RoomID: "R1", UserID: "a", UserName: "Ann"})
	bob := startAgent(t, Options{URL: b.url, RoomID: "R1", UserID: "b", UserName: "Bob"})

	waitFor(t, "presence on both sides", func() bool {
		return hasUser(ann.Users(), "b") && hasUser(bob.Users(), "a")
	})
	if hasUser(ann.Users(), "a") {
		t.Fatalf("Users() of a contains itself")
	}

	ann.SendTextUpdate("q1", "draft answer")
	waitFor(t, "text-update at b", func() bool { return len(bob.RemoteUpdates()) == 1 })
	got := bob.RemoteUpdates()[0]
	if got.Field != "q1" || got.Value != "draft answer" || got.UserID != "a" {
		t.Fatalf("RemoteUpdates()[0] = %+v", got)
	}

	bob.SendDiff("q1", "draft answer", "draft final answer")
	waitFor(t, "text-operation at a", func() bool { return len(ann.RemoteOperations()) == 1 })
	if op := ann.RemoteOperations()[0]; op.UserID != "b" || op.Edit.Kind() != textop.KindInsert {
		t.Fatalf("RemoteOperations()[0] = %+v", op)
	}

	bob.SendCursorPosition("q1", 5)
	waitFor(t, "cursor of b", func() bool {
		for _, u := range ann.Users() {
			if u.ID == "b" && u.Cursor != nil && *u.Cursor == 5 && u.Field == "q1" {
				return true
			}
		}
		return false
	})

	ann.RequestDocumentState()
	waitFor(t, "document-state", func() bool {
		return ann.DocumentState()["q1"] == "draft final answer"
	})

	// 自己的事件不会回显
	if n := len(ann.RemoteUpdates()); n != 0 {
		t.Fatalf("len(RemoteUpdates()) of sender = %d, want 0", n)
	}
	if n := len(bob.RemoteOperations()); n != 0 {
		t.Fatalf("len(RemoteOperations()) of sender = %d, want 0", n)
	}
}

func TestAgent_ReconnectsAfterServerClose(t *testing.T) {
	b := newBroker(t)
	clock := clockwork.NewFakeClock()
	a := startAgent(t, Options{URL: b.url, RoomID: "R1", UserID: "a", Clock: clock})

	waitFor(t, "connected", func() bool { return a.Connected() && b.hub.Connections() == 1 })

	b.hub.CloseRoom("R1")
	waitFor(t, "disconnected", func() bool { return a.State() == StateDisconnected })

	// 固定 3s 重连
	waitFor(t, "reconnected", func() bool {
		clock.Advance(time.Second)
		return a.Connected() && b.hub.Connections() == 1
	})
	waitFor(t, "room R1 rejoined", func() bool {
		_, ok := b.store.Snapshot("R1")
		return ok
	})
}

func TestAgent_CloseCancelsPendingRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := startAgent(t, Options{URL: "ws://127.0.0.1:1/ws", RoomID: "R1", UserID: "a", Clock: clock})
	waitFor(t, "first attempt failed", func() bool { return a.State() == StateDisconnected })

	done := make(chan struct{})
	go func() {
		_ = a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close() blocked on pending retry")
	}
	if a.State() != StateIdle {
		t.Fatalf("State() = %s, want idle", a.State())
	}
}

func newUnstarted(t *testing.T, clock clockwork.Clock) *Agent {
	t.Helper()
	a, err := New(Options{URL: "ws://x/ws", RoomID: "R1", UserID: "me", Clock: clock})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func envelope(t *testing.T, event string, payload any) protocol.Envelope {
	t.Helper()
	b, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	env, err := protocol.Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return env
}

func TestAgent_HandleOperations(t *testing.T) {
	a := newUnstarted(t, clockwork.NewFakeClock())

	mk := func(id, user string) textop.Operation {
		return textop.Operation{ID: id, Field: "q1", UserID: user, Edit: textop.Insert{Position: 0, Content: "x"}}
	}
	a.handle(envelope(t, protocol.EventTextOperation, mk("op-self", "me")))
	a.handle(envelope(t, protocol.EventTextOperation, mk("op-1", "b")))
	a.handle(envelope(t, protocol.EventTextOperation, mk("op-1", "b")))
	if n := len(a.RemoteOperations()); n != 1 {
		t.Fatalf("len(RemoteOperations()) = %d, want 1", n)
	}

	for i := 2; i <= 60; i++ {
		a.handle(envelope(t, protocol.EventTextOperation, mk(fmt.Sprintf("op-%d", i), "b")))
	}
	ops := a.RemoteOperations()
	if len(ops) != 50 {
		t.Fatalf("len(RemoteOperations()) = %d, want 50", len(ops))
	}
	if ops[0].ID != "op-11" || ops[49].ID != "op-60" {
		t.Fatalf("RemoteOperations() spans %s..%s, want op-11..op-60", ops[0].ID, ops[49].ID)
	}
}

func TestAgent_HandleUpdatesKeepsEveryEntry(t *testing.T) {
	a := newUnstarted(t, clockwork.NewFakeClock())

	a.handle(envelope(t, protocol.EventTextUpdate, protocol.TextUpdate{Field: "q1", Value: "mine", UserID: "me"}))
	for i := 0; i < 105; i++ {
		a.handle(envelope(t, protocol.EventTextUpdate, protocol.TextUpdate{Field: "q1", Value: fmt.Sprint(i), UserID: "b"}))
	}
	ups := a.RemoteUpdates()
	if len(ups) != 100 {
		t.Fatalf("len(RemoteUpdates()) = %d, want 100", len(ups))
	}
	if ups[0].Value != "5" || ups[99].Value != "104" {
		t.Fatalf("RemoteUpdates() spans %q..%q, want 5..104", ups[0].Value, ups[99].Value)
	}
}

func TestAgent_HandlePresence(t *testing.T) {
	a := newUnstarted(t, clockwork.NewFakeClock())

	a.handle(envelope(t, protocol.EventUsersUpdated, []protocol.PresenceUser{
		{ID: "me", Name: "Me"}, {ID: "b", Name: "Bob"},
	}))
	a.handle(envelope(t, protocol.EventCursorPosition, protocol.CursorPosition{Field: "q2", Position: 4, UserID: "b"}))
	a.handle(envelope(t, protocol.EventCursorPosition, protocol.CursorPosition{Field: "q2", Position: 9, UserID: "me"}))

	users := a.Users()
	if len(users) != 1 || users[0].ID != "b" {
		t.Fatalf("Users() = %+v, want only b", users)
	}
	if users[0].Cursor == nil || *users[0].Cursor != 4 || users[0].Field != "q2" {
		t.Fatalf("cursor of b = %v/%q, want 4/q2", users[0].Cursor, users[0].Field)
	}

	a.handle(envelope(t, protocol.EventDocumentState, protocol.DocumentState{"q1": "hi"}))
	if got := a.DocumentState(); got["q1"] != "hi" || len(got) != 1 {
		t.Fatalf("DocumentState() = %v", got)
	}

	select {
	case <-a.Changes():
	default:
		t.Fatalf("Changes() not signalled")
	}
}

func TestAgent_TypingAging(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newUnstarted(t, clock)

	typing := func(user, field string, on bool) {
		a.handle(envelope(t, protocol.EventTypingIndicator, protocol.TypingIndicator{
			Field: field, IsTyping: on, UserID: user, UserName: user,
		}))
	}
	typing("b", "q1", true)
	typing("c", "q1", true)
	typing("me", "q1", true)
	typing("c", "q1", false)

	if got := a.TypingUsers(); len(got) != 1 || got[0].UserID != "b" {
		t.Fatalf("TypingUsers() = %+v, want only b", got)
	}

	clock.Advance(2 * time.Second)
	a.sweepTyping()
	if n := len(a.TypingUsers()); n != 1 {
		t.Fatalf("after 2s len(TypingUsers()) = %d, want 1", n)
	}

	// 没有显式的停止事件也会过期
	clock.Advance(time.Second)
	a.sweepTyping()
	if n := len(a.TypingUsers()); n != 0 {
		t.Fatalf("after 3s len(TypingUsers()) = %d, want 0", n)
	}
}

func TestAgent_TypingSweeperLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newUnstarted(t, clock)
	a.handle(envelope(t, protocol.EventTypingIndicator, protocol.TypingIndicator{Field: "q1", IsTyping: true, UserID: "b"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.runTypingSweeper(ctx)

	waitFor(t, "typing swept", func() bool {
		clock.Advance(time.Second)
		return len(a.TypingUsers()) == 0
	})
}

func TestAgent_BackOffPolicy(t *testing.T) {
	clock := clockwork.NewFakeClock()

	fixed := newUnstarted(t, clock).newBackOff()
	for i := 0; i < 5; i++ {
		if d := fixed.NextBackOff(); d != 3*time.Second {
			t.Fatalf("fixed NextBackOff() = %v, want 3s", d)
		}
	}

	a, err := New(Options{
		URL: "ws://x/ws", RoomID: "R1", UserID: "me", Clock: clock,
		ReconnectMode: ReconnectExponential, ReconnectDelay: time.Second,
		MaxDelay: 4 * time.Second, MaxElapsed: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	exp := a.newBackOff()
	if d := exp.NextBackOff(); d < 500*time.Millisecond || d > 1500*time.Millisecond {
		t.Fatalf("first NextBackOff() = %v, want about 1s", d)
	}
	for i := 0; i < 10; i++ {
		if d := exp.NextBackOff(); d > 6*time.Second {
			t.Fatalf("NextBackOff() = %v, want capped near 4s", d)
		}
	}
	clock.Advance(11 * time.Second)
	if d := exp.NextBackOff(); d != backoff.Stop {
		t.Fatalf("NextBackOff() after max elapsed = %v, want Stop", d)
	}
}
