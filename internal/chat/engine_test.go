package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hays/internal/api"
	"github.com/hays/internal/model"
)

func newTestEngine(t *testing.T) (*Engine, *fakeAPI, *fakeEvents) {
	t.Helper()
	a, ev := newFakeAPI(), newFakeEvents()
	e := New(Options{API: a, Events: ev, SelfID: "me"})
	t.Cleanup(e.Close)
	return e, a, ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countContent(msgs []model.Message, content string) int {
	n := 0
	for _, m := range msgs {
		if m.Content == content {
			n++
		}
	}
	return n
}

func TestSendThenEchoRendersOnce(t *testing.T) {
	ctx := context.Background()
	e, _, ev := newTestEngine(t)

	id, err := e.Open(ctx, "conv:1:2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if id != "conv:1:2" || e.Active() != "conv:1:2" {
		t.Fatalf("active = %q (returned %q)", e.Active(), id)
	}
	if !ev.inRoom("conv:1:2") {
		t.Fatalf("conversation room not joined")
	}

	sent, err := e.Send(ctx, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].Content != "hi" || !msgs[0].FromMe || msgs[0].Pending {
		t.Fatalf("after send: %+v", msgs)
	}
	if !e.AwaitingEcho(*sent) {
		t.Fatalf("identity key of the sent message not in the sent set")
	}
	if len(ev.emitted) != 1 || ev.emitted[0].ConversationID != "conv:1:2" {
		t.Fatalf("message:send not emitted: %+v", ev.emitted)
	}

	echo := *sent
	echo.FromMe = false
	ev.deliver("conv:1:2", echo)

	if got := countContent(e.Messages(), "hi"); got != 1 {
		t.Fatalf("rendered %d copies of the message, want 1", got)
	}
	if e.AwaitingEcho(*sent) {
		t.Fatalf("echo not consumed")
	}

	// A second delivery of the same message is a plain duplicate.
	ev.deliver("conv:1:2", echo)
	if got := countContent(e.Messages(), "hi"); got != 1 {
		t.Fatalf("duplicate event rendered: %d copies", got)
	}
}

func TestEchoBeforeSendResponse(t *testing.T) {
	ctx := context.Background()
	e, a, ev := newTestEngine(t)
	if _, err := e.Open(ctx, "convo:me:bob"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.onSend = func(cid string, m model.Message) { ev.deliver(cid, m) }

	sent, err := e.Send(ctx, "fast echo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].Pending || msgs[0].ID != sent.ID {
		t.Fatalf("messages after early echo: %+v", msgs)
	}
	if e.AwaitingEcho(*sent) {
		t.Fatalf("no echo should be expected after it already arrived")
	}
}

func TestEchoReplacesPendingCopy(t *testing.T) {
	ctx := context.Background()
	e, a, ev := newTestEngine(t)
	if _, err := e.Open(ctx, "convo:me:bob"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	var during []model.Message
	a.onSend = func(cid string, m model.Message) {
		ev.deliver(cid, m)
		during = e.Messages()
	}

	sent, err := e.Send(ctx, "early")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(during) != 1 || during[0].Pending || during[0].ID != sent.ID || !during[0].FromMe {
		t.Fatalf("rendered while the response was pending: %+v", during)
	}
	if got := countContent(e.Messages(), "early"); got != 1 {
		t.Fatalf("rendered %d copies after the response, want 1", got)
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	e, a, ev := newTestEngine(t)
	if _, err := e.Open(ctx, "convo:me:bob"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.sendErr = &api.ValidationError{Op: "api.Send", Status: 422, Detail: "Message content cannot be empty"}

	if _, err := e.Send(ctx, "x"); err == nil {
		t.Fatalf("expected error")
	} else if api.Detail(err) != "Message content cannot be empty" {
		t.Fatalf("detail = %q", api.Detail(err))
	}
	if msgs := e.Messages(); len(msgs) != 0 {
		t.Fatalf("pending message not rolled back: %+v", msgs)
	}
	if len(ev.emitted) != 0 {
		t.Fatalf("failed send must not be relayed")
	}
}

func TestSendValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Send(context.Background(), "   "); err != ErrEmptyMessage {
		t.Fatalf("blank content: %v", err)
	}
	if _, err := e.Send(context.Background(), "hello"); err != ErrNoActiveConversation {
		t.Fatalf("no conversation: %v", err)
	}
}

func TestStaleEventIsolation(t *testing.T) {
	ctx := context.Background()
	e, a, ev := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	last := msgAt("old", "alice", "old", t0)
	a.conversations = []model.Conversation{conv("convo:alice:me", "alice", "alice", &last, 0)}
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, err := e.Open(ctx, "convo:alice:me"); err != nil {
		t.Fatalf("Open A: %v", err)
	}
	a.history["convo:bob:me"] = []model.Message{msgAt("b1", "bob", "from bob", t0)}
	if _, err := e.Open(ctx, "convo:bob:me"); err != nil {
		t.Fatalf("Open B: %v", err)
	}
	if ev.inRoom("convo:alice:me") || !ev.inRoom("convo:bob:me") {
		t.Fatalf("rooms not switched: joins=%v leaves=%v", ev.joins, ev.leaves)
	}

	ev.deliver("convo:alice:me", msgAt("late", "alice", "late for A", t0.Add(time.Minute)))

	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].ID != "b1" {
		t.Fatalf("event for the previous conversation leaked into the active one: %+v", msgs)
	}
	c, _ := e.Conversation("convo:alice:me")
	if c.LastMessage == nil || c.LastMessage.ID != "late" {
		t.Fatalf("preview of the inactive conversation not updated: %+v", c.LastMessage)
	}
	if c.UnreadCount != 1 || e.UnreadTotal() != 1 {
		t.Fatalf("unread = %d, total = %d", c.UnreadCount, e.UnreadTotal())
	}
}

func TestStaleHistoryDiscarded(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEngine(t)
	gate := make(chan struct{})
	a.historyGate["convo:alice:me"] = gate
	a.history["convo:alice:me"] = []model.Message{msgAt("a1", "alice", "A", time.Now())}
	a.history["convo:bob:me"] = []model.Message{msgAt("b1", "bob", "B", time.Now())}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := e.Open(ctx, "convo:alice:me"); err != nil {
			t.Errorf("Open A: %v", err)
		}
	}()
	waitFor(t, "A to become active", func() bool { return e.Active() == "convo:alice:me" })

	if _, err := e.Open(ctx, "convo:bob:me"); err != nil {
		t.Fatalf("Open B: %v", err)
	}
	close(gate)
	wg.Wait()

	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].ID != "b1" {
		t.Fatalf("stale history overwrote the active conversation: %+v", msgs)
	}
	if a.markedCount("convo:alice:me") != 0 {
		t.Fatalf("stale conversation marked read")
	}
}

func TestUnreadTotalAndMarkRead(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m1, m2 := msgAt("1", "alice", "x", t0), msgAt("2", "bob", "y", t0.Add(time.Hour))
	a.conversations = []model.Conversation{
		conv("convo:alice:me", "alice", "alice", &m1, 2),
		conv("convo:bob:me", "bob", "bob", &m2, 3),
		conv("convo:carol:me", "carol", "carol", nil, 5),
	}
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := e.UnreadTotal(); got != 5 {
		t.Fatalf("UnreadTotal = %d, want 5 (hidden conversations do not count)", got)
	}

	if _, err := e.Open(ctx, "convo:alice:me"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := e.UnreadTotal(); got != 3 {
		t.Fatalf("UnreadTotal after mark read = %d, want 3", got)
	}

	if _, err := e.Open(ctx, "convo:bob:me"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := e.Open(ctx, "convo:alice:me"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := a.markedCount("convo:alice:me"); n != 1 {
		t.Fatalf("mark_read sent %d times, want once per session", n)
	}
	if got := e.UnreadTotal(); got != 0 {
		t.Fatalf("UnreadTotal = %d, want 0", got)
	}
}

func TestMarkReadFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEngine(t)
	m := msgAt("1", "alice", "x", time.Now())
	a.conversations = []model.Conversation{conv("convo:alice:me", "alice", "alice", &m, 4)}
	a.markErr = errOffline
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := e.Open(ctx, "convo:alice:me"); err != nil {
		t.Fatalf("mark read failure must not fail Open: %v", err)
	}
	if got := e.UnreadTotal(); got != 4 {
		t.Fatalf("UnreadTotal = %d, want unchanged 4", got)
	}
}

func TestReadPathDegrades(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEngine(t)
	m := msgAt("1", "alice", "x", time.Now())
	a.conversations = []model.Conversation{conv("convo:alice:me", "alice", "alice", &m, 0)}
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	a.listErr = errOffline
	if err := e.Refresh(ctx); err == nil {
		t.Fatalf("expected error")
	}
	if got := len(e.Conversations(Filter{})); got != 1 {
		t.Fatalf("stale list dropped: %d entries", got)
	}

	a.historyErr = errOffline
	if _, err := e.Open(ctx, "convo:alice:me"); err == nil || !api.IsConnectivity(err) {
		t.Fatalf("Open error = %v", err)
	}
	if e.Active() != "convo:alice:me" || e.Loading() || len(e.Messages()) != 0 {
		t.Fatalf("expected empty view for the selected conversation")
	}
}

func TestResolveBareUserCreatesConversation(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEngine(t)
	a.start["42"] = &api.ConversationRef{ID: "conv:7:42"}

	id, err := e.Open(ctx, "42")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if id != "conv:7:42" || e.Active() != "conv:7:42" {
		t.Fatalf("active = %q, want conv:7:42", e.Active())
	}
	if a.finds != 1 || a.starts != 1 {
		t.Fatalf("finds=%d starts=%d, want 1/1", a.finds, a.starts)
	}
	if got := e.Conversations(Filter{}); len(got) != 0 {
		t.Fatalf("empty conversation listed: %+v", got)
	}
	c, ok := e.Conversation("conv:7:42")
	if !ok || c.User.ID != "42" {
		t.Fatalf("header entry = %+v, %v", c, ok)
	}

	if _, err := e.Send(ctx, "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := e.Conversations(Filter{}); len(got) != 1 || got[0].ID != "conv:7:42" {
		t.Fatalf("conversation not listed after first message: %+v", got)
	}
}

func TestResolvePrefersLocalAndExisting(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEngine(t)
	m := msgAt("1", "alice", "x", time.Now())
	a.conversations = []model.Conversation{conv("convo:alice:me", "alice", "alice", &m, 0)}
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if id, _ := e.Open(ctx, "alice"); id != "convo:alice:me" {
		t.Fatalf("local resolution = %q", id)
	}
	if id, _ := e.Open(ctx, "convo:me:alice"); id != "convo:alice:me" {
		t.Fatalf("reversed composite = %q", id)
	}
	if a.finds != 0 || a.starts != 0 {
		t.Fatalf("network used for a locally known conversation")
	}

	a.find["bob"] = &api.ConversationRef{ConversationID: "convo:bob:me", User: &model.UserPublic{ID: "bob", Username: "bob"}}
	if id, _ := e.Open(ctx, "bob"); id != "convo:bob:me" {
		t.Fatalf("find-existing resolution = %q", id)
	}
	if a.starts != 0 {
		t.Fatalf("start called although a conversation exists")
	}
}

func TestResolveFallsBackOnError(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEngine(t)
	a.findErr = errOffline
	a.startErr = errOffline

	id, _ := e.Open(ctx, "42")
	if id != "42" || e.Active() != "42" {
		t.Fatalf("fallback id = %q", id)
	}
}

func TestConcurrentResolveStartsOnce(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEngine(t)
	a.start["42"] = &api.ConversationRef{ConversationID: "convo:42:me"}
	gate := make(chan struct{})
	a.startGate = gate

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = e.Open(ctx, "42")
		}(i)
	}
	waitFor(t, "both resolutions to query the server", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.finds == 2 && a.starts == 1
	})
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if a.starts != 1 {
		t.Fatalf("StartConversation called %d times", a.starts)
	}
	if ids[0] != "convo:42:me" || ids[1] != "convo:42:me" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestIncomingMessageUpdatesList(t *testing.T) {
	ctx := context.Background()
	e, a, ev := newTestEngine(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m1, m2 := msgAt("1", "alice", "a", t0), msgAt("2", "bob", "b", t0.Add(time.Hour))
	a.conversations = []model.Conversation{
		conv("convo:alice:me", "alice", "alice", &m1, 0),
		conv("convo:bob:me", "bob", "bob", &m2, 0),
	}
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := e.Conversations(Filter{}); got[0].ID != "convo:bob:me" {
		t.Fatalf("initial order: %v", got)
	}

	ev.deliver("convo:me:alice", msgAt("3", "alice", "newest", t0.Add(2*time.Hour)))
	got := e.Conversations(Filter{})
	if got[0].ID != "convo:alice:me" || got[0].LastMessage.Content != "newest" || got[0].UnreadCount != 1 {
		t.Fatalf("after arrival: %+v", got[0])
	}

	// Own messages from another device never count as unread.
	ev.deliver("convo:bob:me", msgAt("4", "me", "mine", t0.Add(3*time.Hour)))
	if c, _ := e.Conversation("convo:bob:me"); c.UnreadCount != 0 {
		t.Fatalf("own message counted as unread")
	}

	// A conversation never seen before appears with its counterpart.
	ev.deliver("convo:me:zed", msgAt("5", "zed", "hello", t0.Add(4*time.Hour)))
	c, ok := e.Conversation("convo:me:zed")
	if !ok || c.User.ID != "zed" || c.UnreadCount != 1 {
		t.Fatalf("new conversation entry = %+v, %v", c, ok)
	}
}

func TestSendAdoptsServerConversationID(t *testing.T) {
	ctx := context.Background()
	e, a, ev := newTestEngine(t)
	a.findErr = errOffline
	a.startErr = errOffline
	if _, err := e.Open(ctx, "carol"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.sendTarget = "convo:carol:me"

	if _, err := e.Send(ctx, "hey"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if e.Active() != "convo:carol:me" {
		t.Fatalf("active = %q", e.Active())
	}
	if !ev.inRoom("convo:carol:me") || ev.inRoom("carol") {
		t.Fatalf("room not switched to the server id")
	}
	if msgs := e.Messages(); len(msgs) != 1 || msgs[0].Content != "hey" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestCloseLeavesRoomAndDetaches(t *testing.T) {
	ctx := context.Background()
	a, ev := newFakeAPI(), newFakeEvents()
	e := New(Options{API: a, Events: ev, SelfID: "me"})
	if _, err := e.Open(ctx, "convo:alice:me"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	e.Close()
	if ev.inRoom("convo:alice:me") {
		t.Fatalf("room still joined after Close")
	}
	ev.deliver("convo:alice:me", msgAt("x", "alice", "after close", time.Now()))
	if len(e.Messages()) != 0 {
		t.Fatalf("closed engine still receives events")
	}
	if v := e.Receive("convo:alice:me", msgAt("y", "alice", "direct", time.Now())); v != VerdictClosed {
		t.Fatalf("Receive after Close = %s, want closed", v)
	}
	if _, err := e.Open(ctx, "convo:bob:me"); err != ErrClosed {
		t.Fatalf("Open after Close: %v", err)
	}
}

func TestOnChangeCalledOutsideLock(t *testing.T) {
	ctx := context.Background()
	a, ev := newFakeAPI(), newFakeEvents()
	var e *Engine
	var kinds []ChangeKind
	var mu sync.Mutex
	e = New(Options{API: a, Events: ev, SelfID: "me", OnChange: func(c Change) {
		// Re-entering the engine must not deadlock.
		_ = e.Messages()
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	}})
	defer e.Close()
	if _, err := e.Open(ctx, "convo:alice:me"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) == 0 || kinds[0] != ChangeActive {
		t.Fatalf("changes = %v", kinds)
	}
}
