package chat_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/hays/internal/api"
	"github.com/hays/internal/apitest"
	"github.com/hays/internal/chat"
	"github.com/hays/internal/model"
	"github.com/hays/internal/ws"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }
func (staticToken) Invalidate(context.Context)              {}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

// Весь путь клиента против in-memory бэкенда: REST + канал событий.
func TestEngineAgainstBackend(t *testing.T) {
	ctx := context.Background()
	srv := apitest.New(t)
	me, token := srv.AddUser("me", "pw")
	bob, _ := srv.AddUser("bob", "pw")
	carol, _ := srv.AddUser("carol", "pw")
	cid := apitest.ConversationID(me, bob)

	client := api.NewClient(srv.URL(), 5*time.Second)
	client.SetSession(staticToken(token))
	events := ws.New(ws.Options{
		URL:   srv.URL() + "/ws",
		Token: func(context.Context) (string, error) { return token, nil },
	})
	t.Cleanup(events.Close)

	e := chat.New(chat.Options{API: client, Events: events, SelfID: me})
	t.Cleanup(e.Close)

	srv.Push(bob, me, "hi")
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if e.UnreadTotal() != 1 {
		t.Fatalf("UnreadTotal = %d, want 1", e.UnreadTotal())
	}

	// Открытие по id собеседника находит существующую беседу локально.
	got, err := e.Open(ctx, bob)
	if err != nil || got != cid {
		t.Fatalf("Open(bob) = %q, %v; want %q", got, err, cid)
	}
	if srv.Calls(http.MethodPost, "/messages/start") != 0 {
		t.Fatalf("existing conversation must not be created again")
	}
	if e.UnreadTotal() != 0 || srv.Unread(cid, me) != 0 {
		t.Fatalf("not marked read: local %d, server %d", e.UnreadTotal(), srv.Unread(cid, me))
	}
	eventually(t, "room join", func() bool { return srv.RoomSize(cid) == 1 })

	sent, err := e.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.ID == "" || sent.Pending {
		t.Fatalf("sent = %+v", sent)
	}
	eventually(t, "message:send relay", func() bool { return len(srv.Relayed()) == 1 })

	// Сообщения одной комнаты приходят по порядку: после "later" эхо "hello" уже обработано.
	srv.Push(bob, me, "later")
	eventually(t, "incoming message", func() bool { return len(e.Messages()) >= 3 })
	want := []string{"hi", "hello", "later"}
	msgs := contents(e.Messages())
	if len(msgs) != len(want) {
		t.Fatalf("messages = %q, want %q", msgs, want)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Fatalf("messages = %q, want %q", msgs, want)
		}
	}
	if e.UnreadTotal() != 0 {
		t.Fatalf("message in the open conversation counted as unread")
	}

	// Новый собеседник: беседа создаётся на сервере и не видна в списке до первого сообщения.
	carolID, err := e.Open(ctx, carol)
	if err != nil {
		t.Fatalf("Open(carol): %v", err)
	}
	if carolID != apitest.ConversationID(me, carol) || srv.Calls(http.MethodPost, "/messages/start") != 1 {
		t.Fatalf("Open(carol) = %q", carolID)
	}
	if len(e.Messages()) != 0 {
		t.Fatalf("messages leaked across conversations: %q", contents(e.Messages()))
	}
	for _, c := range e.Conversations(chat.Filter{}) {
		if string(c.ID) == carolID {
			t.Fatalf("empty conversation is visible")
		}
	}
	eventually(t, "room switch", func() bool { return srv.RoomSize(cid) == 0 && srv.RoomSize(carolID) == 1 })

	srv.Push(me, carol, "ping")
	eventually(t, "preview of carol", func() bool {
		c, ok := e.Conversation(carolID)
		return ok && c.LastMessage != nil
	})
	if got := contents(e.Messages()); len(got) != 1 || got[0] != "ping" {
		t.Fatalf("carol messages = %q", got)
	}
}
