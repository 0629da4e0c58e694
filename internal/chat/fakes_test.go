package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hays/internal/api"
	"github.com/hays/internal/model"
	"github.com/hays/internal/ws"
)

var errOffline = &api.ConnectivityError{Op: "test", Err: errors.New("connection refused")}

// fakeAPI is a scriptable REST boundary.
type fakeAPI struct {
	mu sync.Mutex

	conversations []model.Conversation
	listErr       error
	history       map[string][]model.Message
	historyErr    error
	// historyGate, when set for an id, blocks History until closed.
	historyGate map[string]chan struct{}

	sendErr    error
	sendTarget string
	// onSend runs after the server "stored" the message, before the response
	// reaches the client (simulates the echo overtaking the response).
	onSend func(cid string, m model.Message)
	sent   []model.Message

	markErr  error
	marked   []string
	find     map[string]*api.ConversationRef
	findErr  error
	start    map[string]*api.ConversationRef
	startErr error
	starts   int
	finds    int
	// startGate blocks StartConversation until closed.
	startGate chan struct{}

	nextID int
	clock  time.Time
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:     make(map[string][]model.Message),
		historyGate: make(map[string]chan struct{}),
		find:        make(map[string]*api.ConversationRef),
		start:       make(map[string]*api.ConversationRef),
		clock:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) History(ctx context.Context, cid string) ([]model.Message, error) {
	f.mu.Lock()
	gate := f.historyGate[cid]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]model.Message(nil), f.history[cid]...), nil
}

func (f *fakeAPI) Send(ctx context.Context, cid, content string) (*api.SendResult, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return nil, err
	}
	f.nextID++
	f.clock = f.clock.Add(time.Second)
	target := cid
	if f.sendTarget != "" {
		target = f.sendTarget
	}
	m := model.Message{
		ID:             model.ID("m" + strconv.Itoa(f.nextID)),
		ConversationID: model.ID(target),
		SenderID:       "me",
		Content:        content,
		CreatedAt:      f.clock,
	}
	f.sent = append(f.sent, m)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(target, m)
	}
	return &api.SendResult{ConversationID: target, Message: m}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, cid)
	return f.markErr
}

func (f *fakeAPI) FindConversationWith(ctx context.Context, userID string) (*api.ConversationRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.find[userID], nil
}

func (f *fakeAPI) StartConversation(ctx context.Context, userID string) (*api.ConversationRef, error) {
	f.mu.Lock()
	f.starts++
	gate := f.startGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	ref := f.start[userID]
	if ref == nil {
		return nil, nil
	}
	out := *ref
	return &out, nil
}

func (f *fakeAPI) markedCount(cid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.marked {
		if m == cid {
			n++
		}
	}
	return n
}

// fakeEvents records room membership and emitted events; deliver simulates
// an incoming event.
type fakeEvents struct {
	mu       sync.Mutex
	handlers map[ws.EventType][]ws.Handler
	rooms    map[string]bool
	joins    []string
	leaves   []string
	emitted  []ws.MessagePayload
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{handlers: make(map[ws.EventType][]ws.Handler), rooms: make(map[string]bool)}
}

func (f *fakeEvents) On(event ws.EventType, h ws.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	idx := len(f.handlers[event]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[event][idx] = nil
	}
}

func (f *fakeEvents) Join(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[id] = true
	f.joins = append(f.joins, id)
	return nil
}

func (f *fakeEvents) Leave(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
	f.leaves = append(f.leaves, id)
	return nil
}

func (f *fakeEvents) Emit(event ws.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := payload.(ws.MessagePayload); ok && event == ws.EventMessageSend {
		f.emitted = append(f.emitted, p)
	}
	return nil
}

func (f *fakeEvents) deliver(cid string, m model.Message) {
	data, _ := json.Marshal(ws.MessagePayload{ConversationID: model.ID(cid), Message: &m})
	f.mu.Lock()
	hs := append([]ws.Handler(nil), f.handlers[ws.EventMessageNew]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(data)
		}
	}
}

func (f *fakeEvents) inRoom(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[id]
}

func msgAt(id, sender, content string, ts time.Time) model.Message {
	return model.Message{ID: model.ID(id), SenderID: model.ID(sender), Content: content, CreatedAt: ts}
}

func conv(id, userID, username string, last *model.Message, unread int) model.Conversation {
	return model.Conversation{
		ID:          model.ID(id),
		User:        model.UserPublic{ID: model.ID(userID), Username: username},
		LastMessage: last,
		UnreadCount: unread,
	}
}
