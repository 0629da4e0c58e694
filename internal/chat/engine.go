// Package chat - движок согласования бесед: держит список бесед и сообщения
// активной беседы согласованными между ответами REST, собственными отправками
// и событиями канала.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hays/internal/api"
	"github.com/hays/internal/convid"
	"github.com/hays/internal/logger"
	"github.com/hays/internal/metrics"
	"github.com/hays/internal/model"
	"github.com/hays/internal/optimistic"
	"github.com/hays/internal/ws"
)

var (
	ErrEmptyMessage         = errors.New("chat: message content is empty")
	ErrNoActiveConversation = errors.New("chat: no active conversation")
	ErrClosed               = errors.New("chat: engine closed")
)

// API - REST-граница, которую использует движок.
type API interface {
	ResolveAPI
	ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, error)
	History(ctx context.Context, conversationID string) ([]model.Message, error)
	Send(ctx context.Context, conversationID, content string) (*api.SendResult, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Events - канал событий, которым пользуется движок.
type Events interface {
	On(event ws.EventType, h ws.Handler) (off func())
	Join(conversationID string) error
	Leave(conversationID string) error
	Emit(event ws.EventType, payload any) error
}

type ChangeKind int

const (
	ChangeConversations ChangeKind = iota
	ChangeMessages
	ChangeActive
)

// Change сообщает слою отображения, что перерисовать.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

type Options struct {
	API    API
	Events Events
	// Normalizer по умолчанию convid.New("").
	Normalizer *convid.Normalizer
	// SelfID - id текущего пользователя; по нему решается, что считать непрочитанным.
	SelfID   string
	PageSize int
	// OnChange вызывается вне блокировки движка после каждого изменения.
	OnChange func(Change)
}

// Engine безопасен для конкурентного использования. Сетевые вызовы не идут под
// его мьютексом; ответы, пришедшие после смены активной беседы, отбрасываются.
type Engine struct {
	api      API
	events   Events
	norm     convid.Normalizer
	resolver *Resolver
	selfID   string
	pageSize int
	onChange func(Change)
	offEvent func()

	mu       sync.Mutex
	list     ConversationList
	rec      *Reconciler
	active   string
	messages []model.Message
	gen      uint64
	loading  bool
	closed   bool
}

func New(opts Options) *Engine {
	norm := convid.New("")
	if opts.Normalizer != nil {
		norm = *opts.Normalizer
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	e := &Engine{
		api:      opts.API,
		events:   opts.Events,
		norm:     norm,
		resolver: NewResolver(opts.API, norm),
		selfID:   opts.SelfID,
		pageSize: opts.PageSize,
		onChange: opts.OnChange,
		rec:      NewReconciler(),
	}
	if e.events != nil {
		e.offEvent = e.events.On(ws.EventMessageNew, e.handleEvent)
	}
	return e
}

// SetSelfID обновляет текущего пользователя, когда он стал известен (фоновый запрос).
func (e *Engine) SetSelfID(id string) {
	e.mu.Lock()
	e.selfID = id
	e.mu.Unlock()
}

func (e *Engine) notify(kind ChangeKind, id string) {
	if e.onChange != nil {
		e.onChange(Change{Kind: kind, ConversationID: id})
	}
}

// Refresh загружает первую страницу бесед. При ошибке текущий (возможно,
// устаревший) список сохраняется, ошибка возвращается.
func (e *Engine) Refresh(ctx context.Context) error {
	list, err := e.api.ListConversations(ctx, e.pageSize, 0)
	if err != nil {
		logger.Warnf("chat: failed to load conversations: %v", err)
		return fmt.Errorf("chat.Refresh: %w", err)
	}
	for i := range list {
		list[i].ID = model.ID(e.norm.Normalize(string(list[i].ID)))
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.list.Replace(list)
	e.mu.Unlock()
	e.notify(ChangeConversations, "")
	return nil
}

// Open разрешает цель (id пользователя или беседы) и делает её активной
// беседой: выходит из прежней комнаты, грузит историю и отмечает беседу
// прочитанной один раз за сессию.
func (e *Engine) Open(ctx context.Context, target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", ErrNoActiveConversation
	}
	id := e.resolver.Resolve(ctx, target, e)
	return id, e.activate(ctx, id, false)
}

// Reload заново загружает историю активной беседы.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	id := e.active
	e.mu.Unlock()
	if id == "" {
		return ErrNoActiveConversation
	}
	return e.activate(ctx, id, true)
}

func (e *Engine) activate(ctx context.Context, id string, force bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if id == e.active && !force {
		e.mu.Unlock()
		return nil
	}
	prev := e.active
	e.gen++
	gen := e.gen
	if id != prev {
		// сбрасываем до того, как придёт ответ по новой беседе
		e.rec.ResetSeen()
		e.messages = nil
	}
	e.active = id
	e.loading = true
	e.mu.Unlock()
	e.notify(ChangeActive, id)

	if e.events != nil && id != prev {
		if prev != "" {
			if err := e.events.Leave(prev); err != nil {
				logger.Errorf("chat: leave %s: %v", prev, err)
			}
		}
		if err := e.events.Join(id); err != nil {
			logger.Errorf("chat: join %s: %v", id, err)
		}
	}

	history, err := e.api.History(ctx, id)

	e.mu.Lock()
	if e.gen != gen || e.closed {
		e.mu.Unlock()
		logger.Debugf("chat: discarding stale history for %s", id)
		return nil
	}
	e.loading = false
	if err != nil {
		e.mu.Unlock()
		logger.Warnf("chat: failed to load messages for %s: %v", id, err)
		e.notify(ChangeMessages, id)
		return fmt.Errorf("chat.Open: %w", err)
	}
	keys := make([]string, len(history))
	for i := range history {
		keys[i] = IdentityKey(history[i])
	}
	e.messages = history
	e.rec.SeedHistory(keys)
	needMark := !e.rec.ReadMarked(id)
	e.mu.Unlock()
	e.notify(ChangeMessages, id)

	if needMark {
		e.markRead(ctx, id)
	}
	return nil
}

// markRead без гарантий: ошибки глотаются и не повторяются.
func (e *Engine) markRead(ctx context.Context, id string) {
	if err := e.api.MarkRead(ctx, id); err != nil {
		logger.Debugf("chat: mark read %s: %v", id, err)
		return
	}
	e.mu.Lock()
	e.rec.RecordRead(id)
	e.list.SetUnread(id, 0)
	e.mu.Unlock()
	e.notify(ChangeConversations, id)
}

// Send отправляет текст в активную беседу. Неподтверждённая копия видна сразу
// и заменяется сообщением сервера; при ошибке она убирается, ошибка
// возвращается (текст сервера - в api.Detail(err)).
func (e *Engine) Send(ctx context.Context, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	cid := e.active
	self := e.selfID
	e.mu.Unlock()
	if cid == "" {
		return nil, ErrNoActiveConversation
	}

	localID := uuid.NewString()
	res, err := optimistic.Do(ctx, optimistic.Mutation[*api.SendResult]{
		Name: "chat.Send",
		Apply: func() func() {
			e.appendPending(model.Message{
				ConversationID: model.ID(cid),
				SenderID:       model.ID(self),
				Content:        content,
				CreatedAt:      time.Now().UTC(),
				FromMe:         true,
				LocalID:        localID,
				Pending:        true,
			})
			return func() { e.dropPending(cid, localID) }
		},
		Remote: func(ctx context.Context) (*api.SendResult, error) {
			return e.api.Send(ctx, cid, content)
		},
	})
	if err != nil {
		logger.Errorf("chat: failed to send message to %s: %v", cid, err)
		return nil, err
	}

	msg, target := e.confirmSent(cid, localID, res)
	if e.events != nil {
		payload := ws.MessagePayload{ConversationID: model.ID(target), Message: &msg}
		if err := e.events.Emit(ws.EventMessageSend, payload); err != nil {
			logger.Errorf("chat: emit message:send: %v", err)
		}
	}
	return &msg, nil
}

func (e *Engine) appendPending(m model.Message) {
	e.mu.Lock()
	if e.active != string(m.ConversationID) {
		e.mu.Unlock()
		return
	}
	e.messages = append(e.messages, m)
	e.mu.Unlock()
	e.notify(ChangeMessages, string(m.ConversationID))
}

func (e *Engine) dropPending(cid, localID string) {
	e.mu.Lock()
	i := e.pendingIndex(localID)
	if i >= 0 {
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
	}
	e.mu.Unlock()
	if i >= 0 {
		e.notify(ChangeMessages, cid)
	}
}

// pendingIndex вызывается под e.mu.
func (e *Engine) pendingIndex(localID string) int {
	for i := range e.messages {
		if e.messages[i].Pending && e.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// pendingByContentLocked - индекс первой неподтверждённой копии с тем же текстом.
func (e *Engine) pendingByContentLocked(m model.Message) int {
	content := strings.TrimSpace(m.Content)
	for i := range e.messages {
		if e.messages[i].Pending && e.messages[i].Content == content {
			return i
		}
	}
	return -1
}

// hasKey вызывается под e.mu.
func (e *Engine) hasKey(key string) bool {
	for i := range e.messages {
		if !e.messages[i].Pending && IdentityKey(e.messages[i]) == key {
			return true
		}
	}
	return false
}

// confirmSent заменяет неподтверждённую копию сообщением сервера и в той же
// критической секции регистрирует его ключ: эхо узнаётся, когда бы оно ни пришло.
func (e *Engine) confirmSent(cid, localID string, res *api.SendResult) (model.Message, string) {
	msg := res.Message
	msg.FromMe = true
	msg.Pending = false
	msg.LocalID = ""
	if msg.SenderID == "" {
		msg.SenderID = model.ID(e.self())
	}
	target := e.norm.Normalize(res.ConversationID)
	if target == "" {
		target = cid
	}
	msg.ConversationID = model.ID(target)
	key := IdentityKey(msg)

	var rejoin bool
	e.mu.Lock()
	if target != cid && e.active == cid {
		// сервер сохранил сообщение под другим id: переходим туда
		e.active = target
		e.list.Rename(cid, target)
		rejoin = true
	}
	registered := e.rec.RegisterSent(key)
	i := e.pendingIndex(localID)
	switch {
	case i >= 0 && (!registered || e.hasKey(key)):
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
	case i >= 0:
		e.messages[i] = msg
	case e.active == target && !e.hasKey(key):
		e.messages = append(e.messages, msg)
	}
	if !e.list.SetPreview(target, msg) {
		e.list.Upsert(e.placeholderFor(target, msg))
	}
	e.list.SetUnread(target, 0)
	e.mu.Unlock()

	if rejoin && e.events != nil {
		if err := e.events.Leave(cid); err != nil {
			logger.Errorf("chat: leave %s: %v", cid, err)
		}
		if err := e.events.Join(target); err != nil {
			logger.Errorf("chat: join %s: %v", target, err)
		}
		e.notify(ChangeActive, target)
	}
	e.notify(ChangeMessages, target)
	e.notify(ChangeConversations, target)
	return msg, target
}

func (e *Engine) self() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// placeholderFor строит запись списка для беседы, впервые увиденной через
// сообщение. Вызывается под e.mu.
func (e *Engine) placeholderFor(id string, m model.Message) model.Conversation {
	conv := model.Conversation{ID: model.ID(id)}
	msg := m
	conv.LastMessage = &msg
	if low, high, ok := e.norm.Participants(id); ok {
		switch e.selfID {
		case low:
			conv.User.ID = model.ID(high)
		case high:
			conv.User.ID = model.ID(low)
		}
	}
	if conv.User.ID == "" && string(m.SenderID) != e.selfID {
		conv.User.ID = m.SenderID
	}
	return conv
}

// handleEvent разбирает события message:new.
func (e *Engine) handleEvent(data json.RawMessage) {
	var p ws.MessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		logger.Errorf("chat: bad message:new payload: %v", err)
		return
	}
	if p.ConversationID == "" || p.Message == nil {
		return
	}
	e.Receive(string(p.ConversationID), *p.Message)
}

// Receive применяет одно сообщение из канала событий и возвращает вердикт.
func (e *Engine) Receive(conversationID string, m model.Message) Verdict {
	cid := e.norm.Normalize(conversationID)
	if m.ConversationID == "" {
		m.ConversationID = model.ID(cid)
	}
	key := IdentityKey(m)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return VerdictClosed
	}
	v := e.rec.Arrival(key)
	if v != VerdictNew {
		e.mu.Unlock()
		metrics.EventReceived(v.String())
		logger.Debugf("chat: %s event for %s dropped (%s)", v, cid, key)
		return v
	}
	if m.SenderID != "" && string(m.SenderID) == e.selfID {
		m.FromMe = true
	}
	appended := false
	if cid == e.active && !e.hasKey(key) {
		// эхо обогнало ответ на send: заменяем оптимистичную копию
		if i := e.pendingByContentLocked(m); m.FromMe && i >= 0 {
			e.messages[i] = m
		} else {
			e.messages = append(e.messages, m)
		}
		appended = true
	}
	if !e.list.SetPreview(cid, m) {
		e.list.Upsert(e.placeholderFor(cid, m))
	}
	if cid != e.active && !m.FromMe {
		e.list.IncrementUnread(cid)
	}
	e.mu.Unlock()

	if appended {
		e.notify(ChangeMessages, cid)
	}
	metrics.EventReceived(v.String())
	e.notify(ChangeConversations, cid)
	return v
}

// AwaitingEcho - m отправлено отсюда, а его эхо из канала ещё не пришло.
func (e *Engine) AwaitingEcho(m model.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.PendingEcho(IdentityKey(m))
}

// Conversations возвращает видимые беседы в порядке показа.
func (e *Engine) Conversations(f Filter) []model.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list.Visible(f)
}

// Conversation возвращает любую известную беседу, в списке или нет (данные заголовка).
func (e *Engine) Conversation(id string) (model.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list.Get(e.norm.Normalize(id))
}

func (e *Engine) UnreadTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list.UnreadTotal()
}

// Messages возвращает копию сообщений активной беседы.
func (e *Engine) Messages() []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Message(nil), e.messages...)
}

func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// Close выходит из активной комнаты и отписывается от канала событий. Кэши
// согласования уходят вместе с движком.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	active := e.active
	e.gen++
	e.mu.Unlock()

	if e.offEvent != nil {
		e.offEvent()
	}
	if e.events != nil && active != "" {
		if err := e.events.Leave(active); err != nil {
			logger.Errorf("chat: leave %s: %v", active, err)
		}
	}
}

// Реализация localIndex для Resolver.

func (e *Engine) hasConversation(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.list.Get(id)
	return ok
}

func (e *Engine) conversationWith(userID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.list.ByCounterpart(userID)
	if !ok {
		return "", false
	}
	return string(c.ID), true
}

func (e *Engine) upsertConversation(c model.Conversation) {
	e.mu.Lock()
	e.list.Upsert(c)
	e.mu.Unlock()
	e.notify(ChangeConversations, string(c.ID))
}
