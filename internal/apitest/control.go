package apitest

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hays/internal/middleware"
	"github.com/hays/internal/model"
	"github.com/hays/internal/ws"
)

// addUserLocked вызывается под s.mu.
func (s *Server) addUserLocked(username, email, password string) string {
	id := uuid.NewString()
	s.users[id] = &userRec{
		User:     model.User{ID: model.ID(id), Username: username, Email: email},
		password: password,
	}
	s.byName[strings.ToLower(username)] = id
	if email != "" {
		s.byName[strings.ToLower(email)] = id
	}
	return id
}

// AddUser регистрирует пользователя и возвращает id и действующий токен.
func (s *Server) AddUser(username, password string) (id, token string) {
	s.mu.Lock()
	id = s.addUserLocked(username, username+"@example.com", password)
	s.mu.Unlock()
	return id, s.issueToken(id, TokenTTL)
}

// IssueToken подписывает токен userID на ttl; отрицательный ttl даёт уже
// истёкший.
func (s *Server) IssueToken(userID string, ttl time.Duration) string {
	return s.issueToken(userID, ttl)
}

// RevokeToken - все следующие запросы с token получают 401.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	s.revoked[token] = struct{}{}
	s.mu.Unlock()
}

// Limit включает лимит запросов на пользователя для авторизованных маршрутов
// (сверх него 429). rps <= 0 выключает.
func (s *Server) Limit(rps float64, burst int) {
	if rps <= 0 {
		s.limiter.Store(nil)
		return
	}
	s.limiter.Store(middleware.NewRateLimiter(rps, burst))
}

// AddPost создаёт пост автора authorID.
func (s *Server) AddPost(authorID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.posts[id] = &postRec{id: id, author: authorID, likedBy: make(map[string]struct{})}
	return id
}

func (s *Server) Likes(postID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.posts[postID]; ok {
		return len(p.likedBy)
	}
	return 0
}

func (s *Server) PostExists(postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.posts[postID]
	return ok
}

func (s *Server) Following(follower, target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.follows[follower][target]
	return ok
}

// Push сохраняет сообщение senderID -> recipientID, как будто его отправил
// другой клиент, и рассылает message:new в комнату.
func (s *Server) Push(senderID, recipientID, content string) model.Message {
	s.mu.Lock()
	c := s.ensureConversation(senderID, recipientID)
	msg := s.appendMessage(c, senderID, content)
	c.readUpTo[senderID] = len(c.msgs)
	cid := c.id
	s.mu.Unlock()
	s.hub.broadcast(cid, ws.EventMessageNew, ws.MessagePayload{ConversationID: model.ID(cid), Message: &msg})
	return msg
}

// Broadcast рассылает произвольный message:new без сохранения.
func (s *Server) Broadcast(conversationID string, msg model.Message) {
	s.hub.broadcast(conversationID, ws.EventMessageNew, ws.MessagePayload{ConversationID: model.ID(conversationID), Message: &msg})
}

// Messages возвращает сохранённую историю беседы.
func (s *Server) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		return append([]model.Message(nil), c.msgs...)
	}
	return nil
}

// Unread - серверный счётчик непрочитанных userID в беседе.
func (s *Server) Unread(conversationID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		return c.unread(userID)
	}
	return 0
}

// Fail ставит ответы для следующих вызовов method+path. Статус 0 закрывает
// соединение без ответа.
func (s *Server) Fail(method, path string, statuses ...int) {
	key := routeKey(method, path)
	s.mu.Lock()
	s.faults[key] = append(s.faults[key], statuses...)
	s.mu.Unlock()
}

// Hold держит вызовы method+path до вызова release.
func (s *Server) Hold(method, path string) (release func()) {
	key := routeKey(method, path)
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[key] = gate
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.gates[key] == gate {
			delete(s.gates, key)
			close(gate)
		}
		s.mu.Unlock()
	}
}

// Calls - сколько запросов пришло на method+path.
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[routeKey(method, path)]
}

// RoomSize - число соединений в комнате беседы.
func (s *Server) RoomSize(conversationID string) int { return s.hub.roomSize(conversationID) }

// Relayed возвращает события message:send, пришедшие по каналу событий.
func (s *Server) Relayed() []ws.Envelope { return s.hub.receivedEvents(ws.EventMessageSend) }

// DropConnections закрывает все соединения канала событий.
func (s *Server) DropConnections() { s.hub.dropAll() }
