// Package apitest - бэкенд в памяти с REST-контрактом и каналом событий
// соцсети. Нужен для тестов и локального запуска CLI; это не реализация сервера.
package apitest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hays/internal/logger"
	"github.com/hays/internal/middleware"
	"github.com/hays/internal/model"
	"github.com/hays/internal/ws"
)

type userRec struct {
	model.User
	password string
}

type convRec struct {
	id       string
	members  [2]string
	msgs     []model.Message
	readUpTo map[string]int
}

func (c *convRec) has(userID string) bool {
	return c.members[0] == userID || c.members[1] == userID
}

func (c *convRec) other(userID string) string {
	if c.members[0] == userID {
		return c.members[1]
	}
	return c.members[0]
}

type postRec struct {
	id      string
	author  string
	likedBy map[string]struct{}
}

// TokenTTL - срок жизни выдаваемых токенов, как на настоящем бэкенде.
const TokenTTL = 60 * time.Minute

// Server - фейковый бэкенд. Экспортируемые методы безопасны для конкурентного вызова.
type Server struct {
	srv     *httptest.Server
	hub     *hub
	secret  []byte
	limiter atomic.Pointer[middleware.RateLimiter]

	mu      sync.Mutex
	users   map[string]*userRec
	byName  map[string]string
	revoked map[string]struct{}
	convs   map[string]*convRec
	posts   map[string]*postRec
	follows map[string]map[string]struct{}
	faults  map[string][]int
	gates   map[string]chan struct{}
	calls   map[string]int
	lastTS  time.Time
}

// New запускает сервер и регистрирует его остановку в tb.
func New(tb testing.TB) *Server {
	tb.Helper()
	s := NewServer()
	tb.Cleanup(s.Close)
	return s
}

// NewServer запускает сервер; закрыть его должен вызывающий.
func NewServer() *Server {
	s := &Server{
		hub:     newHub(),
		secret:  []byte(uuid.NewString()),
		users:   make(map[string]*userRec),
		byName:  make(map[string]string),
		revoked: make(map[string]struct{}),
		convs:   make(map[string]*convRec),
		posts:   make(map[string]*postRec),
		follows: make(map[string]map[string]struct{}),
		faults:  make(map[string][]int),
		gates:   make(map[string]chan struct{}),
		calls:   make(map[string]int),
	}
	s.srv = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(s.inject)

	r.Post("/auth/login", s.login)
	r.Post("/auth/register", s.register)
	r.Get("/ws", s.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.lookupToken))
		r.Use(s.rateLimit)

		r.Get("/users/me", s.me)
		r.Post("/users/{id}/follow", s.follow)
		r.Post("/users/{id}/unfollow", s.unfollow)

		r.Post("/posts/{id}/like", s.like)
		r.Delete("/posts/{id}", s.deletePost)

		r.Get("/messages/conversations", s.listConversations)
		r.Get("/messages", s.history)
		r.Post("/messages/send", s.send)
		r.Post("/messages/mark_read", s.markRead)
		r.Post("/messages/start", s.start)
		r.Get("/messages/conversation/with/{userId}", s.conversationWith)
	})
	return r
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() {
	s.hub.dropAll()
	s.mu.Lock()
	for k, g := range s.gates {
		close(g)
		delete(s.gates, k)
	}
	s.mu.Unlock()
	s.srv.Close()
}

func routeKey(method, path string) string { return method + " " + path }

// inject применяет правила Fail и Hold и считает вызовы.
func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := routeKey(r.Method, r.URL.Path)
		s.mu.Lock()
		s.calls[key]++
		gate := s.gates[key]
		status, fail := -1, false
		if q := s.faults[key]; len(q) > 0 {
			status, fail = q[0], true
			s.faults[key] = q[1:]
		}
		s.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if !fail {
			next.ServeHTTP(w, r)
			return
		}
		if status == 0 {
			// без ответа: клиент видит транспортную ошибку
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			status = http.StatusBadGateway
		}
		writeDetail(w, status, http.StatusText(status))
	})
}

// rateLimit применяет лимитер из Limit, если он задан.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l := s.limiter.Load(); l != nil {
			middleware.RateLimit(l)(next).ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// issueToken подписывает HS256-токен для userID, как create_access_token
// бэкенда: sub - пользователь, exp - срок, jti делает токены различными.
func (s *Server) issueToken(userID string, ttl time.Duration) string {
	now := time.Now()
	claims := jwt.StandardClaims{
		Id:        uuid.NewString(),
		Subject:   userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		logger.Errorf("apitest: sign token: %v", err)
		return ""
	}
	return token
}

func (s *Server) lookupToken(token string) (string, bool) {
	var claims jwt.StandardClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.revoked[token]; gone {
		return "", false
	}
	if _, ok := s.users[claims.Subject]; !ok {
		return "", false
	}
	return claims.Subject, true
}

// now возвращает строго растущие метки времени, чтобы порядок был детерминирован.
// Вызывается под s.mu.
func (s *Server) now() time.Time {
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = t
	return t
}

// ConversationID - ключ, который бэкенд выводит для пары участников.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "convo:" + a + ":" + b
}

// ensureConversation вызывается под s.mu.
func (s *Server) ensureConversation(a, b string) *convRec {
	id := ConversationID(a, b)
	c, ok := s.convs[id]
	if !ok {
		if b < a {
			a, b = b, a
		}
		c = &convRec{id: id, members: [2]string{a, b}, readUpTo: make(map[string]int)}
		s.convs[id] = c
	}
	return c
}

// appendMessage вызывается под s.mu.
func (s *Server) appendMessage(c *convRec, senderID, content string) model.Message {
	m := model.Message{
		ID:             model.ID(uuid.NewString()),
		ConversationID: model.ID(c.id),
		SenderID:       model.ID(senderID),
		Content:        content,
		CreatedAt:      s.now(),
	}
	c.msgs = append(c.msgs, m)
	return m
}

func (s *Server) publicUser(id string) model.UserPublic {
	if u, ok := s.users[id]; ok {
		return u.ToPublic()
	}
	return model.UserPublic{ID: model.ID(id)}
}

// unread вызывается под s.mu.
func (c *convRec) unread(userID string) int {
	n := 0
	for _, m := range c.msgs[c.readUpTo[userID]:] {
		if string(m.SenderID) != userID {
			n++
		}
	}
	return n
}

// --- обработчики ---

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form")
		return
	}
	ident, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[strings.ToLower(ident)]
	if !ok || s.users[id].password != password {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": s.issueToken(id, TokenTTL), "token_type": "bearer"})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{{"loc": []string{"body", "username"}, "msg": "Field required"}},
		})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[strings.ToLower(body.Username)]; taken {
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	}
	id := s.addUserLocked(body.Username, body.Email, body.Password)
	writeJSON(w, http.StatusOK, map[string]string{"access_token": s.issueToken(id, TokenTTL), "token_type": "bearer"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	s.mu.Lock()
	u, ok := s.users[me]
	var out model.User
	if ok {
		out = u.User
		out.FollowingCount = len(s.follows[me])
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) follow(w http.ResponseWriter, r *http.Request)   { s.setFollow(w, r, true) }
func (s *Server) unfollow(w http.ResponseWriter, r *http.Request) { s.setFollow(w, r, false) }

func (s *Server) setFollow(w http.ResponseWriter, r *http.Request, on bool) {
	me := middleware.GetUserID(r.Context())
	target := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[target]; !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	if target == me {
		writeDetail(w, http.StatusBadRequest, "You cannot follow yourself")
		return
	}
	set, ok := s.follows[me]
	if !ok {
		set = make(map[string]struct{})
		s.follows[me] = set
	}
	if on {
		set[target] = struct{}{}
	} else {
		delete(set, target)
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
}

func (s *Server) like(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Post not found")
		return
	}
	p.likedBy[me] = struct{}{}
	writeJSON(w, http.StatusOK, map[string]any{"post_id": p.id, "likes": len(p.likedBy)})
}

func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.author != me {
		writeDetail(w, http.StatusForbidden, "Not authorized")
		return
	}
	delete(s.posts, id)
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Post deleted"})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 100 || offset < 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid pagination")
		return
	}
	s.mu.Lock()
	out := make([]model.Conversation, 0)
	for _, c := range s.convs {
		if !c.has(me) || len(c.msgs) == 0 {
			continue
		}
		last := c.msgs[len(c.msgs)-1]
		out = append(out, model.Conversation{
			ID:          model.ID(c.id),
			User:        s.publicUser(c.other(me)),
			LastMessage: &last,
			UnreadCount: c.unread(me),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
	})
	if offset >= len(out) {
		out = out[:0]
	} else {
		out = out[offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

// participant вызывается под s.mu; ответ с ошибкой пишет сам.
func (s *Server) participant(w http.ResponseWriter, cid, me string) (*convRec, bool) {
	c, ok := s.convs[cid]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Conversation not found or invalid")
		return nil, false
	}
	if !c.has(me) {
		writeDetail(w, http.StatusForbidden, "Not a participant in this conversation")
		return nil, false
	}
	return c, true
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	cid := r.URL.Query().Get("conversation_id")
	s.mu.Lock()
	c, ok := s.participant(w, cid, me)
	var out []model.Message
	if ok {
		out = append([]model.Message{}, c.msgs...)
	}
	s.mu.Unlock()
	if ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	var body struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		Content        string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}
	content := strings.TrimSpace(body.Content)
	if content == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "Message content cannot be empty")
		return
	}
	s.mu.Lock()
	var c *convRec
	switch {
	case body.ConversationID != "":
		var ok bool
		if c, ok = s.participant(w, body.ConversationID, me); !ok {
			s.mu.Unlock()
			return
		}
	case body.UserID != "" && body.UserID != me:
		c = s.ensureConversation(me, body.UserID)
	default:
		s.mu.Unlock()
		writeDetail(w, http.StatusUnprocessableEntity, "Either conversation_id or user_id must be provided")
		return
	}
	msg := s.appendMessage(c, me, content)
	// отправитель прочитал всё до своего сообщения
	c.readUpTo[me] = len(c.msgs)
	cid := c.id
	s.mu.Unlock()

	s.hub.broadcast(cid, ws.EventMessageNew, ws.MessagePayload{ConversationID: model.ID(cid), Message: &msg})
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": cid, "message": msg})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.participant(w, body.ConversationID, me)
	if !ok {
		return
	}
	n := c.unread(me)
	c.readUpTo[me] = len(c.msgs)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": n})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	var body struct {
		UserID model.ID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "user_id is required")
		return
	}
	other := string(body.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if other == me {
		writeDetail(w, http.StatusUnprocessableEntity, "Cannot start conversation with yourself")
		return
	}
	if _, ok := s.users[other]; !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	c := s.ensureConversation(me, other)
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": c.id, "user": s.publicUser(other)})
}

func (s *Server) conversationWith(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetUserID(r.Context())
	other := chi.URLParam(r, "userId")
	if other == me {
		writeDetail(w, http.StatusUnprocessableEntity, "Cannot open conversation with yourself")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[ConversationID(me, other)]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"conversation_id": nil})
		return
	}
	resp := map[string]any{"conversation_id": c.id, "user": s.publicUser(other), "last_message": nil}
	if len(c.msgs) > 0 {
		resp["last_message"] = c.msgs[len(c.msgs)-1]
	}
	writeJSON(w, http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.lookupToken(middleware.BearerToken(r))
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("apitest: ws upgrade: %v", err)
		return
	}
	s.hub.add(conn, userID)
}

// --- вспомогательные ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("apitest: writeJSON encode: %v", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
