package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hays/internal/logger"
	"github.com/hays/internal/metrics"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultMaxMessage   = 64 << 10
	defaultSendBufSize  = 64
	defaultReconnectMax = 30 * time.Second
	initialReconnect    = 500 * time.Millisecond
)

var (
	ErrClosed         = errors.New("ws: channel closed")
	ErrSendBufferFull = errors.New("ws: send buffer full")
)

// bufPool - пул bytes.Buffer для JSON-кодирования в writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Handler получает сырые данные входящего события.
type Handler func(data json.RawMessage)

type Options struct {
	URL string
	// Token - bearer-токен для запроса upgrade.
	Token          func(ctx context.Context) (string, error)
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
	ReconnectMax   time.Duration
	Dialer         *websocket.Dialer
}

func (o *Options) setDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteWait
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessage
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBufSize
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	o.URL = normalizeURL(o.URL)
}

// normalizeURL принимает и http(s), и ws(s).
func normalizeURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Channel - постоянное двунаправленное соединение событий.
// Жизненный цикл: New -> (первый Emit/Join/On лениво подключается) -> run с переподключением -> Close.
// Комнаты, в которые вошли до обрыва, восстанавливаются автоматически.
type Channel struct {
	opts Options

	mu        sync.Mutex
	rooms     map[string]struct{}
	handlers  map[EventType]map[int]Handler
	nextID    int
	connected bool
	started   bool
	closed    bool

	send   chan Envelope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// ready закрывается после первого успешного подключения.
	ready     chan struct{}
	readyOnce sync.Once
}

func New(opts Options) *Channel {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:     opts,
		rooms:    make(map[string]struct{}),
		handlers: make(map[EventType]map[int]Handler),
		send:     make(chan Envelope, opts.SendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
	}
}

// Ready закрывается, когда установлено первое соединение.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// Connected - соединение сейчас есть.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ensureStarted вызывается под c.mu.
func (c *Channel) ensureStarted() error {
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
	return nil
}

// On подписывает h на event и возвращает функцию отписки.
func (c *Channel) On(event EventType, h Handler) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureStarted(); err != nil {
		return func() {}
	}
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// Join входит в комнату беседы.
func (c *Channel) Join(conversationID string) error {
	return c.room(conversationID, true)
}

// Leave выходит из комнаты беседы.
func (c *Channel) Leave(conversationID string) error {
	return c.room(conversationID, false)
}

func (c *Channel) room(conversationID string, join bool) error {
	if conversationID == "" {
		return nil
	}
	event := EventLeaveConversation
	if join {
		event = EventJoinConversation
	}
	env, err := encode(event, RoomPayload{ConversationID: conversationID})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureStarted(); err != nil {
		return err
	}
	if join {
		c.rooms[conversationID] = struct{}{}
	} else {
		delete(c.rooms, conversationID)
	}
	// без соединения хватает c.rooms: набор повторяется при подключении
	if !c.connected {
		return nil
	}
	return c.enqueue(env)
}

// Emit ставит событие в очередь. Отправленное без соединения уйдёт после
// следующего подключения, если хватило места в буфере.
func (c *Channel) Emit(event EventType, payload any) error {
	env, err := encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureStarted(); err != nil {
		return err
	}
	return c.enqueue(env)
}

// enqueue вызывается под c.mu.
func (c *Channel) enqueue(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	default:
		logger.Errorf("ws send buffer full, dropping %s", env.Event)
		return ErrSendBufferFull
	}
}

// Close останавливает run и ждёт pump'ы. Повторный вызов безопасен.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Channel) dispatch(env Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(env.Data)
	}
}

// run подключается, обслуживает соединение до обрыва и переподключается с backoff.
func (c *Channel) run() {
	defer c.wg.Done()
	backoff := initialReconnect
	for {
		if c.ctx.Err() != nil {
			return
		}
		conn, err := c.dial()
		if err != nil {
			logger.Errorf("ws dial %s failed, retry in %v: %v", c.opts.URL, backoff, err)
			if !c.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			continue
		}
		backoff = initialReconnect
		c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		logger.Infof("ws disconnected, reconnecting")
		metrics.WSReconnect()
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	header := http.Header{}
	if c.opts.Token != nil {
		token, err := c.opts.Token(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	return conn, err
}

// serve повторяет вход в комнаты и крутит оба pump'а, пока один не выйдет.
func (c *Channel) serve(conn *websocket.Conn) {
	c.mu.Lock()
	c.connected = true
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()
	metrics.WSConnected(true)
	c.readyOnce.Do(func() { close(c.ready) })

	defer func() {
		c.markDisconnected()
		conn.Close()
	}()

	for _, id := range rooms {
		env, _ := encode(EventJoinConversation, RoomPayload{ConversationID: id})
		if err := c.write(conn, env); err != nil {
			logger.Errorf("ws rejoin %s: %v", id, err)
			return
		}
	}

	connCtx, cancel := context.WithCancel(c.ctx)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		defer cancel()
		c.writePump(connCtx, conn)
	}()
	go func() {
		defer pumps.Done()
		defer cancel()
		c.readPump(conn)
	}()
	<-connCtx.Done()
	// разблокировать ReadMessage
	conn.Close()
	pumps.Wait()
}

// markDisconnected сбрасывает из очереди join/leave, не успевшие уйти: при
// следующем подключении комнаты восстанавливаются из c.rooms, и устаревший
// join не должен вернуть в уже покинутую комнату.
func (c *Channel) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	for n := len(c.send); n > 0; n-- {
		env := <-c.send
		if env.Event == EventJoinConversation || env.Event == EventLeaveConversation {
			continue
		}
		c.send <- env
	}
	c.mu.Unlock()
	metrics.WSConnected(false)
}

// readPump выходит по ошибке чтения (conn.Close или обрыв).
func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		logger.Errorf("ws set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error: %v", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("ws unmarshal error: %v", err)
			continue
		}
		if env.Event == EventError {
			logger.Warnf("ws server error: %s", env.Data)
		}
		c.dispatch(env)
	}
}

// writePump выходит по отмене ctx или ошибке записи.
func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker((c.opts.PongTimeout * 9) / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.ctx.Err() != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.opts.WriteTimeout))
			}
			return
		case env := <-c.send:
			if err := c.write(conn, env); err != nil {
				logger.Errorf("ws write %s: %v", env.Event, err)
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, env Envelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(env); err != nil {
		return err
	}
	data := buf.Bytes()
	// json.Encoder дописывает '\n'; для текстового фрейма убираем
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
