package apitest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hays/internal/logger"
	"github.com/hays/internal/ws"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

// peer - одно соединение пользователя в канале событий.
type peer struct {
	hub    *hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

// hub раздаёт message:new по комнатам бесед. Сетевой I/O под mu не делается.
type hub struct {
	mu    sync.Mutex
	rooms map[string]map[*peer]struct{}
	peers map[*peer]struct{}
	// received - события от клиентов (message:send) для проверок в тестах
	received []ws.Envelope
}

func newHub() *hub {
	return &hub{
		rooms: make(map[string]map[*peer]struct{}),
		peers: make(map[*peer]struct{}),
	}
}

func (h *hub) add(conn *websocket.Conn, userID string) *peer {
	p := &peer{hub: h, conn: conn, userID: userID, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	go p.writePump()
	go p.readPump()
	return p
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	for id, members := range h.rooms {
		delete(members, p)
		if len(members) == 0 {
			delete(h.rooms, id)
		}
	}
	h.mu.Unlock()
	p.close()
}

func (h *hub) join(p *peer, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; !ok {
		return
	}
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[*peer]struct{})
		h.rooms[conversationID] = members
	}
	members[p] = struct{}{}
}

func (h *hub) leave(p *peer, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, p)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// broadcast отправляет event всем в комнате, включая отправителя.
func (h *hub) broadcast(conversationID string, event ws.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("apitest: marshal %s: %v", event, err)
		return
	}
	frame, err := json.Marshal(ws.Envelope{Event: event, Data: data})
	if err != nil {
		logger.Errorf("apitest: marshal envelope: %v", err)
		return
	}
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.rooms[conversationID]))
	for p := range h.rooms[conversationID] {
		targets = append(targets, p)
	}
	h.mu.Unlock()
	for _, p := range targets {
		select {
		case p.send <- frame:
		default:
			logger.Errorf("apitest: send buffer full user=%s", p.userID)
		}
	}
}

func (h *hub) roomSize(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[conversationID])
}

func (h *hub) record(env ws.Envelope) {
	h.mu.Lock()
	h.received = append(h.received, env)
	h.mu.Unlock()
}

func (h *hub) receivedEvents(event ws.EventType) []ws.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ws.Envelope
	for _, e := range h.received {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// dropAll закрывает все соединения (обрыв сети).
func (h *hub) dropAll() {
	h.mu.Lock()
	all := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		all = append(all, p)
	}
	h.mu.Unlock()
	for _, p := range all {
		h.remove(p)
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) readPump() {
	defer p.hub.remove(p)
	for {
		var env ws.Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case ws.EventJoinConversation, ws.EventLeaveConversation:
			var room ws.RoomPayload
			if err := json.Unmarshal(env.Data, &room); err != nil || room.ConversationID == "" {
				continue
			}
			if env.Event == ws.EventJoinConversation {
				p.hub.join(p, room.ConversationID)
			} else {
				p.hub.leave(p, room.ConversationID)
			}
		default:
			// message:send - подсказка; REST send уже разослал сообщение
			p.hub.record(env)
		}
	}
}

func (p *peer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.hub.remove(p)
				return
			}
		}
	}
}
