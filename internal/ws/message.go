package ws

import (
	"encoding/json"

	"github.com/hays/internal/model"
)

type EventType string

const (
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
	// EventMessageSend - только подсказка для рассылки; источник истины - REST send.
	EventMessageSend EventType = "message:send"
	EventMessageNew  EventType = "message:new"
	EventError       EventType = "error"
)

// Envelope - фрейм в обе стороны.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomPayload - тело join/leave.
type RoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessagePayload - тело message:send и message:new.
type MessagePayload struct {
	ConversationID model.ID       `json:"conversation_id"`
	Message        *model.Message `json:"message"`
}

func encode(event EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}
