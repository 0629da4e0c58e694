package model

import (
	"encoding/json"
	"strings"
	"time"
)

type Message struct {
	ID             ID        `json:"id,omitempty"`
	ConversationID ID        `json:"conversation_id,omitempty"`
	SenderID       ID        `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"timestamp"`
	FromMe         bool      `json:"from_me,omitempty"`

	// LocalID и Pending заполняются только для оптимистично показанной отправки,
	// пока сервер не вернул сообщение с ID.
	LocalID string `json:"-"`
	Pending bool   `json:"-"`
}

// HasTimestamp - false для сообщений без времени (сортируются в конец списка бесед).
func (m *Message) HasTimestamp() bool {
	return m != nil && !m.CreatedAt.IsZero()
}

// naiveLayouts - форматы без часового пояса (бэкенд иногда отдаёт datetime без tz).
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp разбирает время сообщения. Пустая строка и мусор дают нулевое время.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// UnmarshalJSON принимает время из timestamp, created_at или time (в таком порядке).
func (m *Message) UnmarshalJSON(b []byte) error {
	var aux struct {
		ID             ID      `json:"id"`
		ConversationID ID      `json:"conversation_id"`
		SenderID       ID      `json:"sender_id"`
		Content        string  `json:"content"`
		Timestamp      *string `json:"timestamp"`
		CreatedAt      *string `json:"created_at"`
		Time           *string `json:"time"`
		FromMe         bool    `json:"from_me"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*m = Message{
		ID:             aux.ID,
		ConversationID: aux.ConversationID,
		SenderID:       aux.SenderID,
		Content:        aux.Content,
		FromMe:         aux.FromMe,
	}
	for _, ts := range []*string{aux.Timestamp, aux.CreatedAt, aux.Time} {
		if ts != nil && *ts != "" {
			m.CreatedAt = ParseTimestamp(*ts)
			break
		}
	}
	return nil
}
