package model

// Conversation - беседа двух участников в том виде, в каком её отдаёт
// GET /messages/conversations. LastMessage == nil - беседа создана, но пуста.
type Conversation struct {
	ID          ID         `json:"id"`
	User        UserPublic `json:"user"`
	LastMessage *Message   `json:"last_message"`
	UnreadCount int        `json:"unread_count"`
}

// CounterpartID - ключ дедупликации списка: id собеседника, иначе id беседы.
func (c *Conversation) CounterpartID() string {
	if c.User.ID != "" {
		return string(c.User.ID)
	}
	return string(c.ID)
}
