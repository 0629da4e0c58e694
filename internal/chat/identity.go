package chat

import (
	"time"

	"github.com/hays/internal/model"
)

const keyContentPrefix = 16

// IdentityKey - ключ дедупликации сообщения: id сервера, если есть, иначе
// "<createdAt>-<senderID>-<первые 16 рун текста>". Два одинаковых сообщения
// одного отправителя с одним временем и без id совпадут; это допустимо.
func IdentityKey(m model.Message) string {
	if m.ID != "" {
		return string(m.ID)
	}
	ts := ""
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	content := []rune(m.Content)
	if len(content) > keyContentPrefix {
		content = content[:keyContentPrefix]
	}
	return ts + "-" + string(m.SenderID) + "-" + string(content)
}
