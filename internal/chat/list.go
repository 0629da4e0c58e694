package chat

import (
	"sort"
	"strings"

	"github.com/hays/internal/model"
)

// Filter отбирает видимые беседы для показа.
type Filter struct {
	// Query - подстрока username собеседника, без учёта регистра.
	Query      string
	UnreadOnly bool
}

// ConversationList - упорядоченная модель списка бесед. Записи без последнего
// сообщения хранятся (данные заголовка для пустой беседы), но в список не
// попадают. Сама по себе не потокобезопасна.
type ConversationList struct {
	items       []model.Conversation
	unreadTotal int
}

// Replace ставит только что загруженную страницу: дубли по собеседнику
// отбрасываются (побеждает первый), записи сортируются. Локальные пустые
// заглушки, о которых сервер ещё не знает, переживают замену.
func (l *ConversationList) Replace(incoming []model.Conversation) {
	seen := make(map[string]struct{}, len(incoming))
	ids := make(map[string]struct{}, len(incoming))
	next := make([]model.Conversation, 0, len(incoming)+1)
	for _, c := range incoming {
		k := c.CounterpartID()
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ids[string(c.ID)] = struct{}{}
		next = append(next, c)
	}
	for _, c := range l.items {
		if c.LastMessage != nil {
			continue
		}
		if _, ok := ids[string(c.ID)]; ok {
			continue
		}
		if _, ok := seen[c.CounterpartID()]; ok {
			continue
		}
		next = append(next, c)
	}
	l.items = next
	l.changed()
}

// changed пересортировывает и пересчитывает производные значения после изменения.
func (l *ConversationList) changed() {
	sort.SliceStable(l.items, func(i, j int) bool {
		a, b := l.items[i].LastMessage, l.items[j].LastMessage
		switch {
		case !a.HasTimestamp():
			return false
		case !b.HasTimestamp():
			return true
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	total := 0
	for _, c := range l.items {
		if c.LastMessage != nil {
			total += c.UnreadCount
		}
	}
	l.unreadTotal = total
}

func (l *ConversationList) index(id string) int {
	for i := range l.items {
		if string(l.items[i].ID) == id {
			return i
		}
	}
	return -1
}

// Get возвращает копию записи с данным id.
func (l *ConversationList) Get(id string) (model.Conversation, bool) {
	if i := l.index(id); i >= 0 {
		return l.items[i], true
	}
	return model.Conversation{}, false
}

// ByCounterpart ищет беседу с данным пользователем.
func (l *ConversationList) ByCounterpart(userID string) (model.Conversation, bool) {
	for _, c := range l.items {
		if string(c.User.ID) == userID {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// Upsert заменяет запись с тем же id или вставляет её в начало.
// Последнее сообщение сохраняется, если в c его нет.
func (l *ConversationList) Upsert(c model.Conversation) {
	if i := l.index(string(c.ID)); i >= 0 {
		if c.LastMessage == nil {
			c.LastMessage = l.items[i].LastMessage
		}
		if c.User.ID == "" {
			c.User = l.items[i].User
		}
		l.items[i] = c
	} else {
		l.items = append([]model.Conversation{c}, l.items...)
	}
	l.changed()
}

// SetPreview задаёт последнее сообщение беседы; false - беседа неизвестна.
func (l *ConversationList) SetPreview(id string, m model.Message) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	msg := m
	l.items[i].LastMessage = &msg
	l.changed()
	return true
}

// SetUnread задаёт счётчик непрочитанных; false - беседа неизвестна.
func (l *ConversationList) SetUnread(id string, n int) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	if n < 0 {
		n = 0
	}
	l.items[i].UnreadCount = n
	l.changed()
	return true
}

func (l *ConversationList) IncrementUnread(id string) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	l.items[i].UnreadCount++
	l.changed()
	return true
}

// Rename переносит запись на новый id (сервер ответил на send другим id беседы).
func (l *ConversationList) Rename(from, to string) {
	i := l.index(from)
	if i < 0 || from == to {
		return
	}
	if j := l.index(to); j >= 0 {
		if l.items[j].LastMessage == nil {
			l.items[j].LastMessage = l.items[i].LastMessage
		}
		l.items = append(l.items[:i], l.items[i+1:]...)
	} else {
		l.items[i].ID = model.ID(to)
	}
	l.changed()
}

// Visible возвращает беседы списка в порядке показа.
func (l *ConversationList) Visible(f Filter) []model.Conversation {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]model.Conversation, 0, len(l.items))
	for _, c := range l.items {
		if c.LastMessage == nil {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(c.User.Username), q) {
			continue
		}
		if f.UnreadOnly && c.UnreadCount <= 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UnreadTotal - значение бейджа: сумма непрочитанных по беседам списка.
func (l *ConversationList) UnreadTotal() int { return l.unreadTotal }

func (l *ConversationList) Len() int { return len(l.items) }
