package convid

import "strings"

// Target - куда ведёт навигация: собеседник или известная беседа.
// Решается один раз, на границе, в ParseTarget.
type Target interface {
	isTarget()
	String() string
}

// UserTarget - второй участник; беседу ещё нужно разрешить.
type UserTarget struct {
	UserID string
}

// ConversationTarget - уже нормализованный id беседы (канонический составной
// или непрозрачный серверный).
type ConversationTarget struct {
	ID string
}

func (UserTarget) isTarget()         {}
func (ConversationTarget) isTarget() {}

func (t UserTarget) String() string         { return t.UserID }
func (t ConversationTarget) String() string { return t.ID }

// ParseTarget классифицирует сырой токен навигации. Составные ключи и
// многосегментные id с чужим префиксом (серверные вроде "conv:7:42") - это
// беседы. Остальное - id пользователя; канонический префикс ("convo:42")
// срезается до участника.
func (n Normalizer) ParseTarget(raw string) Target {
	raw = strings.TrimSpace(raw)
	if n.IsComposite(raw) {
		return ConversationTarget{ID: n.Normalize(raw)}
	}
	if strings.Contains(raw, sep) && !strings.HasPrefix(raw, n.Prefix()+sep) {
		return ConversationTarget{ID: raw}
	}
	return UserTarget{UserID: n.cleanUserID(raw)}
}

// cleanUserID срезает лишний префикс, чтобы он не попал в эндпоинты /users.
func (n Normalizer) cleanUserID(raw string) string {
	s := raw
	for strings.HasPrefix(s, n.Prefix()+sep) {
		s = strings.TrimPrefix(s, n.Prefix()+sep)
	}
	if i := strings.LastIndex(s, sep); i >= 0 {
		s = s[i+1:]
	}
	return s
}
