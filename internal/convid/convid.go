// Package convid нормализует идентификаторы бесед.
//
// Одна и та же беседа двоих приходит голым id пользователя (переход из
// профиля), составным ключом в любом порядке участников или старым ключом с
// удвоенным префиксом. После нормализации все они совпадают.
package convid

import (
	"sort"
	"strings"
)

const (
	// DefaultPrefix совпадает с ключами бэкенда из отсортированной пары участников.
	DefaultPrefix = "convo"
	sep           = ":"
)

// Normalizer строит канонические ключи вида <prefix>:<low>:<high>.
type Normalizer struct {
	prefix string
}

func New(prefix string) Normalizer {
	prefix = strings.Trim(strings.TrimSpace(prefix), sep)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Normalizer{prefix: prefix}
}

func (n Normalizer) Prefix() string {
	if n.prefix == "" {
		return DefaultPrefix
	}
	return n.prefix
}

// Key строит канонический ключ для пары участников.
func (n Normalizer) Key(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return n.Prefix() + sep + a + sep + b
}

// Normalize возвращает канонический ключ для raw или raw как есть, если два
// разных участника не извлекаются. Непрозрачные id (без префикса и не пара
// "a:b") не переписываются.
func (n Normalizer) Normalize(raw string) string {
	users, ok := n.participants(raw)
	if !ok {
		return raw
	}
	return n.Key(users[0], users[1])
}

// IsComposite - raw разбирается в ключ беседы двоих.
func (n Normalizer) IsComposite(raw string) bool {
	_, ok := n.participants(raw)
	return ok
}

// Participants возвращает отсортированную пару участников составного ключа.
func (n Normalizer) Participants(raw string) (low, high string, ok bool) {
	users, ok := n.participants(raw)
	if !ok {
		return "", "", false
	}
	return users[0], users[1], true
}

func (n Normalizer) participants(raw string) ([2]string, bool) {
	var out [2]string
	s := strings.TrimSpace(raw)
	if s == "" {
		return out, false
	}
	parts := strings.Split(s, sep)
	marker := n.Prefix()

	var candidates []string
	switch {
	case parts[0] == marker:
		candidates = parts[1:]
	case len(parts) == 2:
		candidates = parts
	default:
		return out, false
	}

	users := make([]string, 0, 2)
	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" || p == marker || contains(users, p) {
			continue
		}
		users = append(users, p)
		if len(users) == 2 {
			break
		}
	}
	if len(users) < 2 {
		return out, false
	}
	sort.Strings(users)
	out[0], out[1] = users[0], users[1]
	return out, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
