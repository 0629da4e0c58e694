package storage

import (
	"context"
	"errors"
)

// ErrEmptyID возвращается при пустом userID/postID в операциях с закреплёнными постами.
var ErrEmptyID = errors.New("storage: empty id")

// SessionStore - локальное хранилище клиента: bearer-токен сессии и
// закреплённые посты по пользователям (упорядоченное множество id).
// Реализации: memory.Client (тесты), file.Client (по умолчанию), redis.Client.
type SessionStore interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error

	PinnedPosts(ctx context.Context, userID string) ([]string, error)
	// TogglePin закрепляет пост или снимает закрепление; возвращает новый список.
	TogglePin(ctx context.Context, userID, postID string) ([]string, error)

	Close() error
}

// IsPinned - общий помощник поверх PinnedPosts.
func IsPinned(ctx context.Context, s SessionStore, userID, postID string) (bool, error) {
	pins, err := s.PinnedPosts(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range pins {
		if p == postID {
			return true, nil
		}
	}
	return false, nil
}

// Toggle применяет переключение к срезу, сохраняя порядок закрепления.
func Toggle(pins []string, postID string) []string {
	out := make([]string, 0, len(pins)+1)
	removed := false
	for _, p := range pins {
		if p == postID {
			removed = true
			continue
		}
		out = append(out, p)
	}
	if !removed {
		out = append(out, postID)
	}
	return out
}
