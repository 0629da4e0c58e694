// Package optimistic - общий цикл оптимистичного изменения: применить локально,
// вызвать сервер, откатить или подтвердить (отправки, лайки, подписки).
package optimistic

import (
	"context"
	"fmt"
)

// Mutation описывает одно оптимистичное изменение. Apply выполняется до вызова
// сервера и возвращает отмену ровно этого изменения. Confirm получает ответ
// сервера, необязателен.
type Mutation[T any] struct {
	Name    string
	Apply   func() (revert func())
	Remote  func(ctx context.Context) (T, error)
	Confirm func(T)
}

// Do применяет m локально, вызывает сервер, затем подтверждает при успехе или
// откатывает при ошибке. Ошибка сервера оборачивается m.Name.
func Do[T any](ctx context.Context, m Mutation[T]) (T, error) {
	var revert func()
	if m.Apply != nil {
		revert = m.Apply()
	}
	res, err := m.Remote(ctx)
	if err != nil {
		if revert != nil {
			revert()
		}
		var zero T
		if m.Name == "" {
			return zero, err
		}
		return zero, fmt.Errorf("%s: %w", m.Name, err)
	}
	if m.Confirm != nil {
		m.Confirm(res)
	}
	return res, nil
}
