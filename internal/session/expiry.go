package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt"
)

// tokenExpiry читает exp из JWT без проверки подписи: секрет есть только у
// сервера, клиенту нужен лишь срок жизни. Для непрозрачных токенов ok=false.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.StandardClaims
	if _, _, err := new(jwt.Parser).ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.ExpiresAt, 0), true
}

// ExpiresAt - срок действия сохранённого токена, если он известен.
func (m *Manager) ExpiresAt(ctx context.Context) (time.Time, bool) {
	token, err := m.Token(ctx)
	if err != nil || token == "" {
		return time.Time{}, false
	}
	return tokenExpiry(token)
}
