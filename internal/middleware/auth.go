package middleware

import (
	"net/http"
	"strings"
)

// TokenLookup сопоставляет bearer-токен пользователю.
type TokenLookup func(token string) (userID string, ok bool)

// BearerToken извлекает токен из Authorization: Bearer <token>, иначе из ?token=
// (браузерный WebSocket не умеет ставить заголовки).
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// BearerAuth пропускает запрос дальше только с известным токеном; user_id кладётся в контекст.
// Ответ 401 - в формате FastAPI ({"detail": ...}), как у настоящего бэкенда.
func BearerAuth(lookup TokenLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeDetail(w, http.StatusUnauthorized, "Not authenticated")
				return
			}
			userID, ok := lookup(token)
			if !ok || userID == "" {
				writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
