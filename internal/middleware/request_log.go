package middleware

import (
	"net/http"
	"time"

	"github.com/hays/internal/logger"
)

// RequestLog пишет method, path и время выполнения каждого запроса (только медленные, либо все при debug).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, time.Now())()
		next.ServeHTTP(w, r)
	})
}
