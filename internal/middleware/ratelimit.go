package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/teamchat/internal/metrics"
)

// RateLimitAPI ограничивает /api/* числом запросов в минуту на пользователя (или IP, если
// пользователь ещё не известен). Ставится после авторизации. 429 — JSON как у остальных ошибок.
func RateLimitAPI(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 300
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if id := GetUserID(r.Context()); id != "" {
				return "u:" + id, nil
			}
			return httprate.KeyByRealIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimited.Inc()
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
		}),
	)
}
