package middleware

import (
	"net/http"
	"time"

	"github.com/teamchat/internal/logger"
)

// RequestLog пишет method, path, статус и длительность каждого запроса.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(wrap, r)
		ev := logger.L().Debug()
		if wrap.status >= http.StatusInternalServerError {
			ev = logger.L().Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrap.status).
			Dur("took", time.Since(start)).
			Str("user_id", GetUserID(r.Context())).
			Msg("http")
	})
}
