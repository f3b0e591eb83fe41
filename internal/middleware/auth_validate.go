package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

type validateRequest struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Body      string `json:"body"`
}

// validateResponse — ответ сервиса авторизации: профиль пользователя целиком,
// из него делается снимок отправителя в сообщениях.
type validateResponse struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	Role      string `json:"role"`
}

// maxSignedBody — предел тела, которое целиком уходит на проверку подписи.
const maxSignedBody = 1 << 20

func unauthorized(w http.ResponseWriter) {
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
}

// AuthServiceValidate проверяет подпись запроса во внешнем сервисе авторизации
// (X-Session-Id, X-Timestamp, X-Signature) и кладёт Principal в контекст.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	endpoint := strings.TrimRight(authServiceURL, "/") + "/internal/validate"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			vr := validateRequest{
				SessionID: firstNonEmpty(r.Header.Get("X-Session-Id"), q.Get("session_id")),
				Timestamp: firstNonEmpty(r.Header.Get("X-Timestamp"), q.Get("timestamp")),
				Signature: firstNonEmpty(r.Header.Get("X-Signature"), q.Get("signature")),
				Method:    r.Method,
				Path:      r.URL.Path,
			}
			if vr.SessionID == "" || vr.Timestamp == "" || vr.Signature == "" {
				unauthorized(w)
				return
			}
			// multipart клиент подписывает с пустым телом, его не читаем целиком
			if r.Body != nil && !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
				if err != nil {
					var tooLarge *http.MaxBytesError
					if errors.As(err, &tooLarge) {
						writeJSONError(w, http.StatusRequestEntityTooLarge, "request too large")
						return
					}
					writeJSONError(w, http.StatusBadRequest, "bad request")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				vr.Body = string(body)
			}

			payload, _ := json.Marshal(vr)
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				logger.L().Warn().Err(err).Str("session", maskSession(vr.SessionID)).Msg("auth: validate request failed")
				unauthorized(w)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				unauthorized(w)
				return
			}
			var res validateResponse
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil || res.UserID == "" {
				unauthorized(w)
				return
			}
			ctx := WithPrincipal(r.Context(), model.Principal{
				ID:        res.UserID,
				Name:      res.Name,
				Email:     res.Email,
				AvatarURL: res.AvatarURL,
				Role:      res.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DevPrincipal — только для -dev/-memory: пользователь берётся из заголовков X-User-*
// (или ?user_id= для WebSocket) без проверки.
func DevPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		p := model.Principal{
			ID:        firstNonEmpty(r.Header.Get("X-User-Id"), q.Get("user_id")),
			Name:      firstNonEmpty(r.Header.Get("X-User-Name"), q.Get("user_name")),
			Email:     r.Header.Get("X-User-Email"),
			AvatarURL: r.Header.Get("X-User-Avatar"),
			Role:      r.Header.Get("X-User-Role"),
		}
		if p.ID == "" {
			unauthorized(w)
			return
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// maskSession — в лог попадает только префикс идентификатора сессии.
func maskSession(id string) string {
	const keep = 4
	id = strings.TrimSpace(id)
	if len(id) <= keep {
		return strings.Repeat("*", keep)
	}
	return id[:keep] + "…"
}
