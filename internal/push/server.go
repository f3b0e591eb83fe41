package push

import (
	"context"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/validation"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
	notifyTimeout   = 10 * time.Second
)

// Subscriptions — хранилище подписок браузеров пользователя.
type Subscriptions interface {
	Add(ctx context.Context, userID string, sub PushSubscription) error
	Remove(ctx context.Context, userID, endpoint string) error
	List(ctx context.Context, userID string) ([]PushSubscription, error)
}

// Sender отправляет одно уведомление; возвращает HTTP-статус push-провайдера.
type Sender interface {
	Send(ctx context.Context, payload []byte, sub PushSubscription) (int, error)
}

// RedisSubscriptions: список на пользователя, не больше maxSubsPerUser последних подписок.
type RedisSubscriptions struct {
	rdb *redis.Client
}

func NewRedisSubscriptions(rdb *redis.Client) *RedisSubscriptions {
	return &RedisSubscriptions{rdb: rdb}
}

func (s *RedisSubscriptions) Add(ctx context.Context, userID string, sub PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + userID
	// повторная подписка того же браузера не дублируется
	if err := s.Remove(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSubscriptions) Remove(ctx context.Context, userID, endpoint string) error {
	key := redisKeyPrefix + userID
	list, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range list {
		var sub PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := s.rdb.LRem(ctx, key, 0, item).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RedisSubscriptions) List(ctx context.Context, userID string) ([]PushSubscription, error) {
	list, err := s.rdb.LRange(ctx, redisKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]PushSubscription, 0, len(list))
	for _, item := range list {
		var sub PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// WebPushSender — отправка через VAPID.
type WebPushSender struct {
	opts *webpush.Options
}

func NewWebPushSender(keys *VAPIDKeys, subscriber string) *WebPushSender {
	return &WebPushSender{opts: &webpush.Options{
		Subscriber:      subscriber,
		VAPIDPublicKey:  keys.PublicKey,
		VAPIDPrivateKey: keys.PrivateKey,
		TTL:             30,
	}}
}

func (s *WebPushSender) Send(ctx context.Context, payload []byte, sub PushSubscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, s.opts)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Server — HTTP API push-сервиса. sender == nil: подписки сохраняются, отправки нет.
type Server struct {
	subs      Subscriptions
	sender    Sender
	publicKey string
}

func NewServer(subs Subscriptions, sender Sender, publicKey string) *Server {
	return &Server{subs: subs, sender: sender, publicKey: publicKey}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/api/vapid-public", s.handleVAPIDPublic)
	r.Post("/api/subscribe", s.handleSubscribe)
	r.Delete("/api/subscribe", s.handleUnsubscribe)
	r.Post("/api/notify", s.handleNotify)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if s.publicKey == "" {
		writeErr(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.publicKey))
}

type subscribeBody struct {
	UserID       string `json:"user_id" validate:"required,max=64"`
	Subscription struct {
		Endpoint string `json:"endpoint" validate:"required,url,max=2048"`
		Keys     struct {
			P256dh string `json:"p256dh" validate:"required,max=256"`
			Auth   string `json:"auth" validate:"required,max=256"`
		} `json:"keys"`
	} `json:"subscription"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if err := validation.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	var sub PushSubscription
	sub.Endpoint = req.Subscription.Endpoint
	sub.Keys.P256dh = req.Subscription.Keys.P256dh
	sub.Keys.Auth = req.Subscription.Keys.Auth
	if err := s.subs.Add(r.Context(), req.UserID, sub); err != nil {
		logger.Errorf("push subscribe: %v", err)
		writeErr(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id" validate:"required,max=64"`
		Endpoint string `json:"endpoint" validate:"required,max=2048"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if err := validation.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.subs.Remove(r.Context(), req.UserID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe: %v", err)
		writeErr(w, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNotify отвечает 204 и без VAPID-ключей: API не должен считать это отказом.
// Подписки с ответом 404/410 удаляются.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeErr(w, http.StatusBadRequest, "user_id required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), notifyTimeout)
	defer cancel()
	subs, err := s.subs.List(ctx, req.UserID)
	if err != nil {
		logger.Errorf("push notify: %v", err)
		writeErr(w, http.StatusInternalServerError, "failed to get subscriptions")
		return
	}
	if s.sender == nil || len(subs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	payload, err := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "encode payload")
		return
	}
	for _, sub := range subs {
		status, err := s.sender.Send(ctx, payload, sub)
		if err != nil {
			logger.L().Warn().Err(err).Str("endpoint", shortEndpoint(sub.Endpoint)).Msg("push: send failed")
			continue
		}
		if status == http.StatusGone || status == http.StatusNotFound {
			if err := s.subs.Remove(ctx, req.UserID, sub.Endpoint); err != nil {
				logger.Errorf("push: remove expired subscription: %v", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func shortEndpoint(e string) string {
	if len(e) > 50 {
		return e[:50]
	}
	return e
}
