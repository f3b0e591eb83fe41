package handler

import (
	"context"
	"net/http"

	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/push"
	"github.com/teamchat/internal/validation"
)

// PushSubscriber — push.Client.
type PushSubscriber interface {
	Enabled() bool
	Subscribe(ctx context.Context, userID string, sub push.PushSubscription) error
	Unsubscribe(ctx context.Context, userID, endpoint string) error
}

// PushHandler сохраняет подписки браузера на push-сервисе.
type PushHandler struct {
	client PushSubscriber
}

func NewPushHandler(client PushSubscriber) *PushHandler {
	return &PushHandler{client: client}
}

// subscribeRequest — subscription из PushManager.getSubscription().
type subscribeRequest struct {
	Subscription struct {
		Endpoint string `json:"endpoint" validate:"required,url,max=2048"`
		Keys     struct {
			P256dh string `json:"p256dh" validate:"required,max=256"`
			Auth   string `json:"auth" validate:"required,max=256"`
		} `json:"keys"`
	} `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !h.client.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push notifications are disabled")
		return
	}
	userID := middleware.GetUserID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req subscribeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	var sub push.PushSubscription
	sub.Endpoint = req.Subscription.Endpoint
	sub.Keys.P256dh = req.Subscription.Keys.P256dh
	sub.Keys.Auth = req.Subscription.Keys.Auth
	if err := h.client.Subscribe(r.Context(), userID, sub); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required,max=2048"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if !h.client.Enabled() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	userID := middleware.GetUserID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req unsubscribeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := h.client.Unsubscribe(r.Context(), userID, req.Endpoint); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
