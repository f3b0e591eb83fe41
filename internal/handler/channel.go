package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/service"
)

type ChannelHandler struct {
	channels *service.ChannelService
}

func NewChannelHandler(channels *service.ChannelService) *ChannelHandler {
	return &ChannelHandler{channels: channels}
}

// Create: 201 для нового канала, 200 если личный диалог уже был.
func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var in service.CreateChannelInput
	if err := decodeJSON(r, &in, false); err != nil {
		writeServiceError(w, r, err)
		return
	}
	ch, created, err := h.channels.CreateChannel(r.Context(), p, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ch)
}

func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	list, err := h.channels.ListChannels(r.Context(), p)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []model.ChannelSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ChannelHandler) Members(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	members, err := h.channels.Members(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *ChannelHandler) UpdatePrefs(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var in service.PrefsInput
	if err := decodeJSON(r, &in, false); err != nil {
		writeServiceError(w, r, err)
		return
	}
	m, err := h.channels.UpdateMemberPrefs(r.Context(), p, chi.URLParam(r, "id"), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Typing — для клиентов без WebSocket; основной путь — событие typing в /ws.
func (h *ChannelHandler) Typing(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	if err := h.channels.Typing(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChannelHandler) TypingUsers(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	users, err := h.channels.TypingUsers(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"user_ids": users})
}
