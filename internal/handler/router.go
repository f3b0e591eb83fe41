package handler

import (
	"github.com/go-chi/chi/v5"
)

// API — обработчики под /api. Push и Files могут быть nil.
type API struct {
	Messages *MessageHandler
	Channels *ChannelHandler
	Push     *PushHandler
	Files    *FileHandler
	Config   *ConfigHandler
}

// Mount регистрирует маршруты /api; аутентификация и лимиты навешиваются снаружи.
func (a API) Mount(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", a.Messages.Create)
		r.Get("/", a.Messages.List)
		r.Put("/{id}", a.Messages.Edit)
		r.Delete("/{id}", a.Messages.Trash)
		r.Post("/{id}/restore", a.Messages.Restore)
		r.Post("/{id}/read", a.Messages.MarkRead)
		r.Get("/{id}/receipts", a.Messages.Receipts)
	})
	r.Route("/channels", func(r chi.Router) {
		r.Post("/", a.Channels.Create)
		r.Get("/", a.Channels.List)
		r.Get("/{id}/members", a.Channels.Members)
		r.Post("/{id}/read", a.Messages.MarkChannelRead)
		r.Put("/{id}/prefs", a.Channels.UpdatePrefs)
		r.Get("/{id}/typing", a.Channels.TypingUsers)
		r.Post("/{id}/typing", a.Channels.Typing)
	})
	if a.Push != nil {
		r.Post("/push/subscribe", a.Push.Subscribe)
		r.Post("/push/unsubscribe", a.Push.Unsubscribe)
	}
	if a.Files != nil {
		r.Get("/files/{key}", a.Files.Serve)
	}
	if a.Config != nil {
		r.Get("/config", a.Config.Get)
	}
}
