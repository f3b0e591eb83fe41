package handler

import (
	"net/http"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/service"
)

// ConfigHandler отдаёт клиенту публичные ограничения API.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type clientConfig struct {
	MaxContentLength int   `json:"max_content_length"`
	MaxMentions      int   `json:"max_mentions"`
	MaxFiles         int   `json:"max_files"`
	MaxFileSize      int64 `json:"max_file_size"`
	PageLimit        int   `json:"page_limit"`
	MaxPageLimit     int   `json:"max_page_limit"`
	PushEnabled      bool  `json:"push_enabled"`
}

func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clientConfig{
		MaxContentLength: service.MaxContentRunes,
		MaxMentions:      h.cfg.MaxMentions,
		MaxFiles:         h.cfg.Upload.MaxFiles,
		MaxFileSize:      h.cfg.Upload.MaxSize,
		PageLimit:        service.DefaultPageLimit,
		MaxPageLimit:     service.MaxPageLimit,
		PushEnabled:      h.cfg.PushServiceURL != "",
	})
}
