package handler

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/objectstore"
)

// FileHandler отдаёт сохранённые вложения по ключу объекта.
type FileHandler struct {
	store *objectstore.LocalDisk
}

func NewFileHandler(store *objectstore.LocalDisk) *FileHandler {
	return &FileHandler{store: store}
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	key := filepath.Base(chi.URLParam(r, "key"))
	if key == "." || key == "/" || key == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.store.Serve(w, r, key)
}
