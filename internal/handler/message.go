package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/service"
)

const (
	maxJSONBody       = 1 << 20
	multipartMemory   = 32 << 20
	multipartOverhead = 1 << 20
)

// errFileTooLarge — файл больше UPLOAD_MAX_SIZE (413).
var errFileTooLarge = errors.New("file too large")

type MessageHandler struct {
	messages *service.MessageService
	upload   config.UploadConfig
}

func NewMessageHandler(messages *service.MessageService, upload config.UploadConfig) *MessageHandler {
	if upload.MaxFiles <= 0 {
		upload.MaxFiles = 10
	}
	if upload.MaxSize <= 0 {
		upload.MaxSize = 20 << 20
	}
	return &MessageHandler{messages: messages, upload: upload}
}

// Create принимает JSON или multipart/form-data с частями files.
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	var (
		in  service.CreateMessageInput
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = h.parseMultipart(w, r, &in)
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		err = decodeJSON(r, &in, false)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msg, err := h.messages.Create(r.Context(), p, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errFileTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeServiceError(w, r, err)
}

func (h *MessageHandler) parseMultipart(w http.ResponseWriter, r *http.Request, in *service.CreateMessageInput) error {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.upload.MaxFiles)*h.upload.MaxSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return &service.ValidationError{Msg: "invalid multipart form"}
	}
	defer r.MultipartForm.RemoveAll()

	form := r.MultipartForm.Value
	field := func(k string) string {
		if v := form[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	optional := func(k string) *string {
		if v := strings.TrimSpace(field(k)); v != "" {
			return &v
		}
		return nil
	}
	in.ChannelID = strings.TrimSpace(field("channel_id"))
	in.Content = field("content")
	in.ContentType = model.ContentType(field("content_type"))
	in.ThreadID = optional("thread_id")
	in.ParentMessageID = optional("parent_message_id")
	in.MentionedUserIDs = splitMentions(form["mentioned_user_ids"])

	headers := r.MultipartForm.File["files"]
	if len(headers) > h.upload.MaxFiles {
		return &service.ValidationError{Msg: fmt.Sprintf("too many files (max %d)", h.upload.MaxFiles)}
	}
	for _, fh := range headers {
		if fh.Size > h.upload.MaxSize {
			return fmt.Errorf("%w: %s", errFileTooLarge, fh.Filename)
		}
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("messageHandler.parseMultipart: open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(io.LimitReader(f, h.upload.MaxSize+1))
		f.Close()
		if err != nil {
			return fmt.Errorf("messageHandler.parseMultipart: read %s: %w", fh.Filename, err)
		}
		if int64(len(data)) > h.upload.MaxSize {
			return fmt.Errorf("%w: %s", errFileTooLarge, fh.Filename)
		}
		in.Files = append(in.Files, service.FileInput{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return nil
}

// splitMentions: поле может повторяться или содержать список через запятую.
func splitMentions(values []string) []string {
	var out []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// List: ?channel_id=&limit=&offset= | ?channel_id=&search= | ?trash=true&page=&limit=
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	q := r.URL.Query()
	query := service.ListQuery{
		ChannelID: strings.TrimSpace(q.Get("channel_id")),
		Search:    q.Get("search"),
		Searching: q.Has("search"),
		Trash:     q.Get("trash") == "true" || q.Get("trash") == "1",
	}
	var err error
	if query.Limit, err = queryIntStrict(r, "limit", 0); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if query.Offset, err = queryIntStrict(r, "offset", 0); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if query.Page, err = queryIntStrict(r, "page", 0); err != nil {
		writeServiceError(w, r, err)
		return
	}
	page, err := h.messages.List(r.Context(), p, query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type editRequest struct {
	Content string `json:"content"`
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req editRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, r, err)
		return
	}
	msg, err := h.messages.Edit(r.Context(), p, chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type trashRequest struct {
	Reason string `json:"reason"`
}

// Trash — причина из тела или из ?reason=.
func (h *MessageHandler) Trash(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req trashRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}
	msg, err := h.messages.Trash(r.Context(), p, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) Restore(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	msg, err := h.messages.Restore(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// MarkRead: 201 при первой отметке, 200 при повторной.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	rec, created, err := h.messages.MarkRead(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

func (h *MessageHandler) Receipts(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	receipts, err := h.messages.Receipts(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if receipts == nil {
		receipts = []model.ReadReceipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

// MarkChannelRead обнуляет счётчик непрочитанного в канале.
func (h *MessageHandler) MarkChannelRead(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())
	if err := h.messages.MarkChannelRead(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
