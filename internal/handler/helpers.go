package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/service"
	"github.com/teamchat/internal/validation"
)

// Конверт ответа API: {success, data} или {success, error}.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		logger.Errorf("writeError encode: %v", err)
	}
}

// writeServiceError переводит ошибку сервиса в HTTP-статус. Текст внутренних ошибок не раскрывается.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve     *service.ValidationError
		verrs  validation.Errors
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, "request too large")
	case errors.Is(err, service.ErrAccessDenied),
		errors.Is(err, service.ErrAdminOnly),
		errors.Is(err, service.ErrForbiddenAction):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.L().Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("handler: internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON читает тело запроса. Пустое тело допустимо, если allowEmpty.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return err
	}
	if err != nil {
		return &service.ValidationError{Msg: "invalid JSON body"}
	}
	return nil
}

// queryIntStrict: пустое значение — defaultVal, нечисловое — ошибка запроса.
func queryIntStrict(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &service.ValidationError{Msg: key + " must be an integer"}
	}
	return n, nil
}
