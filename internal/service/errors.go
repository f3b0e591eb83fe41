// Package service — операции ядра сообщений: проверка членства, создание и чтение сообщений,
// отметки прочтения, корзина, каналы и индикатор набора текста.
package service

import (
	"errors"
	"fmt"

	"github.com/teamchat/internal/validation"
)

var (
	// ErrAccessDenied — не участник или канала нет; наружу одинаковый 403 без подробностей.
	ErrAccessDenied    = errors.New("access denied")
	ErrAdminOnly       = errors.New("only channel admins can post here")
	ErrForbiddenAction = errors.New("action not allowed")
	ErrNotFound        = errors.New("not found")
	ErrTrashExpired    = fmt.Errorf("%w: trash retention expired", ErrNotFound)
)

// ValidationError — некорректный запрос (400).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// validate переводит ошибки validator в ValidationError.
func validate(s any) error {
	if err := validation.Struct(s); err != nil {
		return &ValidationError{Msg: err.Error()}
	}
	return nil
}

// IsClientError — ошибка запроса, её текст можно вернуть клиенту. Остальное — внутренняя ошибка.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrAdminOnly) ||
		errors.Is(err, ErrForbiddenAction) ||
		errors.Is(err, ErrNotFound)
}
