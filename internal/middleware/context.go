package middleware

import (
	"context"

	"github.com/teamchat/internal/model"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal кладёт проверенного пользователя в контекст запроса.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal возвращает пользователя, установленного AuthServiceValidate или DevPrincipal.
func GetPrincipal(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok && p.ID != ""
}

func GetUserID(ctx context.Context) string {
	p, _ := GetPrincipal(ctx)
	return p.ID
}
