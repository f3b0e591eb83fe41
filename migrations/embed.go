// Package migrations — SQL-схема сервиса сообщений, встроенная в бинарник.
package migrations

import "embed"

// Files применяются startup.Migrate в порядке имён; уже применённые версии пропускаются.
//
//go:embed *.sql
var Files embed.FS
