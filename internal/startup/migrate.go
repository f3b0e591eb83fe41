package startup

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/logger"
)

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate применяет .sql файлы из files по порядку имён; каждый файл — в своей транзакции,
// уже применённые (по schema_migrations) пропускаются. Возвращает число применённых.
func Migrate(ctx context.Context, pool *pgxpool.Pool, files fs.FS) (int, error) {
	defer logger.DeferLogDuration("startup.Migrate", time.Now())()
	if _, err := pool.Exec(ctx, migrationsTable); err != nil {
		return 0, fmt.Errorf("startup.Migrate: %w", err)
	}
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("startup.Migrate: %w", err)
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return applied, fmt.Errorf("startup.Migrate: read %s: %w", name, err)
		}
		done, err := applyMigration(ctx, pool, version, string(data))
		if err != nil {
			return applied, fmt.Errorf("startup.Migrate: %s: %w", name, err)
		}
		if done {
			applied++
			logger.Infof("migration %s applied", version)
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, version, sql string) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// блокировка на время транзакции: несколько экземпляров API не применяют миграцию дважды
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('schema_migrations'))`); err != nil {
		return false, err
	}
	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
