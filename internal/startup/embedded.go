package startup

import (
	"fmt"
	"os"
	"path/filepath"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"github.com/teamchat/internal/logger"
)

// EmbeddedPostgres — параметры встроенной БД для режима -dev.
type EmbeddedPostgres struct {
	Port     uint32
	User     string
	Password string
	Database string
	DataDir  string
}

// Start поднимает встроенный PostgreSQL и возвращает его вместе с DSN.
func (e EmbeddedPostgres) Start() (*embeddedpostgres.EmbeddedPostgres, string, error) {
	if e.Port == 0 {
		e.Port = 5433
	}
	if e.DataDir == "" {
		e.DataDir = filepath.Join(".", ".pgdata")
	}
	if err := os.MkdirAll(e.DataDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(e.Port).
			Username(e.User).
			Password(e.Password).
			Database(e.Database).
			DataPath(e.DataDir).
			RuntimePath(filepath.Join(os.TempDir(), "teamchat-pg-runtime")),
	)
	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, "", fmt.Errorf("start embedded postgres: %w", err)
	}
	dsn := fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", e.User, e.Password, e.Port, e.Database)
	logger.Infof("embedded PostgreSQL running on port %d", e.Port)
	return db, dsn, nil
}
