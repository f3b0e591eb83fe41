package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teamchat/internal/logger"
)

func init() {
	logger.Init(logger.Config{Output: io.Discard, Sync: true})
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Chdir(t.TempDir()) // не читать .env разработчика

	cfg := Load()
	if cfg.ServerAddr != ":8080" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr)
	}
	if cfg.Bus.Backend != "memory" {
		t.Errorf("Bus.Backend = %q", cfg.Bus.Backend)
	}
	if cfg.Fanout.TaskTimeout != 5*time.Second {
		t.Errorf("Fanout.TaskTimeout = %v", cfg.Fanout.TaskTimeout)
	}
	if cfg.Upload.MaxSize != 20<<20 {
		t.Errorf("Upload.MaxSize = %d", cfg.Upload.MaxSize)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api.yaml")
	data := []byte("server_addr: \":9000\"\nfanout_workers: 3\nbus:\n  backend: nats\n  nats_url: nats://bus:4222\nws:\n  ws_send_buffer_size: 64\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Chdir(t.TempDir())
	t.Setenv("FANOUT_WORKERS", "12")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/chat")

	cfg := Load()
	if cfg.ServerAddr != ":9000" {
		t.Errorf("ServerAddr = %q, want :9000 from yaml", cfg.ServerAddr)
	}
	if cfg.Fanout.Workers != 12 {
		t.Errorf("Fanout.Workers = %d, want env override 12", cfg.Fanout.Workers)
	}
	if cfg.Bus.Backend != "nats" || cfg.Bus.NATSURL != "nats://bus:4222" {
		t.Errorf("Bus = %+v", cfg.Bus)
	}
	if cfg.WS.SendBufferSize != 64 {
		t.Errorf("WS.SendBufferSize = %d", cfg.WS.SendBufferSize)
	}
	if cfg.WS.PongTimeout != 60 {
		t.Errorf("WS.PongTimeout = %d, want default kept", cfg.WS.PongTimeout)
	}
}

func TestRedisBusWithoutURLFallsBack(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Chdir(t.TempDir())
	t.Setenv("BUS_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")

	if got := Load().Bus.Backend; got != "memory" {
		t.Errorf("Bus.Backend = %q, want memory", got)
	}
}

func TestAllowedOrigins(t *testing.T) {
	c := &Config{CORSAllowedOrigins: "https://a.example, https://b.example,,"}
	got := c.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", got)
	}
	if got := (&Config{}).AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("empty AllowedOrigins = %v", got)
	}
}
