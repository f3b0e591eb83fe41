// Package logger предоставляет логирование с префиксом сервиса поверх zerolog.
// Запись неблокирующая (diode-буфер): при переполнении сообщения теряются, приложение не ждёт вывод.
// Поддерживается логирование времени выполнения функций.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const asyncBufferSize = 8192

// Config — настройки логгера. Пустые поля берутся из LOG_LEVEL / LOG_FORMAT.
type Config struct {
	Level  string
	Format string // json | console
	Output io.Writer
	// Sync отключает diode-буфер (нужно в тестах, чтобы вывод был детерминированным).
	Sync bool
}

var (
	mu     sync.RWMutex
	prefix string
	log    zerolog.Logger
	closer io.Closer
)

func init() {
	Init(Config{})
}

// Init (пере)настраивает глобальный логгер. Безопасно вызывать повторно.
func Init(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = os.Getenv("LOG_LEVEL")
	}
	if cfg.Format == "" {
		cfg.Format = os.Getenv("LOG_FORMAT")
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	out := cfg.Output
	var c io.Closer
	if !cfg.Sync {
		d := diode.NewWriter(cfg.Output, asyncBufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
		})
		out, c = d, d
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
	}
	closer = c
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log = zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	if prefix != "" {
		log = log.With().Str("service", prefix).Logger()
	}
}

// Close сбрасывает буфер. Вызывать в конце main.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
		closer = nil
	}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "api", "push").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	log = log.With().Str("service", p).Logger()
	mu.Unlock()
}

// L возвращает текущий zerolog.Logger для структурированных полей.
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

func Info(v ...any) { L().Info().Msg(fmt.Sprint(v...)) }

func Infof(format string, v ...any) { L().Info().Msgf(format, v...) }

func Warnf(format string, v ...any) { L().Warn().Msgf(format, v...) }

func Debugf(format string, v ...any) { L().Debug().Msgf(format, v...) }

func Error(v ...any) { L().Error().Msg(fmt.Sprint(v...)) }

func Errorf(format string, v ...any) { L().Error().Msgf(format, v...) }

// LogDuration логирует имя функции и время выполнения.
// На уровне info пишутся только вызовы дольше 100ms; на debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := L()
	if l.GetLevel() <= zerolog.DebugLevel || elapsed >= 100*time.Millisecond {
		l.Info().Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Send()
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("Name", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
