package startup

import (
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/teamchat/internal/logger"
)

// NewSupervisor — корневой супервизор фоновых сервисов (хаб, очереди).
// События перезапусков пишутся в общий лог.
func NewSupervisor(name string, shutdownTimeout time.Duration) *suture.Supervisor {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return suture.New(name, suture.Spec{
		EventHook:        logSupervisorEvent,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}

func logSupervisorEvent(e suture.Event) {
	ev := logger.L().Warn()
	switch e.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeBackoff:
		ev = logger.L().Error()
	case suture.EventTypeResume:
		ev = logger.L().Info()
	}
	ev.Fields(e.Map()).Msg("supervisor: " + e.String())
}
