package telemetry

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
)

// InitLogger sets up the global logger: console output with debug level in
// development, JSON with info level otherwise
func InitLogger(env core.Environment) {
	level := zerolog.InfoLevel

	if env.IsDevelopment() {
		cw := zerolog.NewConsoleWriter()
		log.Logger = log.Output(cw)
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}
