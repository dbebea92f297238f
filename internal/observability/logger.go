package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process-wide console logger, tagged with the
// running app name, and returns it. Daemons write to stderr so stdout
// stays free for command output.
func InitLogger(app string) zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
