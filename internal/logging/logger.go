package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the process logger. Local environments get the console writer;
// everything else emits JSON lines.
func New(environment, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if environment == "local" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	logger = logger.Level(lvl).With().
		Timestamp().
		Str("service", "newswire").
		Logger()
	return logger, nil
}
