package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the console logger used by the binaries. An unknown level falls back to info.
func New(environment, level string) zerolog.Logger {
	return NewWithWriter(os.Stderr, environment, level)
}

func NewWithWriter(out io.Writer, environment, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    environment == "production",
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(output).Level(lvl).With().
		Timestamp().
		Str("env", environment).
		Logger()
}
