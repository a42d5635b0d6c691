package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Log zerolog.Logger

func init() {
	// Configure ZeroLog in text mode with colors
	Log = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		NoColor:    false,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	// Set default log level to Info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetLevel sets the global log level
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// SetLevelString parses a level name ("debug", "info", ...) and applies it.
// Unknown names leave the current level untouched and return the parse error.
func SetLevelString(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	SetLevel(lvl)
	return nil
}

// SetOutput redirects the global logger, keeping the timestamp context.
// Plain writers get JSON lines; pass a zerolog.ConsoleWriter for text.
func SetOutput(w io.Writer) {
	Log = zerolog.New(w).With().Timestamp().Logger()
}

// With returns a child of the global logger tagged with the given component.
func With(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// Network returns a child logger for a single IRC network of a user.
func Network(user, network string) zerolog.Logger {
	return Log.With().
		Str("component", "session").
		Str("user", user).
		Str("network", network).
		Logger()
}
