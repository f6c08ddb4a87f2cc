package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New builds the default structured logger used when the caller does
// not inject one: tinted output on stderr with source locations.
func New(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
	})
	return slog.New(handler)
}

var Logger *slog.Logger

func init() {
	Logger = New(slog.LevelInfo)
}
