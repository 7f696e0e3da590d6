package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init builds the process handler for the given level and format ("json" or "text").
func Init(level, format string) slog.Handler {
	return newHandler(os.Stderr, level, format)
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	var programLevel slog.Level
	if err := (&programLevel).UnmarshalText([]byte(level)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v, using info\n", level, err)
		programLevel = slog.LevelInfo
	}

	leveler := &slog.LevelVar{}
	leveler.Set(programLevel)

	opts := &slog.HandlerOptions{
		AddSource: programLevel <= slog.LevelDebug,
		Level:     leveler,
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
