package main

import (
	"fmt"
	"log/slog"
	"strings"
)

// debugAdapter logs link frames at debug level.
type debugAdapter struct {
	*slog.Logger
}

func (log *debugAdapter) Printf(format string, v ...any) {
	log.Logger.Debug(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}
