package utils

import (
	"log/slog"
	"runtime"
	"time"
)

// callerSkip skips runtime.Callers, newRecord, log and the exported level method.
const callerSkip = 4

func newRecord(level LogLevel, message string, attrs []slog.Attr) slog.Record {
	var pcs [1]uintptr
	runtime.Callers(callerSkip, pcs[:])

	record := slog.NewRecord(time.Now(), level.slogLevel(), message, pcs[0])
	record.AddAttrs(attrs...)
	return record
}
