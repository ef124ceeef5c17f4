package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook rewrites the caller recorded on every entry so log lines point
// at the smartfeed code that emitted them rather than at the Entry wrappers
// in this package.
type callerHook struct{}

func (callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (callerHook) Fire(entry *logrus.Entry) error {
	// Skip runtime.Callers itself, this hook and the logrus fire path.
	pcs := make([]uintptr, 24)
	depth := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:depth])
	for {
		frame, more := frames.Next()
		if !loggingFrame(frame.Function) {
			site := frame
			entry.Caller = &site
			return nil
		}
		if !more {
			return nil
		}
	}
}

func loggingFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "smartfeed/logger")
}
