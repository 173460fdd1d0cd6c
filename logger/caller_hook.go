package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// skippedCallers lists function prefixes that never count as a call site.
var skippedCallers = []string{
	"github.com/sirupsen/logrus",
	"fundingflow/logger.",
}

// callerHook points entry.Caller at the first frame outside logrus and the
// wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !skipCaller(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skipCaller(fn string) bool {
	if fn == "" {
		return true
	}
	for _, prefix := range skippedCallers {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
