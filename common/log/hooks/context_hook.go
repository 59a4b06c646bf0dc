package hooks

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook tags every entry with the file:line of the first frame outside
// logrus and this package.
type contextHook struct {
	trimPrefix string
}

func NewContextHook() contextHook {
	return contextHook{trimPrefix: "kestrel/"}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isLoggingFrame(frame.Function) {
			file := frame.File
			if idx := strings.LastIndex(file, hook.trimPrefix); idx >= 0 {
				file = file[idx+len(hook.trimPrefix):]
			}
			entry.Data["file:line"] = file + ":" + strconv.Itoa(frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isLoggingFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "hooks.contextHook")
}
