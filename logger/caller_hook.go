package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPackages are skipped when looking for the real call site.
var wrapperPackages = []string{"github.com/sirupsen/logrus.", "walletwatch/logger."}

// callerHook rewrites entry.Caller to the first frame outside logrus and the
// Log/Entry wrappers, otherwise every line would point into this package.
type callerHook struct{}

func (callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := externalCaller(); ok {
		entry.Caller = &frame
	}
	return nil
}

func externalCaller() (runtime.Frame, bool) {
	var pcs [24]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapper(frame.Function) {
			return frame, frame.Function != ""
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func isWrapper(fn string) bool {
	for _, p := range wrapperPackages {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
