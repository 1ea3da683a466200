package errorutil

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/sagastream/common/log"
)

type RecoveryFallBackFunc func(interface{})

// Recovery must be deferred. A recovered panic is passed to every non-nil
// fallback; without one it is logged with the goroutine stack.
func Recovery(funcs ...RecoveryFallBackFunc) {
	r := recover()
	if r == nil {
		return
	}
	handled := false
	for _, fun := range funcs {
		if fun != nil {
			fun(r)
			handled = true
		}
	}
	if !handled {
		logPanic(r)
	}
}

// RecoverTo must be deferred; it turns a panic into *err.
//
//	func (l *Listener) subscribe(ctx context.Context) (err error) {
//		defer errorutil.RecoverTo(&err)
func RecoverTo(err *error) {
	if r := recover(); r != nil {
		logPanic(r)
		*err = PanicToError(r)
	}
}

// SafeGoroutine runs fn and logs a panic instead of crashing the process.
func SafeGoroutine(fn func()) {
	defer Recovery()
	fn()
}

func logPanic(r interface{}) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)
	logutil.Logger(context.Background()).Error("recovered",
		zap.Any("panic", r), zap.ByteString("stack", buf[:n]))
}
