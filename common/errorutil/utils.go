package errorutil

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/sagastream/common/log"
)

func PanicIfError(err error) {
	if err == nil {
		return
	}
	logutil.Logger(context.Background()).Error("panic : ", zap.Error(err))
	_ = logutil.Sync()
	panic(err)
}

// PanicToError converts a recovered panic value into an error.
func PanicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic : %w", err)
	}
	return fmt.Errorf("panic : %v", r)
}
