// Package recovery keeps a panicking goroutine from taking the broker down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it with the goroutine name and stack.
// It must be deferred directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "agent.readLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback behaves like RecoverWithLog and then calls cleanup,
// typically to tear down the resource the goroutine was serving.
func RecoverWithCallback(logger *slog.Logger, name string, cleanup func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if cleanup != nil {
			cleanup(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
