package engine

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
)

// GoSafe runs a function in a goroutine and recovers from panics.
// A recovered panic is reported through logger (stderr if nil) instead of
// crashing the process; background shard work must never take the
// embedder down.
func GoSafe(logger *slog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("panic recovered in background task",
						"panic", r,
						"stack", string(debug.Stack()),
					)
					return
				}
				fmt.Fprintf(os.Stderr, "PANIC RECOVERED in background task: %v\n%s\n", r, debug.Stack())
			}
		}()
		fn()
	}()
}
