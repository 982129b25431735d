//go:build unix

package sequencebatch

import (
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// setNice applies level as the calling OS thread's scheduling priority,
// best-effort. The original SequenceBatch constructor calls SetThreadNice
// on the batch's dedicated thread and logs, but never fails, on error; the
// Go worker goroutine doesn't own a dedicated OS thread the way a C++
// thread does, so this only nudges the priority of whichever thread happens
// to be running it at the time.
func setNice(level int, logger logr.Logger) {
	if level == 0 {
		return
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, level); err != nil {
		logger.V(1).Info("failed to set worker nice level, continuing at default priority", "level", level, "error", err.Error())
	}
}
