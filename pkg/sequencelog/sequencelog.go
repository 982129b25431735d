// Package sequencelog centralizes the verbosity conventions the scheduler
// and sequence batch packages use with logr. It intentionally does not pull
// in a logging backend: callers pass in whatever logr.Logger they already
// have (zapr, klogr, or logr.Discard() in tests), matching the teacher's
// convention of retrieving a logger from context rather than owning one.
package sequencelog

import "github.com/go-logr/logr"

// Verbosity levels, mirroring the "DEFAULT"/"DEBUG"/"TRACE" ladder used
// throughout the pack, kept local instead of importing a dependency purely
// for three integer constants.
const (
	Default = 0
	Debug   = 1
	Trace   = 2
)

// Named returns a logger scoped to a subsystem name, the same convention the
// teacher's cmd binaries use (ctrl.Log.WithName("setup")).
func Named(base logr.Logger, subsystem string) logr.Logger {
	return base.WithName(subsystem)
}
