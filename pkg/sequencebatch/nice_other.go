//go:build !unix

package sequencebatch

import "github.com/go-logr/logr"

// setNice is a no-op on non-unix platforms; nice levels have no equivalent
// there, and the spec requires this to be non-fatal regardless.
func setNice(level int, logger logr.Logger) {
	if level != 0 {
		logger.V(1).Info("nice level requested but not supported on this platform", "level", level)
	}
}
