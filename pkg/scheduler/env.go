package scheduler

import (
	"os"
	"strconv"

	"github.com/go-logr/logr"
)

// Environment variables controlling the debug backlog-delay gate. Renamed
// from the Triton-specific TRTSERVER_* prefix (spec.md §6) but semantically
// identical.
const (
	envBacklogDelay = "SEQUENCER_BACKLOG_DELAY"
	envDelay        = "SEQUENCER_DELAY"
)

// getEnvInt reads name as an integer, falling back to def and logging a
// warning if the variable is set but unparsable. The teacher's
// pkg/config/config.go reads similar debug thresholds through a shared
// "env" helper package that itself depends on the gateway-api-inference-
// extension module this repo doesn't otherwise need; reimplemented locally
// here rather than pulling in that whole module for two integers (see
// DESIGN.md).
func getEnvInt(name string, def int, logger logr.Logger) int {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Info("ignoring malformed environment override, using default", "var", name, "value", raw, "default", def)
		return def
	}
	return v
}
