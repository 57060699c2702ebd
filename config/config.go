// Package config parses the handful of environment-configurable limits:
// the frame-cache byte budget, the GC scheduling interval (in epochs and
// in wall-clock check frequency), and the number of state-roots a GC
// export retains. None of these affect the on-disk archive format; they
// are read once at process start and held fixed for the lifetime of the
// process.
//
// Every setting is an EnvVars-backed cli.Flag with a hard-coded default,
// but Load/Default themselves need no cli.Context, so non-CLI callers
// (tests, a daemon embedding this engine directly) read the same defaults
// without one.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
)

const (
	DefaultFrameCacheBudget       = 256 * 1024 * 1024
	DefaultGCIntervalEpochs       = 20160 // ~7 days at a 30s epoch
	DefaultGCCheckIntervalSeconds = 900
	DefaultGCRetainedStateRoots   = 2000
)

// Environment variable names, all under the FOREST_ prefix.
const (
	EnvFrameCacheBudget       = "FOREST_FRAME_CACHE_BUDGET"
	EnvGCIntervalEpochs       = "FOREST_GC_INTERVAL_EPOCHS"
	EnvGCCheckIntervalSeconds = "FOREST_GC_CHECK_INTERVAL_SECONDS"
	EnvGCRetainedStateRoots   = "FOREST_GC_RETAINED_STATE_ROOTS"
)

// Config holds the resolved limits for one process. All fields are set
// once by Load and are not expected to change afterward.
type Config struct {
	// FrameCacheBudget is the frame cache's byte budget.
	FrameCacheBudget int64
	// GCIntervalEpochs is the chain-epoch gap between the archive head
	// and the chain head that triggers periodic GC.
	GCIntervalEpochs uint64
	// GCCheckIntervalSeconds is how often the GC scheduler re-evaluates
	// its trigger preconditions.
	GCCheckIntervalSeconds int
	// GCRetainedStateRoots is the number of trailing state-roots a lite
	// snapshot export retains.
	GCRetainedStateRoots int
}

// Default returns the hard-coded defaults with no environment overrides
// applied.
func Default() Config {
	return Config{
		FrameCacheBudget:       DefaultFrameCacheBudget,
		GCIntervalEpochs:       DefaultGCIntervalEpochs,
		GCCheckIntervalSeconds: DefaultGCCheckIntervalSeconds,
		GCRetainedStateRoots:   DefaultGCRetainedStateRoots,
	}
}

// Load resolves Config from the environment, falling back to Default's
// values for anything unset or unparsable.
func Load() Config {
	cfg := Default()
	if v, ok := lookupInt64(EnvFrameCacheBudget); ok {
		cfg.FrameCacheBudget = v
	}
	if v, ok := lookupUint64(EnvGCIntervalEpochs); ok {
		cfg.GCIntervalEpochs = v
	}
	if v, ok := lookupInt(EnvGCCheckIntervalSeconds); ok {
		cfg.GCCheckIntervalSeconds = v
	}
	if v, ok := lookupInt(EnvGCRetainedStateRoots); ok {
		cfg.GCRetainedStateRoots = v
	}
	return cfg
}

func lookupInt64(name string) (int64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupUint64(name string) (uint64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupInt(name string) (int, bool) {
	v, ok := lookupUint64(name)
	if !ok {
		return 0, false
	}
	return int(v), true
}

// Flags returns the cli.Flag set cmd/forest-archive binds its global
// limits to: an EnvVars-backed flag per setting with the same default
// baked in twice (once here, once in Default) so `--help` output and
// Load() never disagree.
func Flags(cfg *Config) []cli.Flag {
	*cfg = Default()
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "frame-cache-budget",
			Usage:       "byte budget for the shared decoded-frame cache",
			EnvVars:     []string{EnvFrameCacheBudget},
			Value:       DefaultFrameCacheBudget,
			Destination: &cfg.FrameCacheBudget,
		},
		&cli.Uint64Flag{
			Name:    "gc-interval-epochs",
			Usage:   "chain-epoch gap between archive head and chain head that triggers GC",
			EnvVars: []string{EnvGCIntervalEpochs},
			Value:   DefaultGCIntervalEpochs,
			Action: func(_ *cli.Context, v uint64) error {
				cfg.GCIntervalEpochs = v
				return nil
			},
		},
		&cli.IntFlag{
			Name:        "gc-check-interval-seconds",
			Usage:       "how often the GC scheduler re-evaluates its trigger preconditions",
			EnvVars:     []string{EnvGCCheckIntervalSeconds},
			Value:       DefaultGCCheckIntervalSeconds,
			Destination: &cfg.GCCheckIntervalSeconds,
		},
		&cli.IntFlag{
			Name:        "gc-retained-state-roots",
			Usage:       "number of trailing state-roots a GC export retains",
			EnvVars:     []string{EnvGCRetainedStateRoots},
			Value:       DefaultGCRetainedStateRoots,
			Destination: &cfg.GCRetainedStateRoots,
		},
	}
}

// String renders the resolved config for a startup log line.
func (c Config) String() string {
	return fmt.Sprintf("frame_cache_budget=%d gc_interval_epochs=%d gc_check_interval_seconds=%d gc_retained_state_roots=%d",
		c.FrameCacheBudget, c.GCIntervalEpochs, c.GCCheckIntervalSeconds, c.GCRetainedStateRoots)
}
