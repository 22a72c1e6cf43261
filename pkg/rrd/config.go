package rrd

import "github.com/rrdstore/rrdcore/pkg/persist"

// Defaults carries the collector-wide settings a Registry falls back to when
// a CreateChart call leaves a field at its zero value, mirroring the
// [global] section of netdata.conf.
type Defaults struct {
	UpdateEvery    int64
	HistoryEntries int64
	MemoryMode     persist.Mode
	CacheDir       string

	// FreeOrphanTimeSeconds is how long a host with no reachable collector
	// waits, flagged orphan, before CleanupOrphan actually removes it.
	FreeOrphanTimeSeconds int64
	// GapWhenLostIterationsAbove bounds interpolation: once a tick is more
	// than this many grid intervals late, the skipped slots are written
	// empty instead of interpolated.
	GapWhenLostIterationsAbove int64
}

const (
	minUpdateEvery    = 1
	maxUpdateEvery    = 3600
	minHistoryEntries = 1
	maxHistoryEntries = 864000
)

// DefaultDefaults mirrors netdata.conf's built-in defaults: one-second
// collection, one hour of one-second history, in-memory rings.
func DefaultDefaults() Defaults {
	return Defaults{
		UpdateEvery:                1,
		HistoryEntries:             3600,
		MemoryMode:                 persist.ModeRAM,
		FreeOrphanTimeSeconds:      3600,
		GapWhenLostIterationsAbove: 60,
	}
}

func clampUpdateEvery(v int64) int64 {
	if v <= 0 {
		return minUpdateEvery
	}
	if v > maxUpdateEvery {
		return maxUpdateEvery
	}
	return v
}

func clampHistoryEntries(v int64) int64 {
	if v <= 0 {
		return minHistoryEntries
	}
	if v > maxHistoryEntries {
		return maxHistoryEntries
	}
	return v
}
