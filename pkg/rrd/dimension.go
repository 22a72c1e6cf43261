package rrd

import (
	"sync/atomic"

	"github.com/rrdstore/rrdcore/pkg/persist"
	"github.com/rrdstore/rrdcore/pkg/storagenumber"
)

// Dimension is one time series within a Chart: a name, an algorithm, and a
// ring of Entries StorageNumbers sharing the chart's time grid. Field access
// from outside the owning Chart's lock is limited to the exported read-only
// accessors; ingestion state (collectedValue and friends) is only ever
// touched by Set/SetByPointer and Done(), each holding the chart's lock.
type Dimension struct {
	chart *Chart

	id, name string

	algorithm  Algorithm
	multiplier int64
	divisor    int64
	flags      DimFlags

	overflowWidthBits uint

	values ringBacking
	file   *persist.DimensionFile

	// Per-tick staging, written by SetByPointer and consumed by the next
	// Done() call on the owning chart.
	collectedValue int64
	updated        bool

	// Cross-tick state. Done() rolls lastCollectedValue forward on every
	// call; lastCalculatedValue and lastStoredValue change only on a Done()
	// that commits at least one slot. collectionsCounter counts Set calls.
	lastCollectedValue  int64
	lastCalculatedValue float64
	lastStoredValue     float64
	collectionsCounter  uint64

	collectedVolume float64
	storedVolume    float64

	// exposed tracks whether a streaming consumer has been told about this
	// dimension yet; it's read/written without the chart lock by design
	// (a missed or duplicate announcement is harmless), so it's atomic.
	exposed atomic.Bool
}

// ID is the dimension's stable identifier within its chart.
func (d *Dimension) ID() string { return d.id }

// Name is the dimension's display name, independent of ID.
func (d *Dimension) Name() string { return d.name }

// Algorithm reports how collected values become calculated values.
func (d *Dimension) Algorithm() Algorithm { return d.algorithm }

// Hidden reports whether the dimension is flagged hidden from default
// rendering. Flag reads are unsynchronized bitwise ops, same as the
// collector's own hot path — a racing Hide/Unhide can only ever flip one
// bit, never corrupt state.
func (d *Dimension) Hidden() bool { return d.flags.has(DimFlagHidden) }

// Hide flags the dimension hidden without removing it from the ring.
func (d *Dimension) Hide() { d.flags |= DimFlagHidden }

// Unhide clears the hidden flag.
func (d *Dimension) Unhide() { d.flags &^= DimFlagHidden }

// Obsolete reports whether the collector has stopped reporting this
// dimension; it remains readable until the owning host's cleanup pass
// removes it.
func (d *Dimension) Obsolete() bool { return d.flags.has(DimFlagObsolete) }

func (d *Dimension) markObsolete() { d.flags |= DimFlagObsolete }

// Exposed reports whether a streaming sender has already announced this
// dimension to a receiving peer.
func (d *Dimension) Exposed() bool { return d.exposed.Load() }

// SetExposed records that a streaming sender has (or has not yet) announced
// this dimension, mirroring the exposed:1 bitfield the collector side reads.
func (d *Dimension) SetExposed(exposed bool) { d.exposed.Store(exposed) }

// Get reads the value and flags stored at the given absolute ring slot,
// decoded back to a real number.
func (d *Dimension) Get(slot int64) (float64, storagenumber.Flags) {
	return storagenumber.Unpack(d.values.get(slot))
}

func (d *Dimension) write(slot int64, v float64, flags storagenumber.Flags) bool {
	sn, saturated := storagenumber.Pack(v, flags)
	d.values.set(slot, sn)
	return saturated
}

func (d *Dimension) writeEmpty(slot int64) {
	d.values.set(slot, storagenumber.Empty)
}

// newDimensionBacking picks the ring storage for a newly added dimension: a
// view onto the mapped/snapshotted file if one was opened, otherwise a plain
// in-memory slice. df is nil whenever the mode isn't MAP/SAVE, or when
// opening the file failed and AddDim is falling back to ram.
func newDimensionBacking(mode persist.Mode, entries int64, df *persist.DimensionFile) ringBacking {
	if df != nil && (mode == persist.ModeMap || mode == persist.ModeSave) {
		return mmapBacking{buf: df.Ring()}
	}
	return make(sliceBacking, entries)
}
