package rrd

import "github.com/rrdstore/rrdcore/pkg/storagenumber"

// ringBacking is the storage behind one dimension's values array: either a
// plain owned slice (none/ram, or a map/save dimension whose backing file
// could not be opened) or a byte view onto a DimensionFile's ring (map/save).
type ringBacking interface {
	get(slot int64) storagenumber.StorageNumber
	set(slot int64, v storagenumber.StorageNumber)
}

type sliceBacking []storagenumber.StorageNumber

func (s sliceBacking) get(slot int64) storagenumber.StorageNumber   { return s[slot] }
func (s sliceBacking) set(slot int64, v storagenumber.StorageNumber) { s[slot] = v }

// mmapBacking reinterprets a byte region (the mmap'd file in map mode, the
// snapshot buffer in save mode) as a StorageNumber array, four bytes per
// slot, via the codec's endianness-stable Put/Get.
type mmapBacking struct{ buf []byte }

func (m mmapBacking) get(slot int64) storagenumber.StorageNumber {
	return storagenumber.Get(m.buf[slot*storagenumber.Size:])
}

func (m mmapBacking) set(slot int64, v storagenumber.StorageNumber) {
	storagenumber.Put(m.buf[slot*storagenumber.Size:], v)
}

// grid holds the time-grid geometry shared by every dimension of one chart:
// how many slots the ring has, at what cadence, how many have ever been
// written, and the wall-clock instant the most recent one landed at. Each
// Dimension's values array is sized Entries and indexed by the same slot
// numbers this type computes.
type grid struct {
	Entries     int64
	UpdateEvery int64
	counter     uint64
	lastUpdated int64 // unix seconds, grid-aligned; 0 before the first commit
}

// currentEntry is the write cursor: the slot the next committed value lands
// in. It is always counter mod Entries, so it never needs to be tracked
// separately from counter.
func (g *grid) currentEntry() int64 {
	if g.Entries == 0 {
		return 0
	}
	return int64(g.counter % uint64(g.Entries))
}

func (g *grid) Counter() uint64 { return g.counter }

// advance records one committed slot, moving the write cursor forward (and
// wrapping it, implicitly, via currentEntry's modulo).
func (g *grid) advance() { g.counter++ }

func lastSlotOf(currentEntry, entries int64) int64 {
	if currentEntry == 0 {
		return entries - 1
	}
	return currentEntry - 1
}

func firstSlotOf(counter, entries, currentEntry int64) int64 {
	if counter < entries {
		return 0
	}
	return currentEntry
}

func durationOf(counter, entries, updateEvery int64) int64 {
	n := counter
	if n > entries {
		n = entries
	}
	return n * updateEvery
}

// firstEntryTOf is the wall-clock second of the oldest committed slot: the
// ring holds duration/updateEvery slots, the newest of them at lastUpdated.
// With nothing committed it is lastUpdated.
func firstEntryTOf(lastUpdated, duration, updateEvery int64) int64 {
	if duration == 0 {
		return lastUpdated
	}
	return lastUpdated - duration + updateEvery
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// timeToSlotOf maps a wall-clock second to the ring slot holding (or
// nearest holding) that instant, clamping to the ring's actual span.
func timeToSlotOf(t, lastUpdated, updateEvery, entries, counter int64) int64 {
	currentEntry := counter % entries
	last := lastSlotOf(currentEntry, entries)
	first := firstSlotOf(counter, entries, currentEntry)
	duration := durationOf(counter, entries, updateEvery)
	firstEntryT := firstEntryTOf(lastUpdated, duration, updateEvery)

	if counter == 0 {
		return first
	}
	if t >= lastUpdated {
		return last
	}
	if t <= firstEntryT {
		return first
	}
	offset := (lastUpdated - t) / updateEvery
	return mod(last-offset, entries)
}

// slotToTimeOf is the inverse of timeToSlotOf: the wall-clock second a given
// ring slot currently represents.
func slotToTimeOf(slot, lastUpdated, updateEvery, entries, counter int64) int64 {
	currentEntry := counter % entries
	last := lastSlotOf(currentEntry, entries)
	return lastUpdated - updateEvery*mod(last-slot, entries)
}

func (g *grid) LastSlot() int64 {
	return lastSlotOf(g.currentEntry(), g.Entries)
}

func (g *grid) FirstSlot() int64 {
	return firstSlotOf(int64(g.counter), g.Entries, g.currentEntry())
}

func (g *grid) Duration() int64 {
	return durationOf(int64(g.counter), g.Entries, g.UpdateEvery)
}

func (g *grid) FirstEntryT() int64 {
	return firstEntryTOf(g.lastUpdated, g.Duration(), g.UpdateEvery)
}

func (g *grid) LastEntryT() int64 { return g.lastUpdated }

func (g *grid) TimeToSlot(t int64) int64 {
	return timeToSlotOf(t, g.lastUpdated, g.UpdateEvery, g.Entries, int64(g.counter))
}

func (g *grid) SlotToTime(slot int64) int64 {
	return slotToTimeOf(slot, g.lastUpdated, g.UpdateEvery, g.Entries, int64(g.counter))
}
