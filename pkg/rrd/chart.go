package rrd

import (
	"fmt"
	"os"
	"time"

	"github.com/rrdstore/rrdcore/pkg/persist"
	"github.com/rrdstore/rrdcore/pkg/rrdlog"
)

// ChartConfig describes a chart at creation time. Fields left at their zero
// value fall back to the owning Registry's Defaults.
type ChartConfig struct {
	Type   string // e.g. "system", "net", "disk"
	ID     string // e.g. "cpu", "eth0"
	Name   string // display name; defaults to Type.ID
	Title  string
	Units  string
	Family string

	Context   string
	ChartType ChartType
	Priority  int64

	UpdateEvery    int64
	HistoryEntries int64
	MemoryMode     persist.Mode
}

// Chart is one round-robin set: a shared time grid plus the Dimensions that
// ride on it. All structural mutation (AddDim, rename, obsolescence) and all
// ingestion (NextUSec/Set/Done) take mu; readers needing a stable snapshot
// of the dimension list should do the same.
type Chart struct {
	mu chartLock

	host *Host
	fam  *family

	typ, id, name string
	title, units  string
	familyName    string
	context       string
	chartType     ChartType
	priority      int64

	flags      ChartFlags
	memoryMode persist.Mode
	cacheDir   string

	gapWhenLostIterationsAbove int64

	g grid

	lastCollectedTime     int64 // usec, T_now
	doneLastCollectedTime int64 // usec, T_prev (as of the previous Done)
	firstDone             bool
	counterDone           uint64

	dims    []*Dimension
	dimByID map[string]*Dimension

	clock func() time.Time
}

// FullID is the chart's globally-unique-within-host identifier, "type.id".
func (c *Chart) FullID() string { return c.typ + "." + c.id }

func (c *Chart) Type() string         { return c.typ }
func (c *Chart) ID() string           { return c.id }
func (c *Chart) Name() string         { return c.name }
func (c *Chart) Title() string        { return c.title }
func (c *Chart) Units() string        { return c.units }
func (c *Chart) Family() string       { return c.familyName }
func (c *Chart) Context() string      { return c.context }
func (c *Chart) ChartType() ChartType { return c.chartType }
func (c *Chart) Priority() int64      { return c.priority }
func (c *Chart) UpdateEvery() int64   { return c.g.UpdateEvery }
func (c *Chart) Entries() int64       { return c.g.Entries }

func (c *Chart) MemoryMode() persist.Mode { return c.memoryMode }

func (c *Chart) Obsolete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags.has(ChartFlagObsolete)
}

func (c *Chart) markObsoleteLocked() { c.flags |= ChartFlagObsolete }

// MarkObsolete flags the chart obsolete: it stays queryable but is removed,
// along with its dimensions, by the owning Host's next CleanupObsolete.
func (c *Chart) MarkObsolete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markObsoleteLocked()
}

// MarkDimObsolete flags a single dimension obsolete without touching the
// rest of the chart — used when a collector stops reporting one series
// (e.g. a disk partition unmounted) but the chart itself is still live.
func (c *Chart) MarkDimObsolete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dimByID[id]
	if !ok {
		return &ConsistencyError{Reason: fmt.Sprintf("dimension %q not found on chart %s", id, c.FullID())}
	}
	d.markObsolete()
	return nil
}

// Counter is the total number of ring slots ever committed.
func (c *Chart) Counter() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.g.Counter()
}

// LastEntryT is the wall-clock second of the most recently committed slot,
// or 0 if nothing has been committed yet.
func (c *Chart) LastEntryT() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.g.LastEntryT()
}

// FirstEntryT is the wall-clock second of the oldest slot still in the ring.
func (c *Chart) FirstEntryT() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.g.FirstEntryT()
}

// LastSlot is the ring index of the most recently committed value, or
// Entries-1 if nothing has been committed yet.
func (c *Chart) LastSlot() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.g.LastSlot()
}

// ChartStats is a point-in-time snapshot of one chart's dimension count and
// commit counters, the chart-scoped analogue of Registry.Stats.
type ChartStats struct {
	Dimensions  int
	Counter     uint64
	CounterDone uint64
}

// Stats returns a snapshot of this chart's dimension count and commit
// counters.
func (c *Chart) Stats() ChartStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ChartStats{
		Dimensions:  len(c.dims),
		Counter:     c.g.counter,
		CounterDone: c.counterDone,
	}
}

// Dims returns a snapshot slice of the chart's current dimensions, in
// creation order. Obsolete dimensions remain until CleanupObsolete removes
// them.
func (c *Chart) Dims() []*Dimension {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Dimension, len(c.dims))
	copy(out, c.dims)
	return out
}

// FindDim looks up a dimension by ID.
func (c *Chart) FindDim(id string) (*Dimension, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dimByID[id]
	return d, ok
}

// DimConfig describes a dimension at creation time. Divisor has no implicit
// default — unlike Multiplier, a zero Divisor is a caller error, not a
// request for "1", since the algorithm formulas divide by it.
type DimConfig struct {
	ID         string
	Name       string
	Algorithm  Algorithm
	Multiplier int64
	Divisor    int64

	Hidden           bool
	DontDetectResets bool
}

// AddDim adds a dimension to the chart, or returns the existing one if the
// ID is already present and its configuration matches. A mismatched
// re-declaration is rejected with a ConfigError, leaving the existing
// dimension (and its ring) untouched — a collector restart with a changed
// multiplier/divisor/algorithm must rename instead of silently reinterpret
// history. A zero Divisor is rejected outright with a ConsistencyError;
// there is no implicit fallback to 1.
func (c *Chart) AddDim(cfg DimConfig) (*Dimension, error) {
	if cfg.ID == "" {
		return nil, &ConfigError{Field: "ID", Reason: "must not be empty"}
	}
	if cfg.Divisor == 0 {
		return nil, &ConsistencyError{Reason: fmt.Sprintf("dimension %q: divisor must not be zero", cfg.ID)}
	}
	mult, div := cfg.Multiplier, cfg.Divisor
	if mult == 0 {
		mult = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.dimByID[cfg.ID]; ok {
		if existing.algorithm != cfg.Algorithm || existing.multiplier != mult || existing.divisor != div {
			return existing, &ConfigError{Field: "dimension " + cfg.ID, Reason: "algorithm/multiplier/divisor mismatch with existing dimension"}
		}
		existing.flags &^= DimFlagObsolete
		return existing, nil
	}

	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}

	var df *persist.DimensionFile
	if c.memoryMode == persist.ModeMap || c.memoryMode == persist.ModeSave {
		if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
			rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Msg("falling back to ram, cache dir unavailable")
		} else {
			path := c.dimensionFilePath(cfg.ID)
			var err error
			df, _, err = persist.OpenDimensionFile(path, c.memoryMode, c.g.Entries, c.g.UpdateEvery, mult, div, int32(cfg.Algorithm), name)
			if err != nil {
				rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Str("dim", cfg.ID).Msg("falling back to ram for dimension")
			}
		}
	}
	backing := newDimensionBacking(c.memoryMode, c.g.Entries, df)

	flags := DimFlags(0)
	if cfg.Hidden {
		flags |= DimFlagHidden
	}
	if cfg.DontDetectResets {
		flags |= DimFlagDontDetectResets
	}

	d := &Dimension{
		chart:             c,
		id:                cfg.ID,
		name:              name,
		algorithm:         cfg.Algorithm,
		multiplier:        mult,
		divisor:           div,
		flags:             flags,
		overflowWidthBits: defaultOverflowWidthBits,
		values:            backing,
		file:              df,
	}
	c.dims = append(c.dims, d)
	c.dimByID[cfg.ID] = d
	return d, nil
}

// RenameDim changes a dimension's display name without touching its ring or
// ID. It is a metadata-only operation, used when a collector's underlying
// source renames without changing semantics (e.g. a renamed network
// interface keeping the same kernel counter).
func (c *Chart) RenameDim(id, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dimByID[id]
	if !ok {
		return &ConsistencyError{Reason: fmt.Sprintf("dimension %q not found on chart %s", id, c.FullID())}
	}
	d.name = newName
	return nil
}

// removeObsoleteDims drops every dimension flagged obsolete, closing its
// backing file if one was opened and, when deleteFiles is set, removing it
// from disk. Called from the owning Host's CleanupObsolete; never from the
// ingestion hot path.
func (c *Chart) removeObsoleteDims(deleteFiles bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.dims[:0]
	removed := 0
	for _, d := range c.dims {
		if d.Obsolete() {
			if d.file != nil {
				_ = d.file.Close()
			}
			if deleteFiles {
				if err := os.Remove(c.dimensionFilePath(d.id)); err != nil && !os.IsNotExist(err) {
					rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Str("dim", d.id).Msg("obsolete dimension file removal failed")
				}
			}
			delete(c.dimByID, d.id)
			removed++
			continue
		}
		kept = append(kept, d)
	}
	c.dims = kept
	return removed
}

func (c *Chart) dimensionFilePath(dimID string) string {
	return fmt.Sprintf("%s/%s_%s.db", c.cacheDir, c.FullID(), dimID)
}

func (c *Chart) chartFilePath() string {
	return fmt.Sprintf("%s/%s.db", c.cacheDir, c.FullID())
}
