package rrd

import (
	"math"

	"github.com/rrdstore/rrdcore/pkg/rrdlog"
	"github.com/rrdstore/rrdcore/pkg/storagenumber"
)

// NextUSec advances the chart's collection clock by dtUsec microseconds,
// clamped to [UpdateEvery/10, UpdateEvery*10] so one wildly early or late
// collector tick can't blow up the interpolation window. Pass 0 to have the
// chart measure the elapsed time itself from its own clock. A call made
// before the chart's first Done is not clamped: there is no earlier sample
// for its delta to be measured against.
func (c *Chart) NextUSec(dtUsec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextUSecLocked(dtUsec, true)
}

// NextUSecUnfiltered is NextUSec without the sanity clamp, for collectors
// that already guarantee accurate timing and want genuine gaps (e.g. a
// suspended VM resuming) to show up as gaps rather than be clamped away.
func (c *Chart) NextUSecUnfiltered(dtUsec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextUSecLocked(dtUsec, false)
}

func (c *Chart) nextUSecLocked(dtUsec int64, filtered bool) {
	var delta int64
	if dtUsec == 0 {
		delta = c.clock().UnixMicro() - c.lastCollectedTime
	} else {
		delta = dtUsec
	}
	if filtered && c.firstDone {
		lo := c.g.UpdateEvery * 100000       // UpdateEvery/10 seconds, in usec
		hi := c.g.UpdateEvery * 10 * 1000000 // UpdateEvery*10 seconds, in usec
		if delta < lo {
			delta = lo
		}
		if delta > hi {
			delta = hi
		}
	}
	c.lastCollectedTime += delta
}

// Set records a collected value for dimension id, to be committed into the
// ring by the next Done() call. It returns false if no such dimension
// exists on this chart.
func (c *Chart) Set(id string, v int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dimByID[id]
	if !ok {
		return false
	}
	c.setLocked(d, v)
	return true
}

// SetByPointer is Set for a *Dimension already in hand, avoiding the map
// lookup on a hot collection path that already resolved it once.
func (c *Chart) SetByPointer(d *Dimension, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(d, v)
}

func (c *Chart) setLocked(d *Dimension, v int64) {
	d.collectedValue = v
	d.updated = true
	d.collectionsCounter++
}

func floorDivInt64(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

type dimCalc struct {
	dim   *Dimension
	calc  float64
	flags storagenumber.Flags
}

// Done commits the current tick: for every updated dimension it computes a
// calculated value per its algorithm, interpolates across however many grid
// slots have elapsed since the last commit (bootstrapping on the very first
// call, catching up and gap-suppressing on a late one), writes those slots,
// and rolls per-dimension state forward for the next tick.
func (c *Chart) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.lastCollectedTime
	prev := c.doneLastCollectedTime
	U := c.g.UpdateEvery

	if !c.firstDone {
		// Align the grid so exactly one slot is produced on this, the very
		// first commit: last_updated = floor(now/U)*U - U guarantees
		// now - last_updated always lands in [U, 2U).
		c.g.lastUpdated = floorDivInt64(now, U*1_000_000)*U - U
		c.firstDone = true
	}
	Tlast := c.g.lastUpdated
	TlastUsec := Tlast * 1_000_000

	k := (now - TlastUsec) / (U * 1_000_000)
	if k < 0 {
		k = 0
	}
	if k > c.g.Entries {
		k = c.g.Entries
	}

	results := c.calcUpdatedLocked()

	gapExceeded := false
	if c.gapWhenLostIterationsAbove > 0 && prev > 0 {
		iterationsLost := (now - prev) / (U * 1_000_000)
		gapExceeded = iterationsLost > c.gapWhenLostIterationsAbove
	}

	denom := now - prev
	for j := int64(1); j <= k; j++ {
		Tj := TlastUsec + j*U*1_000_000
		last := j == k
		slot := c.g.currentEntry()

		for _, r := range results {
			if gapExceeded && !last {
				r.dim.writeEmpty(slot)
				continue
			}
			var stored float64
			if last {
				stored = r.calc
			} else if denom <= 0 {
				stored = r.calc
			} else {
				f := float64(Tj-prev) / float64(denom)
				stored = r.dim.lastCalculatedValue + (r.calc-r.dim.lastCalculatedValue)*f
			}
			if saturated := r.dim.write(slot, stored, r.flags); saturated {
				rrdlog.Logger.Warn().Str("chart", c.FullID()).Str("dim", r.dim.id).Float64("value", stored).Msg("storage number saturated")
			}
			r.dim.lastStoredValue = stored
			r.dim.storedVolume += stored
			if c.host != nil && c.host.registry != nil {
				c.host.registry.samplesStored.Add(1)
			}
		}
		c.g.advance()
	}
	if k > 0 {
		c.g.lastUpdated = Tlast + k*U
	}

	for _, r := range results {
		r.dim.lastCollectedValue = r.dim.collectedValue
		if k > 0 {
			r.dim.lastCalculatedValue = r.calc
		}
		r.dim.collectedVolume += float64(r.dim.collectedValue)
		r.dim.collectedValue = 0
		r.dim.updated = false
	}

	c.doneLastCollectedTime = now
	c.counterDone++
}

// calcUpdatedLocked computes each updated dimension's calculated value for
// this tick, per its algorithm. Callers must hold c.mu.
func (c *Chart) calcUpdatedLocked() []dimCalc {
	var sumDelta, sumCollected float64
	for _, d := range c.dims {
		if !d.updated {
			continue
		}
		sumCollected += float64(d.collectedValue)
		if d.collectionsCounter >= 2 {
			sumDelta += float64(d.collectedValue - d.lastCollectedValue)
		}
	}

	var results []dimCalc
	for _, d := range c.dims {
		if !d.updated {
			continue
		}
		var calc float64
		var flags storagenumber.Flags
		switch d.algorithm {
		case AlgoAbsolute:
			calc = float64(d.collectedValue*d.multiplier) / float64(d.divisor)
		case AlgoIncremental:
			calc, flags = d.incrementalCalc()
		case AlgoPcentOverDiffTotal:
			if d.collectionsCounter < 2 || sumDelta == 0 {
				calc = math.NaN()
			} else {
				calc = 100 * float64(d.collectedValue-d.lastCollectedValue) / sumDelta
			}
		case AlgoPcentOverRowTotal:
			if sumCollected == 0 {
				calc = math.NaN()
			} else {
				calc = 100 * float64(d.collectedValue) / sumCollected
			}
		}
		results = append(results, dimCalc{dim: d, calc: calc, flags: flags})
	}
	return results
}

// incrementalCalc turns a monotonically-increasing raw counter into a
// per-tick delta, detecting a counter reset (the source went backwards) and
// counter overflow (the source wrapped its integer width). A dimension
// flagged DimFlagDontDetectResets skips both checks — used for counters
// that are known to legitimately decrease.
func (d *Dimension) incrementalCalc() (calc float64, flags storagenumber.Flags) {
	if d.collectionsCounter < 2 {
		// No prior sample to diff against yet.
		return math.NaN(), storagenumber.FlagNone
	}

	delta := d.collectedValue - d.lastCollectedValue
	detect := !d.flags.has(DimFlagDontDetectResets)

	if delta < 0 && detect {
		width := int64(1) << d.overflowWidthBits
		half := width / 2
		if d.lastCollectedValue > half && d.collectedValue < half {
			// The source wrapped its width: count the distance across the wrap.
			delta += width
			flags = storagenumber.FlagOverflow
		} else {
			d.lastCalculatedValue = 0
			return math.NaN(), storagenumber.FlagReset
		}
	}

	calc = float64(delta*d.multiplier) / float64(d.divisor)
	return calc, flags
}
