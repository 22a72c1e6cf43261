package rrd

import (
	"github.com/rrdstore/rrdcore/pkg/persist"
	"github.com/rrdstore/rrdcore/pkg/rrdlog"
)

// Persist flushes every Map-mode dimension to its mmap (msync) and snapshots
// every Save-mode dimension to disk, plus the chart's own metadata file. It
// is safe to call periodically (a background checkpoint loop) or once at
// shutdown; ModeNone/ModeRAM dimensions are untouched since they have
// nothing backing them.
func (c *Chart) Persist() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.memoryMode == persist.ModeMap || c.memoryMode == persist.ModeSave {
		h := persist.ChartHeader{
			Entries:           c.g.Entries,
			UpdateEvery:       c.g.UpdateEvery,
			Priority:          c.priority,
			ChartType:         int32(c.chartType),
			LastUpdated:       c.g.lastUpdated,
			LastCollectedTime: c.lastCollectedTime,
			Name:              c.name,
		}
		if err := persist.SaveChartHeader(c.chartFilePath(), h); err != nil {
			rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Msg("chart metadata save failed")
		}
	}

	for _, d := range c.dims {
		if d.file == nil {
			continue
		}
		d.file.UpdateHeader(c.g.lastUpdated, c.lastCollectedTime)
		var err error
		switch c.memoryMode {
		case persist.ModeMap:
			err = d.file.Sync()
		case persist.ModeSave:
			err = d.file.Save()
		}
		if err != nil {
			rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Str("dim", d.id).Msg("dimension persist failed")
		}
	}
	return nil
}

// Close releases every dimension's backing file (mmap unmap, advisory
// unlock). Callers in ModeSave must Persist first to flush pending writes.
func (c *Chart) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, d := range c.dims {
		if d.file == nil {
			continue
		}
		if err := d.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Persist checkpoints every chart on the host. Errors from individual
// charts are logged, not returned — one bad dimension file shouldn't stop
// the rest of the host from checkpointing.
func (h *Host) Persist() {
	for _, c := range h.Charts() {
		if err := c.Persist(); err != nil {
			rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Msg("chart persist failed")
		}
	}
}

// Close releases every chart's backing files.
func (h *Host) Close() {
	for _, c := range h.Charts() {
		if err := c.Close(); err != nil {
			rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Msg("chart close failed")
		}
	}
}

// Persist checkpoints every host in the registry. Intended to be called
// from a ticker loop (map mode benefits from periodic msync; save mode
// needs it to ever hit disk at all; none/ram have nothing to checkpoint) and
// once more at shutdown.
func (r *Registry) Persist() {
	for _, h := range r.Hosts() {
		h.Persist()
	}
}

// Close releases every host's backing files.
func (r *Registry) Close() {
	for _, h := range r.Hosts() {
		h.Close()
	}
}
