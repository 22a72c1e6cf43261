package rrd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rrdstore/rrdcore/pkg/persist"
	"github.com/rrdstore/rrdcore/pkg/rrdlog"
)

// HostAttrs carries the optional descriptive attributes recorded when a
// Host is created; a zero-value HostAttrs leaves every field unset.
type HostAttrs struct {
	// OSLabel is the reporting machine's operating system, e.g. "linux".
	OSLabel string
	// HealthEnabled mirrors whether the originating collector runs its own
	// health/alarm evaluation; the core only records the bit.
	HealthEnabled bool
	// StreamDest is the opaque destination this host forwards metrics to
	// (e.g. "host:port"), empty when the host doesn't stream onward.
	StreamDest string
}

// Host is one monitored machine: a machine GUID, a hostname, and the Charts
// it reports. mu guards the chart list and host-level flags; each Chart's
// own lock guards that chart's dimensions and ingestion state. An operation
// that holds both acquires the chart lock after this one, never before.
type Host struct {
	mu hostLock

	guid     string
	hostname string
	osLabel  string

	healthEnabled bool
	streamDest    string

	defaults Defaults
	registry *Registry

	flags    HostFlags
	orphanAt time.Time

	charts      []*Chart
	chartByID   map[string]*Chart
	chartByName map[string]*Chart

	families *familyRegistry

	clock func() time.Time

	// connected mirrors the inverse of HostFlagOrphan as a lock-free atomic,
	// so a supervisor goroutine polling many hosts' reachability (e.g. for a
	// "connected senders" gauge) never has to take mu.
	connected atomic.Bool

	// streamBufMu guards recvBuf, the receive-side buffer for streamed
	// metrics: the collector side appends to it and the sender drains it,
	// independent of the structural host lock so streaming never contends
	// with chart creation/lookup.
	streamBufMu sync.Mutex
	recvBuf     strings.Builder
}

func newHost(guid, hostname string, attrs HostAttrs, defaults Defaults, registry *Registry, clock func() time.Time) *Host {
	if clock == nil {
		clock = time.Now
	}
	h := &Host{
		guid:          guid,
		hostname:      hostname,
		osLabel:       attrs.OSLabel,
		healthEnabled: attrs.HealthEnabled,
		streamDest:    attrs.StreamDest,
		defaults:      defaults,
		registry:      registry,
		chartByID:     make(map[string]*Chart),
		chartByName:   make(map[string]*Chart),
		families:      newFamilyRegistry(),
		clock:         clock,
	}
	h.connected.Store(true)
	return h
}

func (h *Host) GUID() string     { return h.guid }
func (h *Host) Hostname() string { return h.hostname }
func (h *Host) OSLabel() string  { return h.osLabel }

// HealthEnabled reports whether this host's collector runs its own
// health/alarm evaluation; the core only records the bit, it never
// evaluates alarms itself.
func (h *Host) HealthEnabled() bool { return h.healthEnabled }

// StreamDest is the opaque "host:port"-style destination this host forwards
// its metrics to, or "" if it doesn't stream onward.
func (h *Host) StreamDest() string { return h.streamDest }

// AppendToStreamBuffer appends raw streamed-metric text to the host's
// receive-side buffer. Filled by the collector, drained by the sender.
func (h *Host) AppendToStreamBuffer(s string) {
	h.streamBufMu.Lock()
	defer h.streamBufMu.Unlock()
	h.recvBuf.WriteString(s)
}

// DrainStreamBuffer removes and returns everything buffered so far.
func (h *Host) DrainStreamBuffer() string {
	h.streamBufMu.Lock()
	defer h.streamBufMu.Unlock()
	s := h.recvBuf.String()
	h.recvBuf.Reset()
	return s
}

// SetDeleteObsoleteFiles controls whether CleanupObsolete removes obsolete
// charts' and dimensions' backing files from disk, mirroring
// RRDHOST_DELETE_OBSOLETE_FILES. Off by default: obsolete files are merely
// closed, not deleted.
func (h *Host) SetDeleteObsoleteFiles(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if enabled {
		h.flags |= HostFlagDeleteObsoleteFiles
	} else {
		h.flags &^= HostFlagDeleteObsoleteFiles
	}
}

func (h *Host) Orphan() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.flags.has(HostFlagOrphan)
}

// Connected reports whether the host currently has a reachable collector,
// mirroring the inverse of Orphan as a lock-free read for a supervisor
// polling many hosts' reachability (e.g. a "connected senders" gauge).
func (h *Host) Connected() bool { return h.connected.Load() }

// MarkOrphan flags the host as having no reachable collector right now. Its
// charts remain queryable; CleanupOrphan on the owning Registry removes the
// whole host once it has stayed orphaned past FreeOrphanTimeSeconds.
func (h *Host) MarkOrphan() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flags |= HostFlagOrphan
	h.orphanAt = h.clock()
	h.connected.Store(false)
}

// MarkReachable clears the orphan flag — a collector reconnected.
func (h *Host) MarkReachable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flags &^= HostFlagOrphan
	h.connected.Store(true)
}

// Charts returns a snapshot slice of the host's current charts.
func (h *Host) Charts() []*Chart {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Chart, len(h.charts))
	copy(out, h.charts)
	return out
}

// FindChart looks up a chart by its "type.id" full ID.
func (h *Host) FindChart(fullID string) (*Chart, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.chartByID[fullID]
	return c, ok
}

// FindChartByType looks up a chart by its separate type and id components,
// equivalent to FindChart(type + "." + id).
func (h *Host) FindChartByType(typ, id string) (*Chart, bool) {
	return h.FindChart(typ + "." + id)
}

// FindChartByName looks up a chart by its human-facing display name, as
// sanitized and (if needed) disambiguated by CreateChart.
func (h *Host) FindChartByName(name string) (*Chart, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.chartByName[name]
	return c, ok
}

const chartNameValidChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._-"

func isValidChartNameByte(b byte) bool {
	return strings.IndexByte(chartNameValidChars, b) >= 0
}

// sanitizeChartName strips characters outside [A-Za-z0-9._-], collapsing
// any run of stripped characters into a single '_', matching the display
// name netdata derives for a chart whose raw name isn't already clean.
func sanitizeChartName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	stripping := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isValidChartNameByte(c) {
			b.WriteByte(c)
			stripping = false
			continue
		}
		if !stripping {
			b.WriteByte('_')
			stripping = true
		}
	}
	return b.String()
}

// chartNameByHostLocked returns a name unique within h.chartByName, derived
// from sanitized, appending "_2", "_3", ... on collision. Callers must hold
// h.mu for writing.
func (h *Host) chartNameByHostLocked(sanitized string) string {
	if _, taken := h.chartByName[sanitized]; !taken {
		return sanitized
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", sanitized, n)
		if _, taken := h.chartByName[candidate]; !taken {
			return candidate
		}
	}
}

// CreateChart creates a chart, or returns the existing one if fullID is
// already present and its cadence/history/memory-mode configuration
// matches. A mismatched re-declaration is rejected with a ConfigError and
// the existing chart is returned unchanged — a collector can't silently
// reinterpret an existing ring under a new cadence.
func (h *Host) CreateChart(cfg ChartConfig) (*Chart, error) {
	if cfg.Type == "" || cfg.ID == "" {
		return nil, &ConfigError{Field: "Type/ID", Reason: "must not be empty"}
	}
	fullID := cfg.Type + "." + cfg.ID

	updateEvery := cfg.UpdateEvery
	if updateEvery == 0 {
		updateEvery = h.defaults.UpdateEvery
	}
	updateEvery = clampUpdateEvery(updateEvery)

	entries := cfg.HistoryEntries
	if entries == 0 {
		entries = h.defaults.HistoryEntries
	}
	entries = clampHistoryEntries(entries)

	memoryMode := cfg.MemoryMode
	if memoryMode == persist.ModeNone && h.defaults.MemoryMode != persist.ModeNone {
		memoryMode = h.defaults.MemoryMode
	}
	entries = persist.AlignEntriesToPagesize(memoryMode, entries)

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.chartByID[fullID]; ok {
		if existing.g.UpdateEvery != updateEvery || existing.g.Entries != entries || existing.memoryMode != memoryMode {
			return existing, &ConfigError{Field: "chart " + fullID, Reason: "update_every/history/memory_mode mismatch with existing chart"}
		}
		existing.mu.Lock()
		existing.flags &^= ChartFlagObsolete
		existing.mu.Unlock()
		return existing, nil
	}

	name := cfg.Name
	if name == "" {
		name = fullID
	}
	name = h.chartNameByHostLocked(sanitizeChartName(name))

	c := &Chart{
		host:                       h,
		typ:                        cfg.Type,
		id:                         cfg.ID,
		name:                       name,
		title:                      cfg.Title,
		units:                      cfg.Units,
		familyName:                 cfg.Family,
		context:                    cfg.Context,
		chartType:                  cfg.ChartType,
		priority:                   cfg.Priority,
		flags:                      ChartFlagEnabled,
		memoryMode:                 memoryMode,
		cacheDir:                   filepath.Join(h.defaults.CacheDir, h.guid),
		gapWhenLostIterationsAbove: h.defaults.GapWhenLostIterationsAbove,
		g:                          grid{Entries: entries, UpdateEvery: updateEvery},
		dimByID:                    make(map[string]*Dimension),
		clock:                      h.clock,
		lastCollectedTime:          h.clock().UnixMicro(),
	}
	if cfg.Family != "" {
		c.fam = h.families.acquire(cfg.Family)
	}

	h.charts = append(h.charts, c)
	h.chartByID[fullID] = c
	h.chartByName[name] = c
	if h.registry != nil {
		h.registry.chartsCreated.Add(1)
	}
	return c, nil
}

// RenameChart changes a chart's display name and context without touching
// its ring or full ID, updating the host's by-name index to match.
func (h *Host) RenameChart(fullID, newName, newContext string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.chartByID[fullID]
	if !ok {
		return &ConsistencyError{Reason: "chart " + fullID + " not found"}
	}

	oldName := c.Name()
	if h.chartByName[oldName] == c {
		delete(h.chartByName, oldName)
	}
	newName = h.chartNameByHostLocked(sanitizeChartName(newName))

	c.mu.Lock()
	c.name = newName
	if newContext != "" {
		c.context = newContext
	}
	c.mu.Unlock()

	h.chartByName[newName] = c
	return nil
}

// CleanupObsolete removes every chart (and its dimensions) flagged obsolete,
// releasing their family references, and prunes obsolete dimensions from the
// charts that remain. When the host carries HostFlagDeleteObsoleteFiles, the
// removed charts' and dimensions' backing files are also deleted from disk;
// otherwise they are only closed (unmapped/unlocked), left for an operator
// to clean up. It's a structural host-tier operation; callers run it
// periodically, not from the ingestion hot path.
func (h *Host) CleanupObsolete() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	deleteFiles := h.flags.has(HostFlagDeleteObsoleteFiles)

	kept := h.charts[:0]
	removed := 0
	for _, c := range h.charts {
		c.mu.RLock()
		obsolete := c.flags.has(ChartFlagObsolete)
		dimIDs := make([]string, len(c.dims))
		for i, d := range c.dims {
			dimIDs[i] = d.id
		}
		c.mu.RUnlock()

		if obsolete {
			if c.fam != nil {
				h.families.release(c.fam)
			}
			if err := c.Close(); err != nil {
				rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Msg("obsolete chart close failed")
			}
			if deleteFiles {
				for _, id := range dimIDs {
					if err := os.Remove(c.dimensionFilePath(id)); err != nil && !os.IsNotExist(err) {
						rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Str("dim", id).Msg("obsolete dimension file removal failed")
					}
				}
				if err := os.Remove(c.chartFilePath()); err != nil && !os.IsNotExist(err) {
					rrdlog.Logger.Warn().Err(err).Str("chart", c.FullID()).Msg("obsolete chart file removal failed")
				}
			}
			delete(h.chartByID, c.FullID())
			if h.chartByName[c.Name()] == c {
				delete(h.chartByName, c.Name())
			}
			removed++
			continue
		}
		removed += c.removeObsoleteDims(deleteFiles)
		kept = append(kept, c)
	}
	h.charts = kept
	return removed
}

// HostStats is a point-in-time snapshot of one host's chart/dimension
// counts, the host-scoped analogue of Registry.Stats.
type HostStats struct {
	Charts     int
	Dimensions int
}

// Stats walks a snapshot of this host's chart list (taken under its lock)
// and returns aggregate counts. Not meant to be called from a hot path.
func (h *Host) Stats() HostStats {
	var s HostStats
	for _, c := range h.Charts() {
		s.Charts++
		s.Dimensions += len(c.Dims())
	}
	return s
}
