package rrd

// Algorithm selects how a dimension's raw collected values become the
// calculated values written into its ring, mirroring RRD_ALGORITHM.
type Algorithm int

const (
	// AlgoAbsolute stores collected*multiplier/divisor as-is: gauges.
	AlgoAbsolute Algorithm = iota
	// AlgoIncremental stores the per-tick delta of a monotonically
	// increasing counter, detecting resets and integer overflow.
	AlgoIncremental
	// AlgoPcentOverDiffTotal expresses each updated dimension's delta as a
	// percentage of the sum of all updated dimensions' deltas in the chart.
	AlgoPcentOverDiffTotal
	// AlgoPcentOverRowTotal expresses each updated dimension's raw collected
	// value as a percentage of the sum of all updated dimensions' collected
	// values in the chart.
	AlgoPcentOverRowTotal
)

func (a Algorithm) String() string {
	switch a {
	case AlgoAbsolute:
		return "absolute"
	case AlgoIncremental:
		return "incremental"
	case AlgoPcentOverDiffTotal:
		return "percentage-of-incremental-row"
	case AlgoPcentOverRowTotal:
		return "percentage-of-absolute-row"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses the configuration-file spelling of an algorithm.
func ParseAlgorithm(s string) (Algorithm, bool) {
	switch s {
	case "absolute":
		return AlgoAbsolute, true
	case "incremental":
		return AlgoIncremental, true
	case "percentage-of-incremental-row":
		return AlgoPcentOverDiffTotal, true
	case "percentage-of-absolute-row":
		return AlgoPcentOverRowTotal, true
	default:
		return 0, false
	}
}

// ChartType controls only how a consumer renders a chart's dimensions; it
// has no bearing on storage or ingestion.
type ChartType int

const (
	ChartLine ChartType = iota
	ChartArea
	ChartStacked
)

func (c ChartType) String() string {
	switch c {
	case ChartLine:
		return "line"
	case ChartArea:
		return "area"
	case ChartStacked:
		return "stacked"
	default:
		return "unknown"
	}
}

// ParseChartType parses the configuration-file spelling of a chart type.
func ParseChartType(s string) (ChartType, bool) {
	switch s {
	case "line":
		return ChartLine, true
	case "area":
		return ChartArea, true
	case "stacked":
		return ChartStacked, true
	default:
		return 0, false
	}
}

// DimFlags are per-dimension bits, mirroring RRDDIM_FLAGS.
type DimFlags uint32

const (
	// DimFlagHidden excludes a dimension from default rendering without
	// removing it from the ring.
	DimFlagHidden DimFlags = 1 << iota
	// DimFlagDontDetectResets disables reset/overflow detection for an
	// incremental dimension whose source counter is known to behave
	// oddly (e.g. it legitimately decreases).
	DimFlagDontDetectResets
	// DimFlagObsolete marks a dimension the collector stopped reporting;
	// it is retained (and still readable) until cleanup removes it.
	DimFlagObsolete
)

func (f DimFlags) has(bit DimFlags) bool { return f&bit != 0 }

// ChartFlags are per-chart bits, mirroring RRDSET_FLAGS.
type ChartFlags uint32

const (
	ChartFlagEnabled ChartFlags = 1 << iota
	ChartFlagDetail
	ChartFlagDebug
	// ChartFlagObsolete marks a chart the collector stopped reporting; it
	// stays queryable until cleanup removes it.
	ChartFlagObsolete
)

func (f ChartFlags) has(bit ChartFlags) bool { return f&bit != 0 }

// HostFlags are per-host bits, mirroring RRDHOST_FLAGS.
type HostFlags uint32

const (
	// HostFlagOrphan marks a host with no collector reachable right now.
	// Its charts stay queryable; CleanupOrphan removes the whole host
	// once it has been orphaned for longer than FreeOrphanTimeSeconds.
	HostFlagOrphan HostFlags = 1 << iota
	// HostFlagDeleteObsoleteFiles marks a host whose CleanupObsolete should
	// remove obsolete charts' and dimensions' backing files from disk, not
	// just close them.
	HostFlagDeleteObsoleteFiles
)

func (f HostFlags) has(bit HostFlags) bool { return f&bit != 0 }

const defaultOverflowWidthBits = 32
