package rrd

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rrdstore/rrdcore/pkg/persist"
	"github.com/rrdstore/rrdcore/pkg/storagenumber"
	"github.com/stretchr/testify/require"
)

func frozenClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestChart(t *testing.T, entries, updateEvery int64, gap int64, creation time.Time) (*Chart, func(time.Time)) {
	t.Helper()
	defaults := DefaultDefaults()
	defaults.MemoryMode = persist.ModeRAM
	defaults.GapWhenLostIterationsAbove = gap
	reg := NewRegistry(defaults)

	host, err := reg.FindOrCreateHost("guid-"+t.Name(), "host-"+t.Name())
	require.NoError(t, err)
	host.clock = frozenClock(creation)

	chart, err := host.CreateChart(ChartConfig{
		Type: "test", ID: "chart", UpdateEvery: updateEvery, HistoryEntries: entries,
	})
	require.NoError(t, err)
	chart.clock = frozenClock(creation)

	setClock := func(tm time.Time) {
		chart.clock = frozenClock(tm)
	}
	return chart, setClock
}

func TestBootstrapProducesExactlyOneSlot(t *testing.T) {
	creation := time.Unix(1000, 0)
	chart, _ := newTestChart(t, 10, 1, 0, creation)
	dim, err := chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoAbsolute, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)

	chart.NextUSec(0)
	require.True(t, chart.Set("x", 5))
	chart.Done()

	require.EqualValues(t, 1, chart.Counter())
	v, flags := dim.Get(0)
	require.Equal(t, storagenumber.FlagNone, flags)
	require.InDelta(t, 5.0, v, 1e-4)
	require.Equal(t, int64(1000), chart.LastEntryT())
}

func TestCatchUpInterpolatesIntermediateSlots(t *testing.T) {
	creation := time.Unix(1000, 0)
	chart, _ := newTestChart(t, 10, 1, 0, creation)
	dim, err := chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoAbsolute, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)

	chart.NextUSec(0)
	chart.Set("x", 5)
	chart.Done()

	chart.NextUSec(3_000_000)
	chart.Set("x", 9)
	chart.Done()

	require.EqualValues(t, 4, chart.Counter())

	v1, _ := dim.Get(1)
	v2, _ := dim.Get(2)
	v3, _ := dim.Get(3)
	require.InDelta(t, 6.333, v1, 1e-2)
	require.InDelta(t, 7.667, v2, 1e-2)
	require.InDelta(t, 9.0, v3, 1e-4)
}

func TestRingWrapOverwritesOldestSlot(t *testing.T) {
	creation := time.Unix(1000, 0)
	chart, _ := newTestChart(t, 4, 1, 0, creation)
	dim, err := chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoAbsolute, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		if i == 0 {
			chart.NextUSec(0)
		} else {
			chart.NextUSec(1_000_000)
		}
		chart.Set("x", 10+i)
		chart.Done()
	}

	require.EqualValues(t, 5, chart.Counter())
	v0, _ := dim.Get(0)
	require.InDelta(t, 14.0, v0, 1e-4, "slot 0 should hold the 5th tick's value after wrap")
}

func TestIncrementalDetectsResetAndRebases(t *testing.T) {
	creation := time.Unix(1000, 0)
	chart, _ := newTestChart(t, 10, 1, 0, creation)
	dim, err := chart.AddDim(DimConfig{ID: "c", Algorithm: AlgoIncremental, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)

	chart.NextUSec(0)
	chart.Set("c", 100)
	chart.Done() // slot 0: first collection, no prior delta

	chart.NextUSec(1_000_000)
	chart.Set("c", 150)
	chart.Done() // slot 1: delta 50

	chart.NextUSec(1_000_000)
	chart.Set("c", 80) // counter went backwards: reset
	chart.Done()       // slot 2: reset

	chart.NextUSec(1_000_000)
	chart.Set("c", 100)
	chart.Done() // slot 3: delta 20 rebased from 80

	v1, _ := dim.Get(1)
	require.InDelta(t, 50.0, v1, 1e-4)

	v2, flags2 := dim.Get(2)
	require.True(t, math.IsNaN(v2))
	require.Equal(t, storagenumber.FlagReset, flags2)

	v3, _ := dim.Get(3)
	require.InDelta(t, 20.0, v3, 1e-4)
}

func TestGapSuppressionWritesEmptyIntermediateSlots(t *testing.T) {
	creation := time.Unix(1000, 0)
	chart, _ := newTestChart(t, 20, 1, 2, creation)
	dim, err := chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoAbsolute, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)

	chart.NextUSec(0)
	chart.Set("x", 5)
	chart.Done() // bootstrap, slot 0, current_entry -> 1

	chart.NextUSec(10_000_000) // 10s gap, way above the 2-iteration threshold
	chart.Set("x", 50)
	chart.Done()

	require.EqualValues(t, 11, chart.Counter())

	for slot := int64(1); slot < 10; slot++ {
		_, flags := dim.Get(slot)
		require.Equal(t, storagenumber.FlagEmpty, flags, "slot %d should be empty", slot)
	}
	vLast, flagsLast := dim.Get(10)
	require.Equal(t, storagenumber.FlagNone, flagsLast)
	require.InDelta(t, 50.0, vLast, 1e-4)
}

func TestPercentageAlgorithmsSumAcrossDimensions(t *testing.T) {
	creation := time.Unix(1000, 0)
	chart, _ := newTestChart(t, 10, 1, 0, creation)
	a, err := chart.AddDim(DimConfig{ID: "a", Algorithm: AlgoPcentOverRowTotal, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)
	b, err := chart.AddDim(DimConfig{ID: "b", Algorithm: AlgoPcentOverRowTotal, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)

	chart.NextUSec(0)
	chart.Set("a", 25)
	chart.Set("b", 75)
	chart.Done()

	va, _ := a.Get(0)
	vb, _ := b.Get(0)
	require.InDelta(t, 25.0, va, 1e-4)
	require.InDelta(t, 75.0, vb, 1e-4)
}

func TestSetReturnsFalseForUnknownDimension(t *testing.T) {
	chart, _ := newTestChart(t, 10, 1, 0, time.Unix(1000, 0))
	require.False(t, chart.Set("nope", 1))
}

func TestAddDimRejectsConflictingRedeclaration(t *testing.T) {
	chart, _ := newTestChart(t, 10, 1, 0, time.Unix(1000, 0))
	_, err := chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoAbsolute, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)

	_, err = chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoIncremental, Multiplier: 1, Divisor: 1})
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestAddDimRejectsZeroDivisor(t *testing.T) {
	chart, _ := newTestChart(t, 10, 1, 0, time.Unix(1000, 0))
	_, err := chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoAbsolute, Multiplier: 1, Divisor: 0})
	require.Error(t, err)
	var consErr *ConsistencyError
	require.ErrorAs(t, err, &consErr)
	_, ok := chart.FindDim("x")
	require.False(t, ok, "rejected dimension must not be linked into the chart")
}

func TestCatchUpDecodedValuesMatchInterpolation(t *testing.T) {
	creation := time.Unix(1000, 0)
	chart, _ := newTestChart(t, 10, 1, 0, creation)
	dim, err := chart.AddDim(DimConfig{ID: "x", Algorithm: AlgoAbsolute, Multiplier: 1, Divisor: 1})
	require.NoError(t, err)

	chart.NextUSec(0)
	chart.Set("x", 5)
	chart.Done()

	chart.NextUSec(3_000_000)
	chart.Set("x", 9)
	chart.Done()

	want := []float64{5.0, 6.333, 7.667, 9.0}
	got := make([]float64, len(want))
	for i := range want {
		v, _ := dim.Get(int64(i))
		got[i] = v
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-2)); diff != "" {
		t.Fatalf("decoded ring values mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateChartRejectsConflictingRedeclaration(t *testing.T) {
	defaults := DefaultDefaults()
	reg := NewRegistry(defaults)
	host, err := reg.FindOrCreateHost("g1", "h1")
	require.NoError(t, err)

	_, err = host.CreateChart(ChartConfig{Type: "test", ID: "c", UpdateEvery: 1, HistoryEntries: 10})
	require.NoError(t, err)

	_, err = host.CreateChart(ChartConfig{Type: "test", ID: "c", UpdateEvery: 5, HistoryEntries: 10})
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
