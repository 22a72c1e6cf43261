package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlignEntriesToPagesizeRoundsUp(t *testing.T) {
	aligned := AlignEntriesToPagesize(ModeMap, 10)
	require.GreaterOrEqual(t, aligned, int64(10))

	total := int64(DimHeaderSize+crcTrailerLen) + aligned*4
	require.Zero(t, total%int64(pageSize))
}

func TestAlignEntriesToPagesizeNoopForRAM(t *testing.T) {
	require.Equal(t, int64(10), AlignEntriesToPagesize(ModeRAM, 10))
	require.Equal(t, int64(10), AlignEntriesToPagesize(ModeNone, 10))
}

func TestMapModeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dim.db")

	df, loaded, err := OpenDimensionFile(path, ModeMap, 100, 1, 1, 1, 0, "tx")
	require.NoError(t, err)
	require.False(t, loaded)

	ring := df.Ring()
	ring[0] = 0xAB
	df.UpdateHeader(1000, 1000)
	require.NoError(t, df.Sync())
	require.NoError(t, df.Close())

	df2, loaded2, err := OpenDimensionFile(path, ModeMap, 100, 1, 1, 1, 0, "tx")
	require.NoError(t, err)
	require.True(t, loaded2)
	require.Equal(t, byte(0xAB), df2.Ring()[0])
	require.Equal(t, int64(1000), df2.header.LastUpdated)
	require.NoError(t, df2.Close())
}

func TestMagicFlipForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dim.db")

	df, _, err := OpenDimensionFile(path, ModeMap, 50, 1, 1, 1, 0, "rx")
	require.NoError(t, err)
	require.NoError(t, df.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	df2, loaded, err := OpenDimensionFile(path, ModeMap, 50, 1, 1, 1, 0, "rx")
	require.NoError(t, err)
	require.False(t, loaded, "flipped magic should force a fresh ring")
	require.NoError(t, df2.Close())
}

func TestSizeMismatchForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dim.db")

	df, _, err := OpenDimensionFile(path, ModeMap, 50, 1, 1, 1, 0, "rx")
	require.NoError(t, err)
	require.NoError(t, df.Close())

	df2, loaded, err := OpenDimensionFile(path, ModeMap, 75, 1, 1, 1, 0, "rx")
	require.NoError(t, err)
	require.False(t, loaded, "entries mismatch should force a fresh ring")
	require.NoError(t, df2.Close())
}

func TestSaveModeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dim.db")

	df, loaded, err := OpenDimensionFile(path, ModeSave, 20, 1, 1, 1, 0, "drops")
	require.NoError(t, err)
	require.False(t, loaded)

	ring := df.Ring()
	ring[3] = 0x42
	df.UpdateHeader(500, 500)
	require.NoError(t, df.Save())
	require.NoError(t, df.Close())

	df2, loaded2, err := OpenDimensionFile(path, ModeSave, 20, 1, 1, 1, 0, "drops")
	require.NoError(t, err)
	require.True(t, loaded2)
	require.Equal(t, byte(0x42), df2.Ring()[3])
	require.NoError(t, df2.Close())
}

func TestChartHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chart.db")

	h := ChartHeader{Entries: 60, UpdateEvery: 1, Priority: 100, ChartType: 1, Name: "net.eth0"}
	require.NoError(t, SaveChartHeader(path, h))

	got, err := LoadChartHeader(path)
	require.NoError(t, err)
	require.Equal(t, h.Entries, got.Entries)
	require.Equal(t, h.Name, got.Name)
}
