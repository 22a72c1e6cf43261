package storagenumber

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyIsDistinctFromAnyPackedValue(t *testing.T) {
	for _, v := range []float64{0, -0.0, 1, -1, 1234.5678, -9999.9999, maxMagnitude} {
		sn, _ := Pack(v, FlagNone)
		require.NotEqual(t, Empty, sn, "Pack(%v) collided with the Empty sentinel", v)
	}

	v, flags := Unpack(Empty)
	assert.True(t, math.IsNaN(v))
	assert.Equal(t, FlagEmpty, flags)
}

func TestRoundTripExact(t *testing.T) {
	cases := []float64{0, 1, -1, 100, -100, 0.5, -0.5, 1234.5678, -1234.5678, maxMagnitude, -maxMagnitude}
	for _, v := range cases {
		sn, saturated := Pack(v, FlagNone)
		require.False(t, saturated)
		got, flags := Unpack(sn)
		assert.InDelta(t, v, got, 1e-4)
		assert.Equal(t, FlagNone, flags)
	}
}

func TestNaNRoundTrip(t *testing.T) {
	sn, saturated := Pack(math.NaN(), FlagReset)
	assert.False(t, saturated)
	got, flags := Unpack(sn)
	assert.True(t, math.IsNaN(got))
	assert.Equal(t, FlagReset, flags)
}

func TestSaturationOnOverflow(t *testing.T) {
	sn, saturated := Pack(maxMagnitude*10, FlagNone)
	assert.True(t, saturated)
	got, _ := Unpack(sn)
	assert.InDelta(t, maxMagnitude, got, 1e-4)
}

func TestFlagsRoundTrip(t *testing.T) {
	for _, f := range []Flags{FlagNone, FlagReset, FlagOverflow, FlagReset | FlagOverflow} {
		sn, _ := Pack(42, f)
		_, got := Unpack(sn)
		assert.Equal(t, f, got)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	sn, _ := Pack(-123.456, FlagOverflow)
	buf := make([]byte, Size)
	Put(buf, sn)
	got := Get(buf)
	assert.Equal(t, sn, got)
}

func TestSignOfZero(t *testing.T) {
	sn, _ := Pack(0, FlagNone)
	v, flags := Unpack(sn)
	assert.Equal(t, float64(0), v)
	assert.Equal(t, FlagNone, flags)
	assert.NotEqual(t, Empty, sn)
}
