// Package storagenumber implements the fixed-width packed encoding used for
// every slot of every ring buffer in the rrd core. A StorageNumber is 4
// bytes: one bit for sign, flag bits for "does this slot hold a value at
// all", NaN, counter reset, and counter overflow, and a fixed-point mantissa
// for the magnitude. The zero value is the EMPTY sentinel and cannot be
// produced by Pack for any finite input, so a caller can always tell an
// unwritten slot apart from a stored zero.
//
// The encoding is a plain binary.LittleEndian uint32 underneath, so callers
// that mmap a ring file must serialize with Put/Get rather than casting the
// slice directly — that's what keeps the on-disk layout endianness-stable
// across architectures.
package storagenumber

import (
	"encoding/binary"
	"math"
)

// StorageNumber is the packed on-disk/in-memory representation of one
// sample. The zero value is Empty.
type StorageNumber uint32

// Flags describe properties of a packed value that aren't part of its
// magnitude: whether it's present at all, and whether the collector
// detected a counter reset or overflow while producing it.
type Flags uint8

const (
	// FlagNone marks an ordinary value with no special data-plane event.
	FlagNone Flags = 0
	// FlagReset marks a value produced right after an incremental counter
	// reset (the collector's source counter went backwards).
	FlagReset Flags = 1 << 0
	// FlagOverflow marks a value produced right after an incremental
	// counter wrapped its integer width.
	FlagOverflow Flags = 1 << 1
	// FlagEmpty is returned by Unpack for the Empty sentinel; it is never
	// accepted as an input flag to Pack.
	FlagEmpty Flags = 1 << 2
)

const (
	bitExists   StorageNumber = 1 << 31
	bitSign     StorageNumber = 1 << 30
	bitReset    StorageNumber = 1 << 29
	bitOverflow StorageNumber = 1 << 28
	bitNaN      StorageNumber = 1 << 27
	mantissaBits              = 24
	mantissaMask StorageNumber = (1 << mantissaBits) - 1
)

// scale is the fixed-point precision: values are stored as integer
// ten-thousandths, giving four decimal digits of precision for the
// magnitudes real-world metrics (bytes/sec, percentages, milliseconds) need.
const scale = 10000.0

// maxMagnitude is the largest real value Pack can represent without
// saturating, given mantissaBits worth of range at the chosen scale.
const maxMagnitude = float64(mantissaMask) / scale

// Empty is the sentinel for "this slot was never written". It is distinct
// from any value Pack can produce because Pack always sets bitExists.
const Empty StorageNumber = 0

// Pack encodes v with the given flags into a StorageNumber. It returns
// saturated=true if |v| exceeded the representable range and was clamped to
// the nearest representable magnitude — callers use this to decide whether
// to log a precision-loss warning; the stored value is still the closest
// representable approximation, never garbage.
func Pack(v float64, flags Flags) (sn StorageNumber, saturated bool) {
	if math.IsNaN(v) {
		sn = bitExists | bitNaN
		sn |= flagBits(flags)
		return sn, false
	}

	sn = bitExists | flagBits(flags)

	neg := v < 0
	mag := math.Abs(v)

	if mag > maxMagnitude {
		mag = maxMagnitude
		saturated = true
	}

	mantissa := StorageNumber(math.Round(mag * scale))
	if mantissa > mantissaMask {
		mantissa = mantissaMask
		saturated = true
	}

	if neg {
		sn |= bitSign
	}
	sn |= mantissa
	return sn, saturated
}

// Unpack decodes sn back into a real value and its flags. The Empty
// sentinel decodes to (NaN, FlagEmpty). A NaN-flagged value decodes to
// (NaN, flags-without-FlagEmpty), preserving any reset/overflow flags that
// rode along with the NaN tick (e.g. the tick a counter reset was
// detected on).
func Unpack(sn StorageNumber) (v float64, flags Flags) {
	if sn&bitExists == 0 {
		return math.NaN(), FlagEmpty
	}

	flags = unflagBits(sn)

	if sn&bitNaN != 0 {
		return math.NaN(), flags
	}

	mag := float64(sn&mantissaMask) / scale
	if sn&bitSign != 0 {
		mag = -mag
	}
	return mag, flags
}

func flagBits(f Flags) StorageNumber {
	var sn StorageNumber
	if f&FlagReset != 0 {
		sn |= bitReset
	}
	if f&FlagOverflow != 0 {
		sn |= bitOverflow
	}
	return sn
}

func unflagBits(sn StorageNumber) Flags {
	var f Flags
	if sn&bitReset != 0 {
		f |= FlagReset
	}
	if sn&bitOverflow != 0 {
		f |= FlagOverflow
	}
	return f
}

// Put writes sn into b[0:4] in little-endian byte order. b must have at
// least 4 bytes. This is the only supported way to place a StorageNumber
// into a memory-mapped ring so the file's bytes are endianness-stable
// regardless of host architecture.
func Put(b []byte, sn StorageNumber) {
	binary.LittleEndian.PutUint32(b, uint32(sn))
}

// Get reads a StorageNumber from b[0:4] in little-endian byte order.
func Get(b []byte) StorageNumber {
	return StorageNumber(binary.LittleEndian.Uint32(b))
}

// Size is the on-disk/in-memory width of one StorageNumber, in bytes.
const Size = 4
