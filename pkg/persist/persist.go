// Package persist implements the on-disk layout and backing-file lifecycle
// for rrd rings: the four memory modes (none/ram/map/save), the magic/header
// layout shared by dimension and chart files, and the mmap/flock/atomic-write
// machinery that binds an in-memory ring to a file.
package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	natomic "github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/rrdstore/rrdcore/pkg/rrdlog"
	"github.com/rrdstore/rrdcore/pkg/storagenumber"
)

// Mode is a dimension's backing policy, mirroring RRD_MEMORY_MODE.
type Mode int

const (
	ModeNone Mode = iota
	ModeRAM
	ModeMap
	ModeSave
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRAM:
		return "ram"
	case ModeMap:
		return "map"
	case ModeSave:
		return "save"
	default:
		return "unknown"
	}
}

// ParseMode parses the configuration-file spelling of a memory mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "none":
		return ModeNone, true
	case "ram":
		return ModeRAM, true
	case "map":
		return ModeMap, true
	case "save":
		return ModeSave, true
	default:
		return 0, false
	}
}

// Magic strings identify the two file kinds. These are part of the wire
// contract — a reader for "NETDATA RRD DIMENSION FILE V019" must reject any
// other byte sequence in that field.
const (
	DimensionMagic = "NETDATA RRD DIMENSION FILE V019"
	ChartMagic     = "NETDATA RRD SET FILE V019"
)

const (
	magicFieldLen = 40
	nameFieldLen  = 200
	padFieldLen   = 6
)

// DimensionHeader is the fixed-width header written at the start of every
// dimension backing file, immediately followed by Entries StorageNumbers and
// a trailing CRC32 (see crcTrailerLen).
type DimensionHeader struct {
	Entries           int64
	UpdateEvery       int64
	Multiplier        int64
	Divisor           int64
	Algorithm         int32
	Memsize           int64
	LastUpdated       int64
	LastCollectedTime int64
	Name              string
}

// DimHeaderSize is the fixed on-disk size, in bytes, of a DimensionHeader
// (magic + fields + name slot + alignment padding), not counting the ring
// payload or CRC trailer that follow it.
const DimHeaderSize = magicFieldLen + 8*7 + 4 + 4 /*pad*/ + 2 + nameFieldLen + padFieldLen

const crcTrailerLen = 4

func (h DimensionHeader) writeTo(w io.Writer) error {
	var magic [magicFieldLen]byte
	copy(magic[:], DimensionMagic)
	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return err
	}
	fields := []interface{}{h.Entries, h.UpdateEvery, h.Multiplier, h.Divisor, h.Algorithm, int32(0), h.Memsize, h.LastUpdated, h.LastCollectedTime}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	nameLen := uint16(len(h.Name))
	if nameLen > nameFieldLen {
		nameLen = nameFieldLen
	}
	if err := binary.Write(w, binary.LittleEndian, nameLen); err != nil {
		return err
	}
	var name [nameFieldLen]byte
	copy(name[:], h.Name)
	if err := binary.Write(w, binary.LittleEndian, name); err != nil {
		return err
	}
	var pad [padFieldLen]byte
	return binary.Write(w, binary.LittleEndian, pad)
}

// ErrBadMagic is returned when a file's magic field doesn't match the
// expected constant for its kind.
var ErrBadMagic = errors.New("persist: magic mismatch")

// ErrSizeMismatch is returned when a loaded header's structural parameters
// (entries, update_every) disagree with the live chart/dimension
// configuration.
var ErrSizeMismatch = errors.New("persist: entries/update_every mismatch")

// ErrCorrupt is returned when the CRC trailer doesn't match the payload —
// typically a file truncated by a process that crashed mid-write.
var ErrCorrupt = errors.New("persist: checksum mismatch")

func readDimensionHeader(r io.Reader) (DimensionHeader, error) {
	var h DimensionHeader
	var magic [magicFieldLen]byte
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return h, err
	}
	if string(bytes.TrimRight(magic[:], "\x00")) != DimensionMagic {
		return h, ErrBadMagic
	}
	var pad int32
	if err := binary.Read(r, binary.LittleEndian, &h.Entries); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.UpdateEvery); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Multiplier); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Divisor); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Algorithm); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &pad); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Memsize); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.LastUpdated); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.LastCollectedTime); err != nil {
		return h, err
	}
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return h, err
	}
	var name [nameFieldLen]byte
	if err := binary.Read(r, binary.LittleEndian, &name); err != nil {
		return h, err
	}
	if int(nameLen) <= nameFieldLen {
		h.Name = string(name[:nameLen])
	}
	var tailPad [padFieldLen]byte
	if err := binary.Read(r, binary.LittleEndian, &tailPad); err != nil {
		return h, err
	}
	return h, nil
}

// pageSize is resolved once via golang.org/x/sys/unix rather than a
// hardcoded 4096, so align_entries_to_pagesize matches the host's actual
// page size (relevant on architectures with larger pages).
var pageSize = unix.Getpagesize()

// AlignEntriesToPagesize rounds entries upward so that a MAP or SAVE mode
// dimension file's total size (header + ring + CRC trailer) is an exact
// multiple of the host page size. For ModeNone and ModeRAM it returns
// entries unchanged — no file backs those rings.
func AlignEntriesToPagesize(mode Mode, entries int64) int64 {
	if mode != ModeMap && mode != ModeSave {
		return entries
	}
	fixed := int64(DimHeaderSize + crcTrailerLen)
	size := fixed + entries*storagenumber.Size
	pages := (size + int64(pageSize) - 1) / int64(pageSize)
	aligned := pages*int64(pageSize) - fixed
	alignedEntries := aligned / storagenumber.Size
	if alignedEntries < entries {
		alignedEntries = entries
	}
	return alignedEntries
}

// DimensionFile binds an in-memory ring to a backing file, in whichever of
// ModeMap or ModeSave was requested. Zero value is not usable; construct via
// OpenDimensionFile.
type DimensionFile struct {
	path      string
	mode      Mode
	file      *os.File
	lock      *flock.Flock
	mapped    mmap.MMap
	header    DimensionHeader
	savedRing []byte
}

// OpenDimensionFile opens (or creates) the backing file for a dimension.
// loaded reports whether an existing, valid file was found, in which case df
// carries its header and ring; when loaded is false, a fresh zero-filled ring of the
// requested geometry was created (or the existing file was discarded because
// its magic, entries, or update_every didn't match).
func OpenDimensionFile(path string, mode Mode, entries, updateEvery, multiplier, divisor int64, algorithm int32, name string) (df *DimensionFile, loaded bool, err error) {
	if mode != ModeMap && mode != ModeSave {
		return nil, false, fmt.Errorf("persist: OpenDimensionFile called with mode %s", mode)
	}

	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("persist: lock %s: %w", path, err)
	}
	if !ok {
		return nil, false, fmt.Errorf("persist: %s is locked by another process", path)
	}

	wantHeader := DimensionHeader{
		Entries:     entries,
		UpdateEvery: updateEvery,
		Multiplier:  multiplier,
		Divisor:     divisor,
		Algorithm:   algorithm,
		Memsize:     int64(DimHeaderSize) + entries*storagenumber.Size + crcTrailerLen,
		Name:        name,
	}

	existing, existingErr := loadDimensionFile(path, mode, entries, updateEvery)
	if existingErr == nil {
		existing.lock = lk
		return existing, true, nil
	}
	if !errors.Is(existingErr, os.ErrNotExist) {
		rrdlog.Logger.Warn().Err(existingErr).Str("path", path).Msg("discarding dimension file, recreating")
	}

	df, err = createDimensionFile(path, mode, wantHeader)
	if err != nil {
		_ = lk.Unlock()
		return nil, false, err
	}
	df.lock = lk
	return df, false, nil
}

func createDimensionFile(path string, mode Mode, h DimensionHeader) (*DimensionFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", path, err)
	}

	var buf bytes.Buffer
	if err := h.writeTo(&buf); err != nil {
		_ = f.Close()
		return nil, err
	}
	ring := make([]byte, h.Entries*storagenumber.Size)
	buf.Write(ring)
	sum := crc32.ChecksumIEEE(buf.Bytes())
	var crc [crcTrailerLen]byte
	binary.LittleEndian.PutUint32(crc[:], sum)
	buf.Write(crc[:])

	if mode == ModeMap {
		if err := f.Truncate(int64(buf.Len())); err != nil {
			_ = f.Close()
			return nil, err
		}
		if _, err := f.WriteAt(buf.Bytes()[:DimHeaderSize], 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		m, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("persist: mmap %s: %w", path, err)
		}
		return &DimensionFile{path: path, mode: mode, file: f, mapped: m, header: h}, nil
	}

	// ModeSave: the file is written lazily (on Save), not here; the ring
	// itself lives only in process memory until then.
	_ = f.Close()
	return &DimensionFile{path: path, mode: mode, header: h}, nil
}

func loadDimensionFile(path string, mode Mode, wantEntries, wantUpdateEvery int64) (*DimensionFile, error) {
	raw, mode2, err := readFileBytes(path, mode)
	if err != nil {
		return nil, err
	}

	if len(raw) < DimHeaderSize+crcTrailerLen {
		return nil, ErrCorrupt
	}
	body := raw[:len(raw)-crcTrailerLen]
	wantCRC := binary.LittleEndian.Uint32(raw[len(raw)-crcTrailerLen:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, ErrCorrupt
	}

	h, err := readDimensionHeader(bytes.NewReader(raw[:DimHeaderSize]))
	if err != nil {
		return nil, err
	}
	if h.Entries != wantEntries || h.UpdateEvery != wantUpdateEvery {
		return nil, ErrSizeMismatch
	}

	df := &DimensionFile{path: path, mode: mode2, header: h}
	if mode2 == ModeMap {
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		m, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		df.file = f
		df.mapped = m
	} else {
		df.savedRing = raw[DimHeaderSize : DimHeaderSize+h.Entries*storagenumber.Size]
	}
	return df, nil
}

// readFileBytes returns the raw decoded bytes of a backing file. SAVE-mode
// files are transparently zstd-decompressed; MAP-mode files are read as-is
// (they must remain directly mmap-able, so they are never compressed).
func readFileBytes(path string, mode Mode) ([]byte, Mode, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, mode, err
	}
	if mode == ModeMap {
		return raw, ModeMap, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, mode, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		// Not a zstd frame (or corrupt) — treat like any other unreadable file.
		return nil, mode, ErrCorrupt
	}
	return out, ModeSave, nil
}

// Ring returns the live byte slice backing the ring's storage numbers. For
// ModeMap this is the mmap'd region; for ModeSave it is an in-memory buffer
// that Save later persists.
func (df *DimensionFile) Ring() []byte {
	if df.mode == ModeMap {
		return df.mapped[DimHeaderSize : DimHeaderSize+df.header.Entries*storagenumber.Size]
	}
	if df.savedRing == nil {
		df.savedRing = make([]byte, df.header.Entries*storagenumber.Size)
	}
	return df.savedRing
}

// UpdateHeader rewrites the mutable header fields (last_updated,
// last_collected_time) — for ModeMap this is flushed immediately; for
// ModeSave it is only reflected on the next Save.
func (df *DimensionFile) UpdateHeader(lastUpdated, lastCollectedTime int64) {
	df.header.LastUpdated = lastUpdated
	df.header.LastCollectedTime = lastCollectedTime
	if df.mode == ModeMap {
		var buf bytes.Buffer
		_ = df.header.writeTo(&buf)
		copy(df.mapped[:DimHeaderSize], buf.Bytes())
	}
}

// Sync refreshes a ModeMap file's CRC32 trailer over its header and ring,
// then flushes it to disk via msync. A mapped file closed without a Sync
// after its last write fails the trailer check on the next open and is
// rebuilt. It is a no-op for ModeSave, whose persistence happens explicitly
// via Save.
func (df *DimensionFile) Sync() error {
	if df.mode == ModeMap && df.mapped != nil {
		n := len(df.mapped) - crcTrailerLen
		binary.LittleEndian.PutUint32(df.mapped[n:], crc32.ChecksumIEEE(df.mapped[:n]))
		return df.mapped.Flush()
	}
	return nil
}

// Save snapshots a ModeSave ring to its backing file using a write-to-temp,
// atomic-rename so a crash mid-write never leaves a half-written file that a
// later OpenDimensionFile would mistake for valid. The snapshot is
// zstd-compressed on disk.
func (df *DimensionFile) Save() error {
	if df.mode != ModeSave {
		return nil
	}
	var buf bytes.Buffer
	if err := df.header.writeTo(&buf); err != nil {
		return err
	}
	buf.Write(df.Ring())
	sum := crc32.ChecksumIEEE(buf.Bytes())
	var crc [crcTrailerLen]byte
	binary.LittleEndian.PutUint32(crc[:], sum)
	buf.Write(crc[:])

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(buf.Bytes(), nil)
	_ = enc.Close()

	return natomic.WriteFile(df.path, bytes.NewReader(compressed))
}

// Close releases the mmap (if any), the backing file, and the advisory
// lock. It does not implicitly Save — callers in ModeSave must Save first.
func (df *DimensionFile) Close() error {
	var err error
	if df.mapped != nil {
		err = df.mapped.Unmap()
	}
	if df.file != nil {
		if cerr := df.file.Close(); err == nil {
			err = cerr
		}
	}
	if df.lock != nil {
		_ = df.lock.Unlock()
	}
	return err
}
