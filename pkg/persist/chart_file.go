package persist

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"

	natomic "github.com/natefinch/atomic"
)

// ChartHeader is the metadata file written alongside a chart's dimension
// files — it carries just enough to validate the live chart configuration
// against what's on disk; it never grows a ring of its own.
type ChartHeader struct {
	Entries           int64
	UpdateEvery       int64
	Priority          int64
	ChartType         int32
	LastUpdated       int64
	LastCollectedTime int64
	Name              string
}

const ChartHeaderSize = magicFieldLen + 8*5 + 4 + 4 /*pad*/ + 2 + nameFieldLen + padFieldLen

func (h ChartHeader) writeTo(w *bytes.Buffer) error {
	var magic [magicFieldLen]byte
	copy(magic[:], ChartMagic)
	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return err
	}
	fields := []interface{}{h.Entries, h.UpdateEvery, h.Priority, h.ChartType, int32(0), h.LastUpdated, h.LastCollectedTime}
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

func readChartHeader(raw []byte) (ChartHeader, error) {
	var h ChartHeader
	if len(raw) < ChartHeaderSize {
		return h, ErrCorrupt
	}
	r := bytes.NewReader(raw)
	var magic [magicFieldLen]byte
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return h, err
	}
	if string(bytes.TrimRight(magic[:], "\x00")) != ChartMagic {
		return h, ErrBadMagic
	}
	var pad int32
	for _, p := range []interface{}{&h.Entries, &h.UpdateEvery, &h.Priority, &h.ChartType, &pad, &h.LastUpdated, &h.LastCollectedTime} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return h, err
		}
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
	return h, nil
}

// SaveChartHeader atomically writes a chart's metadata file.
func SaveChartHeader(path string, h ChartHeader) error {
	var buf bytes.Buffer
	if err := h.writeTo(&buf); err != nil {
		return err
	}
	sum := crc32.ChecksumIEEE(buf.Bytes())
	var crc [crcTrailerLen]byte
	binary.LittleEndian.PutUint32(crc[:], sum)
	buf.Write(crc[:])
	return natomic.WriteFile(path, bytes.NewReader(buf.Bytes()))
}

// LoadChartHeader reads and validates a chart's metadata file. It returns
// ErrBadMagic / ErrCorrupt for a file that should be discarded and rebuilt,
// or the underlying os error (e.g. os.ErrNotExist) if the file is absent.
func LoadChartHeader(path string) (ChartHeader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ChartHeader{}, err
	}
	if len(raw) < ChartHeaderSize+crcTrailerLen {
		return ChartHeader{}, ErrCorrupt
	}
	body := raw[:len(raw)-crcTrailerLen]
	wantCRC := binary.LittleEndian.Uint32(raw[len(raw)-crcTrailerLen:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return ChartHeader{}, ErrCorrupt
	}
	return readChartHeader(body)
}
