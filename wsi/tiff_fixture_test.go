package wsi

import (
	"encoding/binary"
)

// fieldSpec is one IFD entry to be encoded by buildTIFF. Exactly one of
// values/raw should be set.
type fieldSpec struct {
	tag    uint16
	typ    uint16
	count  uint64
	values []uint64 // for dtShort/dtLong/dtLong8 arrays
	raw    []byte   // for dtASCII/dtUndefined byte blobs
}

func scalarField(tag uint16, typ uint16, v uint64) fieldSpec {
	return fieldSpec{tag: tag, typ: typ, count: 1, values: []uint64{v}}
}

func arrayField(tag uint16, typ uint16, v []uint64) fieldSpec {
	return fieldSpec{tag: tag, typ: typ, count: uint64(len(v)), values: v}
}

func rawField(tag uint16, typ uint16, b []byte) fieldSpec {
	return fieldSpec{tag: tag, typ: typ, count: uint64(len(b)), raw: b}
}

func (f fieldSpec) encodedValue(bo binary.ByteOrder) []byte {
	if f.raw != nil {
		return f.raw
	}
	width := int(fieldTypeSize(f.typ))
	out := make([]byte, width*len(f.values))
	for i, v := range f.values {
		off := i * width
		switch width {
		case 1:
			out[off] = byte(v)
		case 2:
			bo.PutUint16(out[off:], uint16(v))
		case 4:
			bo.PutUint32(out[off:], uint32(v))
		case 8:
			bo.PutUint64(out[off:], v)
		}
	}
	return out
}

// ifdSpec is one IFD's field list.
type ifdSpec struct {
	fields []fieldSpec
}

// buildTIFF lays out a header followed by each IFD in order (chained via
// next-IFD offsets), with out-of-line values placed in a trailing data
// area. It returns the full file bytes.
func buildTIFF(bo binary.ByteOrder, variant Variant, ifds []ifdSpec) []byte {
	countFieldSize := 2
	entrySize := int64(12)
	offsetFieldSize := int64(4)
	magic := uint16(42)
	if variant == Big {
		countFieldSize = 8
		entrySize = 20
		offsetFieldSize = 8
		magic = 43
	}

	// First pass: compute each IFD's offset.
	ifdOffsets := make([]int64, len(ifds))
	cursor := int64(16)
	for i, spec := range ifds {
		ifdOffsets[i] = cursor
		cursor += int64(countFieldSize) + int64(len(spec.fields))*entrySize + offsetFieldSize
	}
	dataAreaStart := cursor

	buf := make([]byte, dataAreaStart)

	// Header.
	if bo == binary.BigEndian {
		copy(buf[0:2], []byte("MM"))
	} else {
		copy(buf[0:2], []byte("II"))
	}
	bo.PutUint16(buf[2:4], magic)
	if variant == Big {
		bo.PutUint16(buf[4:6], 8)
		bo.PutUint16(buf[6:8], 0)
		bo.PutUint64(buf[8:16], uint64(ifdOffsets[0]))
	} else {
		bo.PutUint32(buf[4:8], uint32(ifdOffsets[0]))
	}

	dataCursor := dataAreaStart
	var trailing []byte

	for i, spec := range ifds {
		p := ifdOffsets[i]
		if variant == Big {
			bo.PutUint64(buf[p:p+8], uint64(len(spec.fields)))
			p += 8
		} else {
			bo.PutUint16(buf[p:p+2], uint16(len(spec.fields)))
			p += 2
		}

		for _, f := range spec.fields {
			bo.PutUint16(buf[p:p+2], f.tag)
			bo.PutUint16(buf[p+2:p+4], f.typ)
			if variant == Big {
				bo.PutUint64(buf[p+4:p+12], f.count)
			} else {
				bo.PutUint32(buf[p+4:p+8], uint32(f.count))
			}
			valueFieldOff := p + 4 + int64(countFieldSize)
			if variant != Big {
				valueFieldOff = p + 8
			}

			encoded := f.encodedValue(bo)
			if int64(len(encoded)) <= offsetFieldSize {
				copy(buf[valueFieldOff:valueFieldOff+offsetFieldSize], encoded)
			} else {
				offset := dataCursor + int64(len(trailing))
				trailing = append(trailing, encoded...)
				if variant == Big {
					bo.PutUint64(buf[valueFieldOff:valueFieldOff+8], uint64(offset))
				} else {
					bo.PutUint32(buf[valueFieldOff:valueFieldOff+4], uint32(offset))
				}
			}
			p += entrySize
		}

		// next-IFD offset (0 = terminator, except chain to next spec)
		var next uint64
		if i+1 < len(ifds) {
			next = uint64(ifdOffsets[i+1])
		}
		if variant == Big {
			bo.PutUint64(buf[p:p+8], next)
		} else {
			bo.PutUint32(buf[p:p+4], uint32(next))
		}
	}

	return append(buf, trailing...)
}

// jpegLikeBytes builds a fake "full" JPEG stream (SOI, a DQT marker, SOS,
// payload, EOI) usable as both a standalone tile and, split into
// tables+scan, as a JPEGTables blob plus an abbreviated tile.
func jpegLikeBytes(payload byte, n int) []byte {
	out := []byte{0xFF, 0xD8} // SOI
	out = append(out, 0xFF, 0xDB, 0x00, 0x05, 0x00, 0x01, 0x02) // fake DQT, length 5
	out = append(out, 0xFF, 0xDA, 0x00, 0x02, 0x00)             // fake SOS, length 2
	for i := 0; i < n; i++ {
		out = append(out, payload)
	}
	out = append(out, 0xFF, 0xD9) // EOI
	return out
}

// splitTablesAndScan splits a jpegLikeBytes() stream into a JPEGTables
// blob (SOI..tables..EOI) and an abbreviated tile (SOI..SOS..payload..EOI,
// no DQT).
func splitTablesAndScan(full []byte) (tables, abbreviated []byte) {
	// full = SOI DQT(7 bytes incl marker) SOS(5 bytes incl marker) payload EOI
	soi := full[0:2]
	dqt := full[2:9]
	rest := full[9:] // SOS.. payload.. EOI

	tables = append(append([]byte{}, soi...), dqt...)
	tables = append(tables, 0xFF, 0xD9) // EOI

	abbreviated = append(append([]byte{}, soi...), rest...)
	return tables, abbreviated
}
