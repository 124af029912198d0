package wsi

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Variant distinguishes classic TIFF from BigTIFF, per spec §3.
type Variant int

const (
	Classic Variant = iota
	Big
)

// Recognised TIFF tags (spec §4.3.2's "minimum set").
const (
	tagImageWidth        = 256
	tagImageLength       = 257
	tagBitsPerSample     = 258
	tagCompression       = 259
	tagPhotometric       = 262
	tagStripOffsets      = 273
	tagStripByteCounts   = 279
	tagTileWidth         = 322
	tagTileLength        = 323
	tagTileOffsets       = 324
	tagTileByteCounts    = 325
	tagSampleFormat      = 339
	tagJPEGTables        = 347
	tagImageDescription  = 270
)

// TIFF field types and their byte widths.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
	dtLong8     = 16
	dtSLong8    = 17
	dtIFD8      = 18
)

// Compression codes spec §4.3.4 accepts.
const (
	CompressionJPEG     = 7
	CompressionJPEG2000A = 33003
	CompressionJPEG2000B = 33005
)

func fieldTypeSize(dt uint16) int64 {
	switch dt {
	case dtByte, dtASCII, dtSByte, dtUndefined:
		return 1
	case dtShort, dtSShort:
		return 2
	case dtLong, dtSLong, dtFloat:
		return 4
	case dtRational, dtSRational, dtDouble, dtLong8, dtSLong8, dtIFD8:
		return 8
	default:
		return 1
	}
}

// Source is the minimal read capability the TIFF parser needs: exactly
// what a BlockCache bound to one object provides. Keeping the parser
// independent of BlockCache makes header/IFD-walk logic unit-testable
// against a plain in-memory buffer (see tiff_test.go).
type Source interface {
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
}

// entry is one raw IFD directory entry before its value is resolved.
type entry struct {
	tag    uint16
	typ    uint16
	count  uint64
	inline []byte // valid iff !outOfLine
	offset uint64 // valid iff outOfLine
	outOfLine bool
}

func (e entry) valueSize() int64 {
	return int64(e.count) * fieldTypeSize(e.typ)
}

// IFD is one parsed Image File Directory (spec §3). Scalar tags are
// resolved eagerly (they always fit inline); TileOffsets, TileByteCounts,
// JPEGTables and ImageDescription are resolved lazily via their own
// dedicated methods so a cold open only pays for the arrays a retained
// pyramid level actually needs (spec §4.3.5).
type IFD struct {
	Index     int
	byteOrder binary.ByteOrder
	variant   Variant

	Width           uint32
	Height          uint32
	TileWidth       uint32
	TileHeight      uint32
	Compression     uint16
	Photometric     uint16
	SamplesPerPixel uint16

	tileOffsetsEntry    *entry
	tileByteCountsEntry *entry
	jpegTablesEntry     *entry
	descriptionEntry    *entry

	stripOffsetsPresent bool
}

// TilesAcross is ⌈Width/TileWidth⌉ per spec §3.
func (ifd *IFD) TilesAcross() int {
	if ifd.TileWidth == 0 {
		return 0
	}
	return int((ifd.Width + ifd.TileWidth - 1) / ifd.TileWidth)
}

// TilesDown is ⌈Height/TileHeight⌉ per spec §3.
func (ifd *IFD) TilesDown() int {
	if ifd.TileHeight == 0 {
		return 0
	}
	return int((ifd.Height + ifd.TileHeight - 1) / ifd.TileHeight)
}

// Validate applies spec §4.3.4's per-IFD rejection rules.
func (ifd *IFD) Validate() error {
	if ifd.stripOffsetsPresent {
		return NewError(KindUnsupportedFormat, "strip-organised TIFF is not supported (StripOffsets/StripByteCounts present)", nil)
	}
	if ifd.tileOffsetsEntry == nil || ifd.tileByteCountsEntry == nil {
		return NewError(KindUnsupportedFormat, "IFD has no TileOffsets/TileByteCounts", nil)
	}
	switch ifd.Compression {
	case CompressionJPEG:
	case CompressionJPEG2000A, CompressionJPEG2000B:
		// No entropy decoder is wired in (spec §9 Open Question (b)); rather
		// than serve blank tiles, fail closed at open time.
		return NewError(KindUnsupportedFormat, fmt.Sprintf("JPEG 2000 compression code %d is not supported", ifd.Compression), nil)
	default:
		return NewError(KindUnsupportedFormat, fmt.Sprintf("unsupported compression code %d", ifd.Compression), nil)
	}
	wantTiles := uint64(ifd.TilesAcross()) * uint64(ifd.TilesDown())
	if ifd.tileOffsetsEntry.count != wantTiles || ifd.tileByteCountsEntry.count != wantTiles {
		return NewError(KindUnsupportedFormat, "TileOffsets/TileByteCounts length does not match tiles_x*tiles_y", nil)
	}
	return nil
}

// TileOffsets fetches the TileOffsets array in exactly one range read
// (spec §4.3.3).
func (ifd *IFD) TileOffsets(ctx context.Context, src Source) ([]uint64, error) {
	return resolveUint64Array(ctx, src, ifd.byteOrder, ifd.tileOffsetsEntry)
}

// TileByteCounts fetches the TileByteCounts array in exactly one range
// read (spec §4.3.3).
func (ifd *IFD) TileByteCounts(ctx context.Context, src Source) ([]uint64, error) {
	return resolveUint64Array(ctx, src, ifd.byteOrder, ifd.tileByteCountsEntry)
}

// JPEGTables fetches the optional JPEGTables blob for this IFD, or nil if
// absent. Per spec §4.5.2, this must never be assumed shared across IFDs.
func (ifd *IFD) JPEGTables(ctx context.Context, src Source) ([]byte, error) {
	if ifd.jpegTablesEntry == nil {
		return nil, nil
	}
	return resolveBytes(ctx, src, ifd.jpegTablesEntry)
}

// ImageDescription fetches the ImageDescription ASCII tag, used to
// distinguish Aperio SVS from generic TIFF (spec §4.6).
func (ifd *IFD) ImageDescription(ctx context.Context, src Source) (string, error) {
	if ifd.descriptionEntry == nil {
		return "", nil
	}
	b, err := resolveBytes(ctx, src, ifd.descriptionEntry)
	if err != nil {
		return "", err
	}
	return string(trimNUL(b)), nil
}

func trimNUL(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func resolveBytes(ctx context.Context, src Source, e *entry) ([]byte, error) {
	if !e.outOfLine {
		return e.inline, nil
	}
	return src.ReadRange(ctx, int64(e.offset), e.valueSize())
}

func resolveUint64Array(ctx context.Context, src Source, bo binary.ByteOrder, e *entry) ([]uint64, error) {
	raw, err := resolveBytes(ctx, src, e)
	if err != nil {
		return nil, err
	}
	n := int(e.count)
	width := fieldTypeSize(e.typ)
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		off := int64(i) * width
		switch e.typ {
		case dtShort:
			out[i] = uint64(bo.Uint16(raw[off : off+2]))
		case dtLong:
			out[i] = uint64(bo.Uint32(raw[off : off+4]))
		case dtLong8:
			out[i] = bo.Uint64(raw[off : off+8])
		default:
			return nil, NewError(KindUnsupportedFormat, fmt.Sprintf("unexpected field type %d for array tag", e.typ), nil)
		}
	}
	return out, nil
}

// ParsedHeader is the result of reading a TIFF/BigTIFF header (spec §4.3.1).
type ParsedHeader struct {
	ByteOrder      binary.ByteOrder
	Variant        Variant
	FirstIFDOffset uint64
}

// headerSize is the largest of the two header shapes (16 bytes for
// BigTIFF); spec §4.3.1 says "read the first 16 bytes" unconditionally.
const headerSize = 16

// ParseHeader performs the single range read spec §4.3.5 budgets for the
// header.
func ParseHeader(ctx context.Context, src Source) (*ParsedHeader, error) {
	buf, err := src.ReadRange(ctx, 0, headerSize)
	if err != nil {
		return nil, err
	}

	var bo binary.ByteOrder
	switch string(buf[0:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, NewError(KindUnsupportedFormat, fmt.Sprintf("unrecognised byte-order mark %q", buf[0:2]), nil)
	}

	magic := bo.Uint16(buf[2:4])
	var variant Variant
	var firstIFD uint64
	switch magic {
	case 42:
		variant = Classic
		firstIFD = uint64(bo.Uint32(buf[4:8]))
	case 43:
		variant = Big
		offsetSize := bo.Uint16(buf[4:6])
		reserved := bo.Uint16(buf[6:8])
		if offsetSize != 8 || reserved != 0 {
			return nil, NewError(KindUnsupportedFormat, "malformed BigTIFF header", nil)
		}
		firstIFD = bo.Uint64(buf[8:16])
	default:
		return nil, NewError(KindUnsupportedFormat, fmt.Sprintf("unrecognised TIFF magic %d", magic), nil)
	}

	return &ParsedHeader{ByteOrder: bo, Variant: variant, FirstIFDOffset: firstIFD}, nil
}

// maxIFDChainDepth bounds the IFD walk against cyclic chains (spec §9).
const maxIFDChainDepth = 64

// ReadIFDChain walks the 0-terminated IFD linked list starting at
// header.FirstIFDOffset, issuing two range reads per IFD: one for the
// entry count, then one covering all entries and the next-IFD trailer
// (spec §4.3.2: "Issue one range read covering the entire IFD").
func ReadIFDChain(ctx context.Context, src Source, header *ParsedHeader) ([]*IFD, error) {
	var ifds []*IFD
	offset := header.FirstIFDOffset
	for depth := 0; offset != 0; depth++ {
		if depth >= maxIFDChainDepth {
			return nil, NewError(KindUnsupportedFormat, "IFD chain exceeds maximum depth (possible cycle)", nil)
		}
		ifd, next, err := readOneIFD(ctx, src, header, offset, len(ifds))
		if err != nil {
			return nil, err
		}
		ifds = append(ifds, ifd)
		offset = next
	}
	return ifds, nil
}

func entrySizeFor(v Variant) int64 {
	if v == Big {
		return 20
	}
	return 12
}

func countFieldSizeFor(v Variant) int64 {
	if v == Big {
		return 8
	}
	return 2
}

func offsetFieldSizeFor(v Variant) int64 {
	if v == Big {
		return 8
	}
	return 4
}

func readOneIFD(ctx context.Context, src Source, header *ParsedHeader, offset uint64, index int) (*IFD, uint64, error) {
	bo := header.ByteOrder
	countFieldSize := countFieldSizeFor(header.Variant)

	// First read just the entry count so we know the full IFD's byte
	// size; the entries + trailer are then fetched in the single range
	// read spec §4.3.2 mandates.
	countBuf, err := src.ReadRange(ctx, int64(offset), countFieldSize)
	if err != nil {
		return nil, 0, err
	}
	var numEntries uint64
	if header.Variant == Big {
		numEntries = bo.Uint64(countBuf)
	} else {
		numEntries = uint64(bo.Uint16(countBuf))
	}

	entrySize := entrySizeFor(header.Variant)
	offsetFieldSize := offsetFieldSizeFor(header.Variant)
	ifdBodySize := int64(numEntries)*entrySize + offsetFieldSize

	body, err := src.ReadRange(ctx, int64(offset)+countFieldSize, ifdBodySize)
	if err != nil {
		return nil, 0, err
	}

	ifd := &IFD{Index: index, byteOrder: bo, variant: header.Variant, SamplesPerPixel: 1}

	for i := uint64(0); i < numEntries; i++ {
		start := int64(i) * entrySize
		e := parseEntry(body[start:start+entrySize], bo, header.Variant)
		applyEntry(ifd, e)
	}

	trailer := body[int64(numEntries)*entrySize:]
	var next uint64
	if header.Variant == Big {
		next = bo.Uint64(trailer)
	} else {
		next = uint64(bo.Uint32(trailer))
	}

	return ifd, next, nil
}

// parseEntry decodes one raw directory entry. Per spec §4.3.2, the value
// is inline iff T*count fits in the value field (4 bytes Classic, 8 Big);
// "right"/"left" alignment both reduce to "the first bytes of the value
// field, read with the file's own byte order" once decoded scalar-wise,
// which is what scalarUint16/scalarUint32 and resolveUint64Array do uniformly for
// both endiannesses.
func parseEntry(buf []byte, bo binary.ByteOrder, variant Variant) entry {
	tag := bo.Uint16(buf[0:2])
	typ := bo.Uint16(buf[2:4])

	var count uint64
	var valueField []byte
	if variant == Big {
		count = bo.Uint64(buf[4:12])
		valueField = buf[12:20]
	} else {
		count = uint64(bo.Uint32(buf[4:8]))
		valueField = buf[8:12]
	}

	e := entry{tag: tag, typ: typ, count: count}
	valueSize := int64(count) * fieldTypeSize(typ)
	inlineCapacity := int64(len(valueField))
	if valueSize <= inlineCapacity {
		e.inline = make([]byte, valueSize)
		copy(e.inline, valueField[:valueSize])
	} else {
		e.outOfLine = true
		if variant == Big {
			e.offset = bo.Uint64(valueField)
		} else {
			e.offset = uint64(bo.Uint32(valueField))
		}
	}
	return e
}

func applyEntry(ifd *IFD, e entry) {
	bo := ifd.byteOrder
	switch e.tag {
	case tagImageWidth:
		ifd.Width = scalarUint32(e, bo)
	case tagImageLength:
		ifd.Height = scalarUint32(e, bo)
	case tagTileWidth:
		ifd.TileWidth = scalarUint32(e, bo)
	case tagTileLength:
		ifd.TileHeight = scalarUint32(e, bo)
	case tagCompression:
		ifd.Compression = scalarUint16(e, bo)
	case tagPhotometric:
		ifd.Photometric = scalarUint16(e, bo)
	case tagStripOffsets, tagStripByteCounts:
		ifd.stripOffsetsPresent = true
	case tagTileOffsets:
		ee := e
		ifd.tileOffsetsEntry = &ee
	case tagTileByteCounts:
		ee := e
		ifd.tileByteCountsEntry = &ee
	case tagJPEGTables:
		ee := e
		ifd.jpegTablesEntry = &ee
	case tagImageDescription:
		ee := e
		ifd.descriptionEntry = &ee
	}
}

func scalarUint16(e entry, bo binary.ByteOrder) uint16 {
	if e.outOfLine || len(e.inline) == 0 {
		return 0
	}
	switch e.typ {
	case dtShort:
		return bo.Uint16(e.inline[0:2])
	case dtLong:
		return uint16(bo.Uint32(e.inline[0:4]))
	default:
		return uint16(e.inline[0])
	}
}

func scalarUint32(e entry, bo binary.ByteOrder) uint32 {
	if e.outOfLine || len(e.inline) == 0 {
		return 0
	}
	switch e.typ {
	case dtShort:
		return uint32(bo.Uint16(e.inline[0:2]))
	case dtLong:
		return bo.Uint32(e.inline[0:4])
	default:
		return uint32(e.inline[0])
	}
}
