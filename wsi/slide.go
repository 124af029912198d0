package wsi

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Format tags a slide's container dialect (spec §3 "Slide descriptor").
type Format int

const (
	FormatGenericTIFF Format = iota
	FormatSVS
)

func (f Format) String() string {
	if f == FormatSVS {
		return "svs"
	}
	return "generic_tiff"
}

// LevelDescriptor is one entry of a slide descriptor's ordered level list
// (spec §3). TileOffsets/TileByteCounts are owned directly by the level,
// not back-referenced through the IFD, per spec §9's arena-ownership note,
// so a descriptor can be freely shared without keeping the raw IFD list
// alive.
type LevelDescriptor struct {
	IFDIndex        int
	Width           uint32
	Height          uint32
	TileWidth       uint32
	TileHeight      uint32
	TilesX          int
	TilesY          int
	Downsample      float64
	TileOffsets     []uint64
	TileByteCounts  []uint64
	JPEGTables      []byte // nil if absent for this level
	Compression     uint16
	SamplesPerPixel uint16
}

func (l *LevelDescriptor) tileIndex(x, y int) (int, error) {
	if x < 0 || x >= l.TilesX || y < 0 || y >= l.TilesY {
		return 0, NewError(KindTileOutOfBounds, fmt.Sprintf("tile (%d,%d) out of bounds for %dx%d grid", x, y, l.TilesX, l.TilesY), nil)
	}
	return y*l.TilesX + x, nil
}

// SlideDescriptor is the immutable, shareable result of opening a slide
// (spec §3). Once constructed it is never mutated; the registry and any
// number of in-flight requests may hold references to the same instance.
type SlideDescriptor struct {
	SlideID string
	Format  Format
	Width   uint32
	Height  uint32
	Levels  []LevelDescriptor

	src Source
}

func (d *SlideDescriptor) LevelCount() int { return len(d.Levels) }

// ReadTile implements get_tile steps 4-5 of spec §4.8 for both slide
// dialects: validate level/bounds, fetch the raw tile bytes, and for SVS
// apply the abbreviated-stream JPEGTables merge (spec §4.5.2).
func (d *SlideDescriptor) ReadTile(ctx context.Context, level, x, y int) ([]byte, error) {
	if level < 0 || level >= len(d.Levels) {
		return nil, NewError(KindInvalidLevel, fmt.Sprintf("level %d out of range (have %d)", level, len(d.Levels)), nil)
	}
	lvl := &d.Levels[level]
	idx, err := lvl.tileIndex(x, y)
	if err != nil {
		return nil, err
	}

	offset := lvl.TileOffsets[idx]
	byteCount := lvl.TileByteCounts[idx]
	if byteCount == 0 {
		return nil, NewError(KindDecodeError, "tile has zero byte count", nil)
	}

	raw, err := d.src.ReadRange(ctx, int64(offset), int64(byteCount))
	if err != nil {
		return nil, err
	}

	switch d.Format {
	case FormatSVS:
		return mergeAbbreviatedJPEG(lvl.JPEGTables, raw)
	default:
		return raw, nil
	}
}

// jpegSOI/jpegEOI are the JPEG start/end-of-image markers.
var jpegSOI = []byte{0xFF, 0xD8}
var jpegEOI = []byte{0xFF, 0xD9}

// isAbbreviatedJPEG reports whether tile is a tables-free JPEG stream per
// spec §4.5.2: starts with SOI, and no DQT (FF DB) or DHT (FF C4) marker
// appears before the first SOS (FF DA).
func isAbbreviatedJPEG(tile []byte) bool {
	if len(tile) < 4 || tile[0] != 0xFF || tile[1] != 0xD8 {
		return false
	}
	i := 2
	for i+1 < len(tile) {
		if tile[i] != 0xFF {
			i++
			continue
		}
		marker := tile[i+1]
		switch marker {
		case 0xDB, 0xC4: // DQT, DHT: tables are present
			return false
		case 0xDA: // SOS: scan data starts, no tables were seen first
			return true
		case 0x01, 0xD0, 0xD1, 0xD2, 0xD3, 0xD4, 0xD5, 0xD6, 0xD7: // no-length markers
			i += 2
			continue
		}
		if i+3 >= len(tile) {
			return true
		}
		segLen := int(tile[i+2])<<8 | int(tile[i+3])
		i += 2 + segLen
	}
	return true
}

// mergeAbbreviatedJPEG implements spec §4.5.2's merge algorithm.
func mergeAbbreviatedJPEG(tables, tile []byte) ([]byte, error) {
	if !isAbbreviatedJPEG(tile) {
		return tile, nil
	}
	if len(tables) == 0 {
		return nil, NewError(KindDecodeError, "abbreviated JPEG tile stream with no JPEGTables for this level", nil)
	}
	if !bytes.HasPrefix(tables, jpegSOI) || !bytes.HasSuffix(tables, jpegEOI) {
		return nil, NewError(KindDecodeError, "JPEGTables blob is not a well-formed SOI..EOI segment", nil)
	}
	merged := make([]byte, 0, len(tables)-2+len(tile)-2)
	merged = append(merged, tables[:len(tables)-2]...)
	merged = append(merged, tile[2:]...)
	return merged, nil
}

// magic bytes recognised at slide-open time (spec §4.6).
var (
	magicClassicLE = []byte{'I', 'I', 42, 0}
	magicClassicBE = []byte{'M', 'M', 0, 42}
	magicBigLE     = []byte{'I', 'I', 43, 0}
	magicBigBE     = []byte{'M', 'M', 0, 43}
)

func looksLikeTIFF(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	h := header[:4]
	return bytes.Equal(h, magicClassicLE) || bytes.Equal(h, magicClassicBE) ||
		bytes.Equal(h, magicBigLE) || bytes.Equal(h, magicBigBE)
}

// OpenSlide builds a SlideDescriptor from src, performing format detection,
// the TIFF/IFD walk, pyramid classification, and per-level array/JPEGTables
// resolution (spec §4.6 steps 1-2). src must already be bound to the
// backing object (typically the Source NewBoundSource returns, which a
// SlideOpener hands to the registry; see cmd/wsistreamer/serve.go).
func OpenSlide(ctx context.Context, slideID string, src Source) (*SlideDescriptor, error) {
	probe, err := src.ReadRange(ctx, 0, headerSize)
	if err != nil {
		return nil, err
	}
	if !looksLikeTIFF(probe) {
		return nil, NewError(KindUnsupportedFormat, "object does not start with a recognised TIFF/BigTIFF magic", nil)
	}

	header, err := ParseHeader(ctx, src)
	if err != nil {
		return nil, err
	}
	ifds, err := ReadIFDChain(ctx, src, header)
	if err != nil {
		return nil, err
	}

	var validated []*IFD
	for _, ifd := range ifds {
		if ifd.Width == 0 || ifd.Height == 0 {
			continue // not an image IFD (e.g. a bare pointer/metadata directory)
		}
		if ifd.TileWidth == 0 && ifd.TileHeight == 0 && !ifd.stripOffsetsPresent {
			continue // auxiliary/unrecognised IFD shape, not a candidate level
		}
		// Any IFD that looks like strip-organised or otherwise malformed
		// imagery is validated (and rejected with a specific reason) here,
		// rather than silently skipped, per spec §4.3.4/§8 scenario 5.
		if err := ifd.Validate(); err != nil {
			return nil, err
		}
		validated = append(validated, ifd)
	}
	if len(validated) == 0 {
		return nil, NewError(KindUnsupportedFormat, "slide has no valid tiled IFDs", nil)
	}

	levels, err := BuildPyramid(validated)
	if err != nil {
		return nil, err
	}

	format := FormatGenericTIFF
	var descBuf []byte
	for _, lvl := range levels {
		desc, err := lvl.IFD.ImageDescription(ctx, src)
		if err != nil {
			return nil, err
		}
		if desc != "" {
			descBuf = []byte(desc)
			break
		}
	}
	if isAperioDescription(string(descBuf)) {
		format = FormatSVS
	}

	// Each level's TileOffsets/TileByteCounts/JPEGTables arrays are
	// independent range reads against unrelated IFDs, so fan them out with
	// errgroup rather than resolving one level at a time (spec §4.3.5).
	descriptors := make([]LevelDescriptor, len(levels))
	g, gctx := errgroup.WithContext(ctx)
	for i, lvl := range levels {
		i, lvl := i, lvl
		g.Go(func() error {
			ifd := lvl.IFD
			offsets, err := ifd.TileOffsets(gctx, src)
			if err != nil {
				return err
			}
			byteCounts, err := ifd.TileByteCounts(gctx, src)
			if err != nil {
				return err
			}
			var tables []byte
			if format == FormatSVS {
				tables, err = ifd.JPEGTables(gctx, src)
				if err != nil {
					return err
				}
			}
			samplesPerPixel := ifd.SamplesPerPixel
			if samplesPerPixel == 0 {
				samplesPerPixel = 1
			}
			descriptors[i] = LevelDescriptor{
				IFDIndex:        ifd.Index,
				Width:           ifd.Width,
				Height:          ifd.Height,
				TileWidth:       ifd.TileWidth,
				TileHeight:      ifd.TileHeight,
				TilesX:          ifd.TilesAcross(),
				TilesY:          ifd.TilesDown(),
				Downsample:      lvl.Downsample,
				TileOffsets:     offsets,
				TileByteCounts:  byteCounts,
				JPEGTables:      tables,
				Compression:     ifd.Compression,
				SamplesPerPixel: samplesPerPixel,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	base := levels[0].IFD
	return &SlideDescriptor{
		SlideID: slideID,
		Format:  format,
		Width:   base.Width,
		Height:  base.Height,
		Levels:  descriptors,
		src:     src,
	}, nil
}
