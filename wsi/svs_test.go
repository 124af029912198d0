package wsi

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

// svsSlideFile builds a minimal single-level SVS-flavoured TIFF: an
// ImageDescription containing "Aperio", a JPEGTables blob, and abbreviated
// tile streams.
func svsSlideFile(withTables bool) ([]byte, [][]byte, []byte) {
	full := jpegLikeBytes(0x11, 8)
	tables, abbreviated := splitTablesAndScan(full)
	tiles := [][]byte{abbreviated, abbreviated, abbreviated, abbreviated}

	offsets := make([]uint64, len(tiles))
	counts := make([]uint64, len(tiles))
	var blob []byte
	base := int64(8192)
	for i, td := range tiles {
		offsets[i] = uint64(base) + uint64(len(blob))
		counts[i] = uint64(len(td))
		blob = append(blob, td...)
	}

	desc := "Aperio Image Library v11.0.0"
	fields := []fieldSpec{
		scalarField(tagImageWidth, dtLong, 512),
		scalarField(tagImageLength, dtLong, 512),
		scalarField(tagTileWidth, dtLong, 256),
		scalarField(tagTileLength, dtLong, 256),
		scalarField(tagCompression, dtShort, CompressionJPEG),
		scalarField(tagPhotometric, dtShort, 2),
		rawField(tagImageDescription, dtASCII, append([]byte(desc), 0)),
		arrayField(tagTileOffsets, dtLong, offsets),
		arrayField(tagTileByteCounts, dtLong, counts),
	}
	if withTables {
		fields = append(fields, rawField(tagJPEGTables, dtUndefined, tables))
	}
	ifd := ifdSpec{fields: fields}

	file := buildTIFF(binary.LittleEndian, Classic, []ifdSpec{ifd})
	if int64(len(file)) < base {
		file = append(file, make([]byte, base-int64(len(file)))...)
	}
	file = append(file, blob...)
	return file, tiles, tables
}

func TestOpenSlideSVSMergesAbbreviatedTiles(t *testing.T) {
	file, _, tables := svsSlideFile(true)
	src := memSource{data: file}

	desc, err := OpenSlide(context.Background(), "svs-1", src)
	assert.NoError(t, err)
	assert.Equal(t, FormatSVS, desc.Format)
	assert.Equal(t, tables, desc.Levels[0].JPEGTables)

	raw, err := desc.ReadTile(context.Background(), 0, 0, 0)
	assert.NoError(t, err)
	assert.True(t, len(raw) > 0)
	assert.Equal(t, byte(0xFF), raw[0])
	assert.Equal(t, byte(0xD8), raw[1])
}

// TestOpenSlideSVSMissingTablesFailsAtRead covers spec §8 scenario 3's
// second half: removing JPEGTables causes a decode_error on read.
func TestOpenSlideSVSMissingTablesFailsAtRead(t *testing.T) {
	file, _, _ := svsSlideFile(false)
	src := memSource{data: file}

	desc, err := OpenSlide(context.Background(), "svs-2", src)
	assert.NoError(t, err)

	_, err = desc.ReadTile(context.Background(), 0, 0, 0)
	assert.Error(t, err)
	assert.Equal(t, KindDecodeError, KindOf(err))
}
