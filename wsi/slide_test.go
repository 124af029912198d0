package wsi

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestJPEGTablesMerge is spec §8's P7.
func TestJPEGTablesMerge(t *testing.T) {
	full := jpegLikeBytes(0xAB, 16)
	tables, abbreviated := splitTablesAndScan(full)

	merged, err := mergeAbbreviatedJPEG(tables, abbreviated)
	assert.NoError(t, err)
	assert.Equal(t, full, merged)
}

func TestJPEGTablesMergePassesThroughFullStream(t *testing.T) {
	full := jpegLikeBytes(0xCD, 8)
	merged, err := mergeAbbreviatedJPEG(nil, full)
	assert.NoError(t, err)
	assert.Equal(t, full, merged)
}

func TestJPEGTablesMergeFailsWithoutTables(t *testing.T) {
	full := jpegLikeBytes(0xEF, 8)
	_, abbreviated := splitTablesAndScan(full)
	_, err := mergeAbbreviatedJPEG(nil, abbreviated)
	assert.Error(t, err)
	assert.Equal(t, KindDecodeError, KindOf(err))
}

func genericTIFFSlide(t *testing.T, tileData [][]byte) []byte {
	offsets := make([]uint64, len(tileData))
	counts := make([]uint64, len(tileData))
	var blob []byte
	base := int64(4096) // well past the header/IFD region
	for i, td := range tileData {
		offsets[i] = uint64(base) + uint64(len(blob))
		counts[i] = uint64(len(td))
		blob = append(blob, td...)
	}
	ifd := ifdSpec{fields: []fieldSpec{
		scalarField(tagImageWidth, dtLong, 512),
		scalarField(tagImageLength, dtLong, 512),
		scalarField(tagTileWidth, dtLong, 256),
		scalarField(tagTileLength, dtLong, 256),
		scalarField(tagCompression, dtShort, CompressionJPEG),
		scalarField(tagPhotometric, dtShort, 2),
		arrayField(tagTileOffsets, dtLong, offsets),
		arrayField(tagTileByteCounts, dtLong, counts),
	}}
	file := buildTIFF(binary.LittleEndian, Classic, []ifdSpec{ifd})
	if int64(len(file)) < base {
		pad := make([]byte, base-int64(len(file)))
		file = append(file, pad...)
	}
	file = append(file, blob...)
	return file
}

// TestOpenSlideGenericTIFF covers spec §8 scenario 1.
func TestOpenSlideGenericTIFF(t *testing.T) {
	tiles := make([][]byte, 4)
	for i := range tiles {
		tiles[i] = jpegLikeBytes(byte(i), 4)
	}
	file := genericTIFFSlide(t, tiles)
	src := memSource{data: file}

	desc, err := OpenSlide(context.Background(), "slide-1", src)
	assert.NoError(t, err)
	assert.Equal(t, 1, desc.LevelCount())
	assert.Equal(t, 2, desc.Levels[0].TilesX)
	assert.Equal(t, 2, desc.Levels[0].TilesY)

	raw, err := desc.ReadTile(context.Background(), 0, 1, 1)
	assert.NoError(t, err)
	assert.Equal(t, tiles[3], raw)
}

func TestOpenSlideTileOutOfBounds(t *testing.T) {
	tiles := make([][]byte, 4)
	for i := range tiles {
		tiles[i] = jpegLikeBytes(byte(i), 4)
	}
	file := genericTIFFSlide(t, tiles)
	src := memSource{data: file}
	desc, err := OpenSlide(context.Background(), "slide-1", src)
	assert.NoError(t, err)

	_, err = desc.ReadTile(context.Background(), 0, 5, 0)
	assert.Error(t, err)
	assert.Equal(t, KindTileOutOfBounds, KindOf(err))
}

// TestOpenSlideStripOrganised covers spec §8 scenario 5.
func TestOpenSlideStripOrganised(t *testing.T) {
	ifd := ifdSpec{fields: []fieldSpec{
		scalarField(tagImageWidth, dtLong, 512),
		scalarField(tagImageLength, dtLong, 512),
		scalarField(tagCompression, dtShort, CompressionJPEG),
		scalarField(tagPhotometric, dtShort, 2),
		arrayField(tagStripOffsets, dtLong, []uint64{1000}),
		arrayField(tagStripByteCounts, dtLong, []uint64{100}),
	}}
	file := buildTIFF(binary.LittleEndian, Classic, []ifdSpec{ifd})
	src := memSource{data: file}

	_, err := OpenSlide(context.Background(), "slide-strip", src)
	assert.Error(t, err)
	assert.Equal(t, KindUnsupportedFormat, KindOf(err))
	assert.Contains(t, err.Error(), "strip")
}

func TestOpenSlideUnsupportedCompression(t *testing.T) {
	ifd := ifdSpec{fields: []fieldSpec{
		scalarField(tagImageWidth, dtLong, 512),
		scalarField(tagImageLength, dtLong, 512),
		scalarField(tagTileWidth, dtLong, 256),
		scalarField(tagTileLength, dtLong, 256),
		scalarField(tagCompression, dtShort, 5), // LZW
		scalarField(tagPhotometric, dtShort, 2),
		arrayField(tagTileOffsets, dtLong, []uint64{1000, 1010, 1020, 1030}),
		arrayField(tagTileByteCounts, dtLong, []uint64{5, 5, 5, 5}),
	}}
	file := buildTIFF(binary.LittleEndian, Classic, []ifdSpec{ifd})
	src := memSource{data: file}

	_, err := OpenSlide(context.Background(), "slide-lzw", src)
	assert.Error(t, err)
	assert.Equal(t, KindUnsupportedFormat, KindOf(err))
}
