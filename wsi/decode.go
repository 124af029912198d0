package wsi

import (
	"bytes"
	"image"
	"image/jpeg"
)

// decodeTile implements spec §4.8 step 6: decode according to compression
// code into a pixel buffer. image/jpeg is the standard library's baseline
// JPEG decoder (no pack example ships a pure-Go alternative, so this is
// the one sanctioned stdlib exception, see DESIGN.md). JPEG 2000 tiles
// never reach here: IFD.Validate rejects compression 33003/33005 with
// UnsupportedFormat at open time (spec §9 Open Question (b)'s sanctioned
// fallback), since no entropy decoder is wired in.
func decodeTile(raw []byte, compression uint16) (image.Image, error) {
	switch compression {
	case CompressionJPEG:
		img, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, NewError(KindDecodeError, "JPEG decode failed", err)
		}
		return img, nil
	default:
		return nil, NewError(KindUnsupportedFormat, "unsupported compression for decode", nil)
	}
}

// encodeJPEG implements spec §4.8 step 7.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, NewError(KindEncodeError, "JPEG encode failed", err)
	}
	return buf.Bytes(), nil
}
