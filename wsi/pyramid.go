package wsi

import "sort"

// downsampleTolerance is the 5% slack spec §4.4 allows both for deciding
// whether an IFD's aspect ratio matches level 0 (excluding label/macro
// images) and for accepting near-integer downsample factors.
const downsampleTolerance = 0.05

// Level is one pyramid level: an IFD plus its derived downsample factor
// relative to level 0, ordered from full resolution outward (spec §4.4).
type Level struct {
	IFD        *IFD
	Downsample float64
}

// BuildPyramid classifies a slide's raw IFD list into an ordered pyramid,
// dropping auxiliary images (label, macro, thumbnail) that do not share
// level 0's aspect ratio within tolerance. Level 0 is the IFD with the
// largest Width, per spec §4.4's "widest tiled IFD is level 0" rule.
func BuildPyramid(ifds []*IFD) ([]Level, error) {
	var tiled []*IFD
	for _, ifd := range ifds {
		if ifd.TileWidth > 0 && ifd.TileHeight > 0 && ifd.Width > 0 && ifd.Height > 0 {
			tiled = append(tiled, ifd)
		}
	}
	if len(tiled) == 0 {
		return nil, NewError(KindUnsupportedFormat, "no tiled IFDs found", nil)
	}

	base := tiled[0]
	for _, ifd := range tiled[1:] {
		if ifd.Width > base.Width {
			base = ifd
		}
	}

	var levels []Level
	for _, ifd := range tiled {
		downsampleX := float64(base.Width) / float64(ifd.Width)
		downsampleY := float64(base.Height) / float64(ifd.Height)
		if relDiff(downsampleX, downsampleY) >= downsampleTolerance {
			continue // label/macro/thumbnail: aspect ratio doesn't track level 0
		}
		if !isApproximatelyInteger(downsampleX) {
			continue
		}
		levels = append(levels, Level{IFD: ifd, Downsample: downsampleX})
	}

	sort.Slice(levels, func(i, j int) bool { return levels[i].Downsample < levels[j].Downsample })

	return levels, nil
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	d := (a - b) / b
	if d < 0 {
		d = -d
	}
	return d
}

// isApproximatelyInteger reports whether downsample is within
// downsampleTolerance of a positive integer, per spec §4.4.
func isApproximatelyInteger(downsample float64) bool {
	rounded := float64(int64(downsample + 0.5))
	if rounded < 1 {
		return false
	}
	return relDiff(downsample, rounded) < downsampleTolerance
}
