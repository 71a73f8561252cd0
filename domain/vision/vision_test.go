package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// target is inside the default color range: H=60 S=102 V=200.
var target = color.RGBA{R: 120, G: 200, B: 120, A: 255}

func newFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func countForeground(mask *image.Gray) int {
	n := 0
	for _, px := range mask.Pix {
		if px == foreground {
			n++
		}
	}
	return n
}

func TestRGBToHSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		r, g, b uint8
		h, s, v uint8
	}{
		{"black", 0, 0, 0, 0, 0, 0},
		{"white", 255, 255, 255, 0, 0, 255},
		{"gray", 128, 128, 128, 0, 0, 128},
		{"red", 255, 0, 0, 0, 255, 255},
		{"green", 0, 255, 0, 60, 255, 255},
		{"blue", 0, 0, 255, 120, 255, 255},
		{"yellow", 255, 255, 0, 30, 255, 255},
		{"magenta", 255, 0, 255, 150, 255, 255},
		{"target", 120, 200, 120, 60, 102, 200},
		{"red wrapping below zero", 255, 0, 1, 0, 255, 255},
	}
	for _, tc := range tests {
		h, s, v := RGBToHSV(tc.r, tc.g, tc.b)
		assert.Equal(t, [3]uint8{tc.h, tc.s, tc.v}, [3]uint8{h, s, v}, tc.name)
	}
}

func TestThresholdInclusiveBounds(t *testing.T) {
	t.Parallel()

	frame := newFrame(3, 1)
	frame.SetRGBA(0, 0, target)
	frame.SetRGBA(1, 0, color.RGBA{R: 255, A: 255})
	frame.SetRGBA(2, 0, target)

	// Exact bounds on every channel must still match.
	r := tuning.ColorRange{Lower: tuning.HSV{H: 60, S: 102, V: 200}, Upper: tuning.HSV{H: 60, S: 102, V: 200}}
	mask := Threshold(frame, r)
	assert.Equal(t, []uint8{255, 0, 255}, mask.Pix)
}

func TestThresholdGenericImagePath(t *testing.T) {
	t.Parallel()

	nrgba := image.NewNRGBA(image.Rect(10, 10, 14, 12))
	for y := 10; y < 12; y++ {
		for x := 10; x < 14; x++ {
			nrgba.SetNRGBA(x, y, color.NRGBA{R: 120, G: 200, B: 120, A: 255})
		}
	}
	mask := Threshold(nrgba, tuning.DefaultColorRange())
	assert.Equal(t, image.Rect(0, 0, 4, 2), mask.Bounds())
	assert.Equal(t, 8, countForeground(mask))
}

func TestSegmentKeepsSolidBlob(t *testing.T) {
	t.Parallel()

	frame := newFrame(100, 80)
	fillRect(frame, image.Rect(30, 20, 60, 50), target)

	mask := Segment(frame, tuning.DefaultColorRange())
	assert.Equal(t, 30*30, countForeground(mask))
	assert.Equal(t, foreground, mask.GrayAt(30, 20).Y)
	assert.Equal(t, foreground, mask.GrayAt(59, 49).Y)
	assert.Equal(t, background, mask.GrayAt(29, 20).Y)
}

func TestSegmentRemovesSpecksAndFillsHoles(t *testing.T) {
	t.Parallel()

	frame := newFrame(100, 80)
	fillRect(frame, image.Rect(30, 20, 60, 50), target)
	// A 2x2 speck far from the blob.
	fillRect(frame, image.Rect(80, 5, 82, 7), target)
	// A 2x2 hole inside the blob.
	fillRect(frame, image.Rect(44, 34, 46, 36), color.RGBA{A: 255})

	mask := Segment(frame, tuning.DefaultColorRange())
	assert.Equal(t, background, mask.GrayAt(80, 5).Y, "speck should be opened away")
	assert.Equal(t, foreground, mask.GrayAt(44, 34).Y, "hole should be closed")
	assert.Equal(t, 30*30, countForeground(mask))
}

func TestSegmentOpensBeforeClosing(t *testing.T) {
	t.Parallel()

	frame := newFrame(100, 80)
	fillRect(frame, image.Rect(30, 20, 60, 50), target)
	// A 6x4 speck one row below the blob. Closing first would bridge the gap.
	fillRect(frame, image.Rect(42, 51, 48, 55), target)

	mask := Segment(frame, tuning.DefaultColorRange())
	assert.Equal(t, 30*30, countForeground(mask))
	assert.Equal(t, background, mask.GrayAt(44, 52).Y)
	assert.Equal(t, background, mask.GrayAt(44, 50).Y)

	reversed := Threshold(frame, tuning.DefaultColorRange())
	closeMask(reversed, KernelSize)
	open(reversed, KernelSize)
	assert.Equal(t, 30*30+30, countForeground(reversed))
}

func TestSegmentBlobTouchingBorderSurvives(t *testing.T) {
	t.Parallel()

	frame := newFrame(40, 40)
	fillRect(frame, image.Rect(0, 0, 10, 10), target)

	mask := Segment(frame, tuning.DefaultColorRange())
	assert.Equal(t, 100, countForeground(mask))
	assert.Equal(t, foreground, mask.GrayAt(0, 0).Y)
}

func TestSegmentEmptyFrame(t *testing.T) {
	t.Parallel()

	mask := Segment(newFrame(0, 0), tuning.DefaultColorRange())
	assert.Equal(t, 0, countForeground(mask))
	assert.Nil(t, Locate(mask, 0, 10))
}

func maskWith(w, h int, points []image.Point) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for _, p := range points {
		mask.SetGray(p.X, p.Y, color.Gray{Y: foreground})
	}
	return mask
}

func TestLocateEmptyMaskIsAbsentForAnyBounds(t *testing.T) {
	t.Parallel()

	mask := image.NewGray(image.Rect(0, 0, 64, 48))
	for _, bounds := range [][2]int{{0, 0}, {0, 1 << 30}, {500, 50000}} {
		assert.Nil(t, Locate(mask, bounds[0], bounds[1]))
	}
}

func TestLocateCentroidWithinBounds(t *testing.T) {
	t.Parallel()

	for area := 1; area <= 40; area++ {
		// A horizontal run from (5, 7) of length area; centroid is known exactly.
		points := make([]image.Point, area)
		for i := range points {
			points[i] = image.Point{X: 5 + i, Y: 7}
		}
		obs := Locate(maskWith(64, 16, points), 1, 40)
		require.NotNil(t, obs, "area %d", area)
		assert.Equal(t, area, obs.Area)
		assert.Equal(t, image.Point{X: 5 + (area-1)/2, Y: 7}, obs.Position)
	}
}

func TestLocateAreaGating(t *testing.T) {
	t.Parallel()

	points := []image.Point{{1, 1}, {2, 1}, {3, 1}, {4, 1}}
	mask := maskWith(10, 10, points)

	assert.NotNil(t, Locate(mask, 4, 4), "bounds are inclusive")
	assert.Nil(t, Locate(mask, 5, 100), "too small")
	assert.Nil(t, Locate(mask, 1, 3), "too large")
}

func TestLocateMergesDisjointRegions(t *testing.T) {
	t.Parallel()

	// Two single pixels at opposite corners average to the middle.
	mask := maskWith(11, 11, []image.Point{{0, 0}, {10, 10}})
	obs := Locate(mask, 1, 10)
	require.NotNil(t, obs)
	assert.Equal(t, image.Point{X: 5, Y: 5}, obs.Position)
	assert.Equal(t, 2, obs.Area)
}

func TestLocateTruncatesMean(t *testing.T) {
	t.Parallel()

	// Mean y = (0+0+1)/3 = 0.33 -> 0, mean x = (0+1+1)/3 = 0.66 -> 0.
	mask := maskWith(4, 4, []image.Point{{0, 0}, {1, 0}, {1, 1}})
	obs := Locate(mask, 1, 10)
	require.NotNil(t, obs)
	assert.Equal(t, image.Point{X: 0, Y: 0}, obs.Position)
}

func TestSegmentThenLocate(t *testing.T) {
	t.Parallel()

	frame := newFrame(640, 480)
	fillRect(frame, image.Rect(300, 280, 340, 320), target)

	obs := Locate(Segment(frame, tuning.DefaultColorRange()), 500, 50000)
	require.NotNil(t, obs)
	assert.Equal(t, 1600, obs.Area)
	assert.Equal(t, image.Point{X: 319, Y: 299}, obs.Position)
}
