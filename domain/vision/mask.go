// Package vision turns camera frames into a binary foreground mask and reduces
// the mask to a single observation.
package vision

import (
	"image"
	"image/color"

	"github.com/open-teleop/blobtracker/domain/tuning"
)

const (
	// KernelSize is the side of the square structuring element used for denoising.
	KernelSize = 5

	foreground uint8 = 255
	background uint8 = 0
)

// Segment thresholds frame in HSV space against r and cleans the result with a
// morphological opening followed by a closing. The returned mask has the same
// size as frame with its origin at (0, 0).
func Segment(frame image.Image, r tuning.ColorRange) *image.Gray {
	mask := Threshold(frame, r)
	open(mask, KernelSize)
	closeMask(mask, KernelSize)
	return mask
}

// Threshold marks a pixel foreground iff its HSV value is inside r. No denoising.
func Threshold(frame image.Image, r tuning.ColorRange) *image.Gray {
	b := frame.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))

	if rgba, ok := frame.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			src := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := mask.Pix[y*mask.Stride:]
			for x := 0; x < w; x++ {
				i := x * 4
				hh, s, v := RGBToHSV(src[i], src[i+1], src[i+2])
				if r.Contains(hh, s, v) {
					dst[x] = foreground
				}
			}
		}
		return mask
	}

	for y := 0; y < h; y++ {
		dst := mask.Pix[y*mask.Stride:]
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(frame.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			hh, s, v := RGBToHSV(c.R, c.G, c.B)
			if r.Contains(hh, s, v) {
				dst[x] = foreground
			}
		}
	}
	return mask
}

// RGBToHSV converts an 8-bit RGB pixel to 8-bit HSV with hue in [0, 179],
// following OpenCV's COLOR_BGR2HSV for CV_8U images. OpenCV uses lookup tables
// for the divisions, so S and H can differ from it by one on rounding edges.
func RGBToHSV(r, g, b uint8) (h, s, v uint8) {
	ri, gi, bi := int(r), int(g), int(b)
	maxC := max(ri, gi, bi)
	minC := min(ri, gi, bi)
	diff := maxC - minC

	v = uint8(maxC)
	if maxC == 0 {
		return 0, 0, v
	}
	s = uint8((255*diff + maxC/2) / maxC)
	if diff == 0 {
		return 0, s, v
	}

	var hue float64
	switch maxC {
	case ri:
		hue = 60 * float64(gi-bi) / float64(diff)
	case gi:
		hue = 120 + 60*float64(bi-ri)/float64(diff)
	default:
		hue = 240 + 60*float64(ri-gi)/float64(diff)
	}
	if hue < 0 {
		hue += 360
	}
	// OpenCV halves hue to fit a byte and rounds to nearest.
	half := int(hue/2 + 0.5)
	if half >= 180 {
		half -= 180
	}
	return uint8(half), s, v
}

// open removes specks smaller than the kernel: erode then dilate.
func open(mask *image.Gray, k int) {
	erode(mask, k)
	dilate(mask, k)
}

// closeMask fills holes smaller than the kernel: dilate then erode.
func closeMask(mask *image.Gray, k int) {
	dilate(mask, k)
	erode(mask, k)
}

// erode keeps a pixel only if every in-bounds pixel of the k×k square around it
// is foreground. Pixels outside the image never erode the border.
func erode(mask *image.Gray, k int) {
	morph(mask, k, func(count, window int) bool { return count == window })
}

// dilate sets a pixel if any in-bounds pixel of the k×k square around it is foreground.
func dilate(mask *image.Gray, k int) {
	morph(mask, k, func(count, _ int) bool { return count > 0 })
}

// morph applies a square structuring element as a horizontal pass followed by a
// vertical pass, each a sliding count over the clipped window.
func morph(mask *image.Gray, k int, keep func(count, window int) bool) {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	if w == 0 || h == 0 {
		return
	}
	half := k / 2
	line := make([]uint8, max(w, h))

	// Rows.
	for y := 0; y < h; y++ {
		row := mask.Pix[y*mask.Stride : y*mask.Stride+w]
		copy(line, row)
		slide(line[:w], half, keep, func(i int, on bool) {
			if on {
				row[i] = foreground
			} else {
				row[i] = background
			}
		})
	}

	// Columns.
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			line[y] = mask.Pix[y*mask.Stride+x]
		}
		slide(line[:h], half, keep, func(i int, on bool) {
			if on {
				mask.Pix[i*mask.Stride+x] = foreground
			} else {
				mask.Pix[i*mask.Stride+x] = background
			}
		})
	}
}

// slide walks a window of radius half over src and reports keep(count, size)
// for every position, where count is the number of foreground samples in the
// clipped window and size its length.
func slide(src []uint8, half int, keep func(count, window int) bool, set func(i int, on bool)) {
	n := len(src)
	count := 0
	// Prime with the window around index 0: [0, half].
	for i := 0; i <= half && i < n; i++ {
		if src[i] != background {
			count++
		}
	}
	for i := 0; i < n; i++ {
		lo := max(i-half, 0)
		hi := min(i+half, n-1)
		set(i, keep(count, hi-lo+1))

		// Advance to i+1: drop i-half, add i+1+half.
		if out := i - half; out >= 0 && src[out] != background {
			count--
		}
		if in := i + 1 + half; in < n && src[in] != background {
			count++
		}
	}
}
