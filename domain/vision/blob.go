package vision

import (
	"fmt"
	"image"
)

// Observation is the object position found in one frame.
type Observation struct {
	// Position is the mean of all foreground pixel coordinates, truncated.
	Position image.Point `json:"position"`
	// Area is the number of foreground pixels.
	Area int `json:"area"`
}

func (o Observation) String() string {
	return fmt.Sprintf("(%d, %d) area=%d", o.Position.X, o.Position.Y, o.Area)
}

// Locate reduces mask to one observation. It returns nil when the mask is empty
// or the foreground count falls outside [minArea, maxArea]. Separate regions
// are averaged together into a single point.
func Locate(mask *image.Gray, minArea, maxArea int) *Observation {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()

	var area, sumX, sumY int64
	for y := 0; y < h; y++ {
		row := mask.Pix[y*mask.Stride : y*mask.Stride+w]
		for x, px := range row {
			if px == foreground {
				area++
				sumX += int64(x)
				sumY += int64(y)
			}
		}
	}

	if area == 0 {
		return nil
	}
	if area < int64(minArea) || area > int64(maxArea) {
		return nil
	}

	return &Observation{
		Position: image.Point{
			X: b.Min.X + int(sumX/area),
			Y: b.Min.Y + int(sumY/area),
		},
		Area: int(area),
	}
}
