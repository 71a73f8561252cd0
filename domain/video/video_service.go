package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/open-teleop/blobtracker/domain/tracking"
	"golang.org/x/image/draw"
)

// Views served by the preview endpoint.
const (
	ViewFrame  = "frame"
	ViewMask   = "mask"
	ViewMasked = "masked"
)

// DefaultPreviewWidth matches the calibration preview tiles.
const DefaultPreviewWidth = 300

// ErrNoFrame is returned before the first tick.
var ErrNoFrame = errors.New("no frame captured yet")

// VideoService keeps the latest frame and mask for calibration previews.
// Frames and masks are never mutated after a tick, so holding references is safe.
type VideoService struct {
	mu    sync.RWMutex
	frame image.Image
	mask  *image.Gray
	seq   uint64
	width int
}

// NewVideoService creates a new video service instance
func NewVideoService(previewWidth int) *VideoService {
	if previewWidth <= 0 {
		previewWidth = DefaultPreviewWidth
	}
	return &VideoService{width: previewWidth}
}

// Publish records the tick's frame and mask.
func (s *VideoService) Publish(t tracking.Telemetry) {
	if t.Frame == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = t.Frame
	s.mask = t.Mask
	s.seq = t.Seq
}

// Render returns the requested view scaled to the preview width.
func (s *VideoService) Render(view string) (image.Image, uint64, error) {
	s.mu.RLock()
	frame, mask, seq := s.frame, s.mask, s.seq
	s.mu.RUnlock()

	if frame == nil {
		return nil, 0, ErrNoFrame
	}

	var src image.Image
	switch view {
	case ViewFrame:
		src = frame
	case ViewMask:
		if mask == nil {
			return nil, seq, ErrNoFrame
		}
		src = mask
	case ViewMasked:
		if mask == nil {
			return nil, seq, ErrNoFrame
		}
		src = applyMask(frame, mask)
	default:
		return nil, seq, fmt.Errorf("unknown view %q", view)
	}
	return Scale(src, s.width), seq, nil
}

// StreamHandler serves GET /api/v1/video/:view as a JPEG snapshot.
func (s *VideoService) StreamHandler(c *fiber.Ctx) error {
	view := c.Params("view")
	img, seq, err := s.Render(view)
	switch {
	case errors.Is(err, ErrNoFrame):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set("X-Frame-Seq", fmt.Sprint(seq))
	return c.Send(buf.Bytes())
}

// Scale resizes src to width, keeping the aspect ratio. Images already
// narrower than width are returned unchanged.
func Scale(src image.Image, width int) image.Image {
	b := src.Bounds()
	if b.Dx() <= width || b.Dx() == 0 {
		return src
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// applyMask keeps frame pixels where mask is set and blacks out the rest.
func applyMask(frame image.Image, mask *image.Gray) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	// A Gray image is opaque everywhere; reinterpret its bytes as coverage.
	alpha := &image.Alpha{Pix: mask.Pix, Stride: mask.Stride, Rect: mask.Rect}
	draw.DrawMask(out, out.Bounds(), frame, b.Min, alpha, mask.Rect.Min, draw.Over)
	return out
}
