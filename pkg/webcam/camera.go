// Package webcam reads frames from an OpenCV capture device.
package webcam

import (
	"context"
	"image"
	"io"

	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Settings for opening a capture device.
type Settings struct {
	Device int
	// File, when set, is opened instead of Device and ends with io.EOF.
	File   string
	Width  int
	Height int
	FPS    int
}

// Camera is a tracking.FrameSource over gocv.VideoCapture.
type Camera struct {
	capture *gocv.VideoCapture
	frame   gocv.Mat
	file    bool
	logger  customlog.Logger
}

// Open starts capturing and requests the configured geometry. The driver may
// ignore the request; frames report their real size.
func Open(s Settings, logger customlog.Logger) (*Camera, error) {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if s.File != "" {
		capture, err = gocv.VideoCaptureFile(s.File)
		if err != nil {
			return nil, errors.Wrapf(err, "open video file %s", s.File)
		}
	} else {
		capture, err = gocv.VideoCaptureDevice(s.Device)
		if err != nil {
			return nil, errors.Wrapf(err, "open camera %d", s.Device)
		}
		if s.Width > 0 {
			capture.Set(gocv.VideoCaptureFrameWidth, float64(s.Width))
		}
		if s.Height > 0 {
			capture.Set(gocv.VideoCaptureFrameHeight, float64(s.Height))
		}
		if s.FPS > 0 {
			capture.Set(gocv.VideoCaptureFPS, float64(s.FPS))
		}
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.Errorf("capture device %d not opened", s.Device)
	}

	logger.Infof("Camera opened: %.0fx%.0f @ %.0f fps",
		capture.Get(gocv.VideoCaptureFrameWidth),
		capture.Get(gocv.VideoCaptureFrameHeight),
		capture.Get(gocv.VideoCaptureFPS))

	return &Camera{
		capture: capture,
		frame:   gocv.NewMat(),
		file:    s.File != "",
		logger:  logger,
	}, nil
}

// Next blocks for the next frame and returns it as an *image.RGBA.
func (c *Camera) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.capture.Read(&c.frame); !ok || c.frame.Empty() {
		if c.file {
			return nil, io.EOF
		}
		return nil, errors.New("failed to grab frame")
	}
	img, err := c.frame.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "convert frame")
	}
	return img, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	if err := c.frame.Close(); err != nil {
		return errors.Wrap(err, "release frame buffer")
	}
	return errors.Wrap(c.capture.Close(), "release camera")
}
