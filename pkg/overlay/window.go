// Package overlay shows the annotated camera view in an OpenCV window and maps
// key presses to operator controls.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/open-teleop/blobtracker/domain/motion"
	"github.com/open-teleop/blobtracker/domain/tracking"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"gocv.io/x/gocv"
)

var (
	green  = color.RGBA{G: 255, A: 255}
	red    = color.RGBA{R: 255, A: 255}
	blue   = color.RGBA{B: 255, A: 255}
	yellow = color.RGBA{R: 255, G: 255, A: 255}
	white  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	gray   = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

// Controls are invoked from the window goroutine on key press. Nil hooks are skipped.
type Controls struct {
	Quit     func() // q
	Stop     func() // space
	Settings func() // s
}

// Window is a synchronous tracking.TelemetrySink. Each Publish draws one frame
// and polls the keyboard for one millisecond.
type Window struct {
	window   *gocv.Window
	mask     *gocv.Window
	controls Controls
	logger   customlog.Logger

	mu     sync.Mutex
	closed bool
}

// NewWindow opens the tracking window and, if showMask is set, a second window
// with the binary mask.
func NewWindow(title string, showMask bool, controls Controls, logger customlog.Logger) *Window {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	w := &Window{
		window:   gocv.NewWindow(title),
		controls: controls,
		logger:   logger,
	}
	if showMask {
		w.mask = gocv.NewWindow(title + " mask")
	}
	logger.Infof("Overlay window open. Keys: q quit, space emergency stop, s print settings")
	return w
}

// Publish renders t.
func (w *Window) Publish(t tracking.Telemetry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || t.Frame == nil {
		return
	}

	img, err := gocv.ImageToMatRGB(t.Frame)
	if err != nil {
		w.logger.Warnf("Overlay conversion failed: %v", err)
		return
	}
	defer img.Close()

	draw(&img, t)
	w.window.IMShow(img)

	if w.mask != nil && t.Mask != nil {
		if m, err := gocv.ImageGrayToMatGray(t.Mask); err == nil {
			w.mask.IMShow(m)
			m.Close()
		}
	}

	w.handleKey(w.window.WaitKey(1))
}

func (w *Window) handleKey(key int) {
	var hook func()
	switch key {
	case 'q', 'Q':
		hook = w.controls.Quit
	case ' ':
		hook = w.controls.Stop
	case 's', 'S':
		hook = w.controls.Settings
	}
	if hook != nil {
		hook()
	}
}

// Close destroys the windows.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.mask != nil {
		w.mask.Close()
	}
	return w.window.Close()
}

func draw(img *gocv.Mat, t tracking.Telemetry) {
	width, height := img.Cols(), img.Rows()
	centerY := height / 2

	gocv.Line(img, image.Pt(0, centerY), image.Pt(width, centerY), green, 2)
	gocv.Line(img, image.Pt(0, centerY-t.DeadZone), image.Pt(width, centerY-t.DeadZone), gray, 1)
	gocv.Line(img, image.Pt(0, centerY+t.DeadZone), image.Pt(width, centerY+t.DeadZone), gray, 1)

	lines := []string{}
	if obs := t.Observation; obs != nil {
		gocv.Circle(img, obs.Position, 10, red, -1)
		gocv.Line(img, obs.Position, image.Pt(obs.Position.X, centerY), blue, 2)
		lines = append(lines,
			fmt.Sprintf("Pixels: %d", obs.Area),
			fmt.Sprintf("Position: (%d, %d)", obs.Position.X, obs.Position.Y),
		)
	}
	lines = append(lines,
		fmt.Sprintf("Speed: %d", t.Decision.Speed),
		fmt.Sprintf("HSV: %s - %s", t.ColorRange.Lower, t.ColorRange.Upper),
		t.Status,
	)
	for i, s := range lines {
		gocv.PutText(img, s, image.Pt(10, 25+22*i), gocv.FontHersheySimplex, 0.6, white, 2)
	}

	arrowX := width - 40
	switch t.Decision.Label {
	case motion.LabelForward:
		gocv.ArrowedLine(img, image.Pt(arrowX, centerY-40), image.Pt(arrowX, centerY+40), yellow, 4)
	case motion.LabelBackward:
		gocv.ArrowedLine(img, image.Pt(arrowX, centerY+40), image.Pt(arrowX, centerY-40), yellow, 4)
	case motion.LabelLost:
		gocv.PutText(img, "LOST", image.Pt(width-90, centerY), gocv.FontHersheySimplex, 0.8, red, 2)
	}
}
