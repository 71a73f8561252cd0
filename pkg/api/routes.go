package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/open-teleop/blobtracker/domain/diagnostic"
	"github.com/open-teleop/blobtracker/domain/teleop"
	"github.com/open-teleop/blobtracker/domain/video"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
)

// ControlServices are the domain services behind the control routes. Nil
// services leave their routes unregistered.
type ControlServices struct {
	Teleop      *teleop.TeleopService
	Diagnostics *diagnostic.DiagnosticService
	Video       *video.VideoService
}

// RegisterControlRoutes registers status, control, diagnostics and preview endpoints.
func RegisterControlRoutes(app *fiber.App, svc ControlServices, logger customlog.Logger) {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "online",
			"service": "blob tracker",
		})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	v1 := app.Group("/api/v1")

	if svc.Teleop != nil {
		control := v1.Group("/control")
		control.Post("/stop", svc.Teleop.StopHandler)
		control.Get("/settings", svc.Teleop.SettingsHandler)
	}
	if svc.Diagnostics != nil {
		v1.Get("/diagnostics", svc.Diagnostics.GetMetricsHandler)
	}
	if svc.Video != nil {
		v1.Get("/video/:view", svc.Video.StreamHandler)
	}

	logger.Infof("Registered control API endpoints under /api/v1")
}

// ErrorHandler renders errors as JSON, keeping fiber's status codes.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
