package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/pkg/config"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"github.com/open-teleop/blobtracker/services"
)

// CalibrationHandler holds dependencies for calibration API endpoints.
type CalibrationHandler struct {
	calibration services.CalibrationService
	logger      customlog.Logger
}

// NewCalibrationHandler creates a new handler for calibration endpoints.
func NewCalibrationHandler(calibration services.CalibrationService, logger customlog.Logger) *CalibrationHandler {
	if calibration == nil {
		panic("CalibrationService cannot be nil in NewCalibrationHandler")
	}
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &CalibrationHandler{
		calibration: calibration,
		logger:      logger,
	}
}

// RegisterCalibrationRoutes registers the calibration API endpoints with the Fiber app.
func RegisterCalibrationRoutes(app *fiber.App, calibration services.CalibrationService, logger customlog.Logger) {
	h := NewCalibrationHandler(calibration, logger)

	group := app.Group("/api/v1/calibration")
	group.Get("/", h.handleGetCalibration)
	group.Get("/color-range", h.handleGetColorRange)
	group.Put("/color-range", h.handleUpdateColorRange)
	group.Get("/params", h.handleGetParams)
	group.Put("/params", h.handleUpdateParams)

	h.logger.Infof("Registered calibration API endpoints under /api/v1/calibration")
}

func (h *CalibrationHandler) handleGetCalibration(c *fiber.Ctx) error {
	s := h.calibration.Snapshot()
	return c.JSON(CalibrationResponse{
		Version: s.Version,
		Tuning:  config.FromTuning(s.Color, s.Params),
	})
}

func (h *CalibrationHandler) handleGetColorRange(c *fiber.Ctx) error {
	return c.JSON(newColorRangeResponse(h.calibration.Snapshot()))
}

// handleUpdateColorRange replaces the color range. Both bounds are required.
func (h *CalibrationHandler) handleUpdateColorRange(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return badRequest(c, "Request body cannot be empty.")
	}

	var req ColorRangeBody
	if err := json.Unmarshal(body, &req); err != nil {
		return badRequest(c, fmt.Sprintf("Invalid JSON body: %v", err))
	}

	r, err := req.toColorRange()
	if err != nil {
		return h.commitFailed(c, err)
	}
	snap, err := h.calibration.CommitColorRange(r)
	if err != nil {
		return h.commitFailed(c, err)
	}
	return c.JSON(newColorRangeResponse(snap))
}

func (h *CalibrationHandler) handleGetParams(c *fiber.Ctx) error {
	return c.JSON(newParamsResponse(h.calibration.Snapshot()))
}

// handleUpdateParams overlays the supplied fields on the active parameters.
func (h *CalibrationHandler) handleUpdateParams(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return badRequest(c, "Request body cannot be empty.")
	}

	var syntaxErr error
	snap, err := h.calibration.EditParams(func(current tuning.Params) (tuning.Params, error) {
		req := newParamsBody(current)
		if err := json.Unmarshal(body, &req); err != nil {
			syntaxErr = err
			return current, err
		}
		return req.toParams()
	})
	if syntaxErr != nil {
		return badRequest(c, fmt.Sprintf("Invalid JSON body: %v", syntaxErr))
	}
	if err != nil {
		return h.commitFailed(c, err)
	}
	return c.JSON(newParamsResponse(snap))
}

func (h *CalibrationHandler) commitFailed(c *fiber.Ctx, err error) error {
	var verr *tuning.ValidationError
	if errors.As(err, &verr) {
		return badRequest(c, fmt.Sprintf("Calibration update rejected: %v", err))
	}
	h.logger.Errorf("Calibration update failed: %v", err)
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
		"error": fmt.Sprintf("Internal server error during calibration update: %v", err),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
