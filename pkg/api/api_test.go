package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/open-teleop/blobtracker/domain/diagnostic"
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/domain/video"
	"github.com/open-teleop/blobtracker/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCalibrationApp(t *testing.T) (*fiber.App, services.CalibrationService) {
	t.Helper()
	store, err := tuning.NewStore(tuning.DefaultColorRange(), tuning.DefaultParams())
	require.NoError(t, err)
	calibration, err := services.NewCalibrationService(store, nil)
	require.NoError(t, err)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterCalibrationRoutes(app, calibration, nil)
	return app, calibration
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestGetCalibration(t *testing.T) {
	app, _ := newCalibrationApp(t)

	code, body := do(t, app, "GET", "/api/v1/calibration", "")
	require.Equal(t, fiber.StatusOK, code)

	var got CalibrationResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, [3]int{34, 64, 143}, got.Tuning.Lower)
	assert.Equal(t, 30, got.Tuning.DeadZone)
}

func TestUpdateColorRange(t *testing.T) {
	app, calibration := newCalibrationApp(t)

	code, body := do(t, app, "PUT", "/api/v1/calibration/color-range", `{"lower":[100,150,50],"upper":[130,255,255]}`)
	require.Equal(t, fiber.StatusOK, code, string(body))

	var got ColorRangeResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, [3]int{100, 150, 50}, got.Lower)

	assert.Equal(t, tuning.HSV{H: 130, S: 255, V: 255}, calibration.Snapshot().Color.Upper)

	code, body = do(t, app, "GET", "/api/v1/calibration/color-range", "")
	require.Equal(t, fiber.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, [3]int{130, 255, 255}, got.Upper)
}

func TestUpdateColorRangeRejected(t *testing.T) {
	app, calibration := newCalibrationApp(t)
	before := calibration.Snapshot()

	for name, body := range map[string]string{
		"empty":             "",
		"not json":          "{",
		"lower above upper": `{"lower":[90,0,0],"upper":[80,255,255]}`,
		"hue out of range":  `{"lower":[0,0,0],"upper":[180,255,255]}`,
		"negative":          `{"lower":[-1,0,0],"upper":[10,255,255]}`,
	} {
		t.Run(name, func(t *testing.T) {
			code, resp := do(t, app, "PUT", "/api/v1/calibration/color-range", body)
			assert.Equal(t, fiber.StatusBadRequest, code)
			assert.Contains(t, string(resp), `"error"`)
		})
	}
	assert.Equal(t, before, calibration.Snapshot())
}

func TestUpdateParams(t *testing.T) {
	app, calibration := newCalibrationApp(t)

	code, body := do(t, app, "PUT", "/api/v1/calibration/params", `{"dead_zone":50,"command_interval_ms":20}`)
	require.Equal(t, fiber.StatusOK, code, string(body))

	var got ParamsResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, 50, got.DeadZone)
	assert.Equal(t, 20, got.CommandIntervalMs)
	assert.Equal(t, 180, got.MinSpeed, "unspecified fields keep their value")

	p := calibration.Snapshot().Params
	assert.Equal(t, 20*time.Millisecond, p.CommandInterval)

	code, _ = do(t, app, "PUT", "/api/v1/calibration/params", `{"min_area":60000}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
	code, _ = do(t, app, "PUT", "/api/v1/calibration/params", `{"command_interval_ms":0}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Equal(t, p, calibration.Snapshot().Params)

	code, body = do(t, app, "GET", "/api/v1/calibration/params", "")
	require.Equal(t, fiber.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 50, got.DeadZone)
}

func TestControlRoutes(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	diag := diagnostic.NewDiagnosticService("run-1", func(context.Context) (diagnostic.HostStats, error) {
		return diagnostic.HostStats{}, nil
	})
	RegisterControlRoutes(app, ControlServices{
		Diagnostics: diag,
		Video:       video.NewVideoService(0),
	}, nil)

	code, body := do(t, app, "GET", "/health", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	code, body = do(t, app, "GET", "/api/v1/diagnostics", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Contains(t, string(body), `"run-1"`)

	code, _ = do(t, app, "GET", "/api/v1/video/frame", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, code)

	// Teleop was not supplied.
	code, body = do(t, app, "POST", "/api/v1/control/stop", "")
	assert.Equal(t, fiber.StatusNotFound, code)
	assert.Contains(t, string(body), `"error"`)
}

func TestTelemetryHubFanOut(t *testing.T) {
	hub := NewTelemetryHub(nil)
	a, ok := hub.register()
	require.True(t, ok)
	b, ok := hub.register()
	require.True(t, ok)
	assert.Equal(t, 2, hub.ClientCount())

	require.NoError(t, hub.PublishMessage("tracker.telemetry", []byte(`{"seq":1}`)))
	assert.Equal(t, `{"seq":1}`, string(<-a.send))
	assert.Equal(t, `{"seq":1}`, string(<-b.send))

	hub.unregister(a)
	hub.unregister(a)
	assert.Equal(t, 1, hub.ClientCount())
	_, open := <-a.send
	assert.False(t, open)

	hub.Close()
	_, open = <-b.send
	assert.False(t, open)
	_, ok = hub.register()
	assert.False(t, ok, "closed hub refuses clients")
	assert.NoError(t, hub.PublishMessage("tracker.telemetry", []byte("{}")))
}

func TestTelemetryHubDropsForSlowClient(t *testing.T) {
	hub := NewTelemetryHub(nil)
	c, _ := hub.register()

	for i := 0; i < clientBuffer+5; i++ {
		require.NoError(t, hub.PublishMessage("tracker.telemetry", []byte("x")))
	}
	assert.Len(t, c.send, clientBuffer)
}

func TestTelemetryRouteRequiresUpgrade(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterTelemetryRoutes(app, NewTelemetryHub(nil))

	code, _ := do(t, app, "GET", "/ws/telemetry", "")
	assert.Equal(t, fiber.StatusUpgradeRequired, code)
}
