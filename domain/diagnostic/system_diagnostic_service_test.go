package diagnostic

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/open-teleop/blobtracker/domain/motion"
	"github.com/open-teleop/blobtracker/domain/tracking"
	"github.com/open-teleop/blobtracker/domain/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedHost(ctx context.Context) (HostStats, error) {
	return HostStats{CPUUsage: 12.5, MemoryUsage: 40, MemoryUsed: 1 << 30}, nil
}

func TestPublishAggregates(t *testing.T) {
	svc := NewDiagnosticService("run-1", fixedHost)

	svc.Publish(tracking.Telemetry{
		Observation:  &vision.Observation{Position: image.Pt(1, 2), Area: 900},
		Decision:     motion.Decision{Speed: 180, Label: motion.LabelForward},
		Status:       "FORWARD 180",
		Dispatched:   true,
		TickDuration: 10 * time.Millisecond,
	})
	svc.Publish(tracking.Telemetry{
		Decision:      motion.Decision{Label: motion.LabelLost},
		Status:        "STOP - Lost tracking",
		Dispatched:    true,
		DispatchError: "dispatch failed: channel A: timeout",
		LostFrames:    1,
		TickDuration:  30 * time.Millisecond,
	})
	svc.Publish(tracking.Telemetry{
		Decision:     motion.Decision{Label: motion.LabelLost},
		LostFrames:   2,
		TickDuration: 20 * time.Millisecond,
	})

	m := svc.GetMetrics(context.Background())
	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, LoopMetrics{
		Frames:           3,
		LostFrames:       2,
		ConsecutiveLost:  2,
		DispatchAttempts: 2,
		DispatchFailures: 1,
		LastDispatchErr:  "dispatch failed: channel A: timeout",
		LastSpeed:        0,
		LastLabel:        motion.LabelLost,
		LastStatus:       "",
		AvgTick:          20 * time.Millisecond,
		MaxTick:          30 * time.Millisecond,
	}, m.Loop)
	require.NotNil(t, m.Host)
	assert.Equal(t, 12.5, m.Host.CPUUsage)
}

func TestHostErrorReported(t *testing.T) {
	svc := NewDiagnosticService("run-2", func(context.Context) (HostStats, error) {
		return HostStats{}, errors.New("no /proc")
	})
	m := svc.GetMetrics(context.Background())
	assert.Nil(t, m.Host)
	assert.Equal(t, "no /proc", m.HostError)
}

func TestGetMetricsHandler(t *testing.T) {
	svc := NewDiagnosticService("run-3", fixedHost)
	svc.Publish(tracking.Telemetry{Decision: motion.Decision{Label: motion.LabelCentered}})

	app := fiber.New()
	app.Get("/api/v1/diagnostics", svc.GetMetricsHandler)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/diagnostics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out struct {
		Status  string        `json:"status"`
		Metrics SystemMetrics `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "run-3", out.Metrics.RunID)
	assert.Equal(t, uint64(1), out.Metrics.Loop.Frames)
	assert.Equal(t, motion.LabelCentered, out.Metrics.Loop.LastLabel)
}

type fixedQueue struct{ n int }

func (q fixedQueue) GetName() string { return "telemetry" }
func (q fixedQueue) GetQueueLength() int { return q.n }
func (q fixedQueue) GetQueueCapacity() int { return 64 }

func TestWatchedQueuesReported(t *testing.T) {
	svc := NewDiagnosticService("run-4", fixedHost)
	assert.Empty(t, svc.GetMetrics(context.Background()).Queues)

	svc.WatchQueue(fixedQueue{n: 3})
	m := svc.GetMetrics(context.Background())
	assert.Equal(t, []QueueStats{{Name: "telemetry", Length: 3, Capacity: 64}}, m.Queues)
}
