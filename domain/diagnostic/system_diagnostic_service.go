package diagnostic

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/open-teleop/blobtracker/domain/tracking"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics represents system diagnostics information
type SystemMetrics struct {
	Timestamp time.Time    `json:"timestamp"`
	RunID     string       `json:"run_id"`
	Uptime    string       `json:"uptime"`
	Loop      LoopMetrics  `json:"loop"`
	Queues    []QueueStats `json:"queues,omitempty"`
	Host      *HostStats   `json:"host,omitempty"`
	HostError string       `json:"host_error,omitempty"`
}

// LoopMetrics aggregates tracking loop telemetry.
type LoopMetrics struct {
	Frames           uint64        `json:"frames"`
	LostFrames       uint64        `json:"lost_frames"`
	ConsecutiveLost  int           `json:"consecutive_lost"`
	DispatchAttempts uint64        `json:"dispatch_attempts"`
	DispatchFailures uint64        `json:"dispatch_failures"`
	LastDispatchErr  string        `json:"last_dispatch_error,omitempty"`
	LastSpeed        int           `json:"last_speed"`
	LastLabel        string        `json:"last_label"`
	LastStatus       string        `json:"last_status"`
	AvgTick          time.Duration `json:"avg_tick_ns"`
	MaxTick          time.Duration `json:"max_tick_ns"`
}

// HostStats is a point-in-time CPU and memory reading.
type HostStats struct {
	CPUUsage    float64 `json:"cpu_usage"`    // Percentage of CPU used
	MemoryUsage float64 `json:"memory_usage"` // Percentage of memory used
	MemoryUsed  uint64  `json:"memory_used_bytes"`
}

// QueueStats is the fill level of one telemetry worker queue.
type QueueStats struct {
	Name     string `json:"name"`
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
}

// Queue is a bounded work queue whose depth is reported in diagnostics.
type Queue interface {
	GetName() string
	GetQueueLength() int
	GetQueueCapacity() int
}

// HostSampler reads host stats.
type HostSampler func(ctx context.Context) (HostStats, error)

// SampleHost reads host stats with gopsutil. CPU usage is measured since the
// previous call.
func SampleHost(ctx context.Context) (HostStats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostStats{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostStats{}, err
	}
	stats := HostStats{MemoryUsage: vm.UsedPercent, MemoryUsed: vm.Used}
	if len(percents) > 0 {
		stats.CPUUsage = percents[0]
	}
	return stats, nil
}

// DiagnosticService aggregates loop telemetry and host stats. It is a
// synchronous tracking.TelemetrySink.
type DiagnosticService struct {
	mu        sync.RWMutex
	runID     string
	started   time.Time
	loop      LoopMetrics
	tickTotal time.Duration
	sampler   HostSampler
	queues    []Queue
}

// NewDiagnosticService creates a new diagnostic service instance. A nil
// sampler uses SampleHost.
func NewDiagnosticService(runID string, sampler HostSampler) *DiagnosticService {
	if sampler == nil {
		sampler = SampleHost
	}
	return &DiagnosticService{
		runID:   runID,
		started: time.Now(),
		sampler: sampler,
	}
}

// WatchQueue adds q to the reported queues. Call before serving requests.
func (s *DiagnosticService) WatchQueue(q Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = append(s.queues, q)
}

// Publish folds one tick into the counters.
func (s *DiagnosticService) Publish(t tracking.Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loop.Frames++
	if t.Observation == nil {
		s.loop.LostFrames++
	}
	s.loop.ConsecutiveLost = t.LostFrames
	if t.Dispatched {
		s.loop.DispatchAttempts++
		if t.DispatchError != "" {
			s.loop.DispatchFailures++
			s.loop.LastDispatchErr = t.DispatchError
		}
	}
	s.loop.LastSpeed = t.Decision.Speed
	s.loop.LastLabel = t.Decision.Label
	s.loop.LastStatus = t.Status

	s.tickTotal += t.TickDuration
	s.loop.AvgTick = s.tickTotal / time.Duration(s.loop.Frames)
	if t.TickDuration > s.loop.MaxTick {
		s.loop.MaxTick = t.TickDuration
	}
}

// GetMetrics returns the current counters plus a fresh host sample.
func (s *DiagnosticService) GetMetrics(ctx context.Context) SystemMetrics {
	s.mu.RLock()
	m := SystemMetrics{
		Timestamp: time.Now(),
		RunID:     s.runID,
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		Loop:      s.loop,
	}
	for _, q := range s.queues {
		m.Queues = append(m.Queues, QueueStats{
			Name:     q.GetName(),
			Length:   q.GetQueueLength(),
			Capacity: q.GetQueueCapacity(),
		})
	}
	s.mu.RUnlock()

	host, err := s.sampler(ctx)
	if err != nil {
		m.HostError = err.Error()
	} else {
		m.Host = &host
	}
	return m
}

// GetMetricsHandler handles API requests for system metrics
func (s *DiagnosticService) GetMetricsHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	return c.JSON(fiber.Map{
		"status":  "success",
		"metrics": s.GetMetrics(ctx),
	})
}
