package processing

import (
	"sync"
	"time"

	"github.com/open-teleop/blobtracker/domain/tracking"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
)

// ProcessResult is the encoded form of one telemetry record
type ProcessResult struct {
	Topic     string
	Seq       uint64
	Payloads  map[string][]byte // by encoding
	Timestamp int64
	Error     error
}

// ResultHandler is a function that handles processed results
type ResultHandler func(result *ProcessResult)

// TelemetryProcessor encodes telemetry in a worker
type TelemetryProcessor func(t tracking.Telemetry) (map[string][]byte, error)

// ProcessingPool decouples slow telemetry consumers from the tracking loop.
// It is a tracking.TelemetrySink: Publish never blocks, and records arriving
// while the queue is full are dropped and counted.
type ProcessingPool struct {
	name          string
	topic         string
	workerCount   int
	logger        customlog.Logger
	queue         chan tracking.Telemetry
	running       bool
	wg            sync.WaitGroup
	mu            sync.Mutex
	processor     TelemetryProcessor
	resultHandler ResultHandler
	queueSize     int
	metrics       *PoolMetrics
}

// PoolMetrics tracks metrics for a processing pool
type PoolMetrics struct {
	ProcessedCount    int64
	ErrorCount        int64
	QueuedCount       int64
	DroppedCount      int64
	LastProcessedTime int64
	ProcessingTimeAvg int64 // in microseconds
	ProcessingTimeMax int64 // in microseconds
	mu                sync.Mutex
}

// NewProcessingPool creates a new processing pool
func NewProcessingPool(
	name string,
	topic string,
	workerCount int,
	queueSize int,
	logger customlog.Logger,
) *ProcessingPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &ProcessingPool{
		name:        name,
		topic:       topic,
		workerCount: workerCount,
		queueSize:   queueSize,
		logger:      logger,
		queue:       make(chan tracking.Telemetry, queueSize),
		metrics:     &PoolMetrics{},
	}
}

// SetProcessor sets the telemetry processor function
func (p *ProcessingPool) SetProcessor(processor TelemetryProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processor = processor
}

// SetResultHandler sets the result handler function
func (p *ProcessingPool) SetResultHandler(handler ResultHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resultHandler = handler
}

// Publish queues t for the workers without blocking.
func (p *ProcessingPool) Publish(t tracking.Telemetry) {
	p.Enqueue(t)
}

// Enqueue adds a record to the queue and reports whether it was accepted.
func (p *ProcessingPool) Enqueue(t tracking.Telemetry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return false
	}

	p.metrics.mu.Lock()
	p.metrics.QueuedCount++
	p.metrics.mu.Unlock()

	// Drop frames rather than slow the loop.
	t.Frame, t.Mask = nil, nil
	select {
	case p.queue <- t:
		return true
	default:
		p.metrics.mu.Lock()
		p.metrics.DroppedCount++
		dropped := p.metrics.DroppedCount
		p.metrics.mu.Unlock()
		if dropped == 1 || dropped%100 == 0 {
			p.logger.Warnf("%s pool queue is full, dropped %d records so far", p.name, dropped)
		}
		return false
	}
}

// Start starts the processing pool workers
func (p *ProcessingPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.logger.Infof("Starting %s pool with %d workers", p.name, p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the queue and stops the workers. A stopped pool cannot be restarted.
func (p *ProcessingPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	// Enqueue holds mu while sending, so no send can race this close.
	close(p.queue)
	p.mu.Unlock()

	p.logger.Infof("Stopping %s pool", p.name)
	p.wg.Wait()
	p.logger.Infof("%s pool stopped", p.name)
	p.logMetrics()
}

func (p *ProcessingPool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debugf("%s pool worker %d started", p.name, id)

	for t := range p.queue {
		p.mu.Lock()
		processor := p.processor
		resultHandler := p.resultHandler
		p.mu.Unlock()

		if processor == nil {
			p.logger.Errorf("No telemetry processor set for %s pool", p.name)
			continue
		}

		startTime := time.Now()
		payloads, err := processor(t)
		processingTime := time.Since(startTime).Microseconds()

		p.metrics.mu.Lock()
		p.metrics.ProcessedCount++
		p.metrics.LastProcessedTime = time.Now().UnixNano()
		if p.metrics.ProcessingTimeAvg == 0 {
			p.metrics.ProcessingTimeAvg = processingTime
		} else {
			// Simple moving average
			p.metrics.ProcessingTimeAvg = (p.metrics.ProcessingTimeAvg + processingTime) / 2
		}
		if processingTime > p.metrics.ProcessingTimeMax {
			p.metrics.ProcessingTimeMax = processingTime
		}
		if err != nil {
			p.metrics.ErrorCount++
		}
		p.metrics.mu.Unlock()

		if err != nil {
			p.logger.Errorf("Error processing telemetry %d in %s pool: %v", t.Seq, p.name, err)
		}

		if resultHandler != nil {
			resultHandler(&ProcessResult{
				Topic:     p.topic,
				Seq:       t.Seq,
				Payloads:  payloads,
				Timestamp: t.Time.UnixNano(),
				Error:     err,
			})
		}
	}

	p.logger.Debugf("%s pool worker %d stopped", p.name, id)
}

// GetMetrics returns a copy of the current metrics
func (p *ProcessingPool) GetMetrics() PoolMetrics {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()

	return PoolMetrics{
		ProcessedCount:    p.metrics.ProcessedCount,
		ErrorCount:        p.metrics.ErrorCount,
		QueuedCount:       p.metrics.QueuedCount,
		DroppedCount:      p.metrics.DroppedCount,
		LastProcessedTime: p.metrics.LastProcessedTime,
		ProcessingTimeAvg: p.metrics.ProcessingTimeAvg,
		ProcessingTimeMax: p.metrics.ProcessingTimeMax,
	}
}

func (p *ProcessingPool) logMetrics() {
	metrics := p.GetMetrics()

	p.logger.Infof("%s pool metrics: processed=%d, dropped=%d, errors=%d, avg_time=%dµs, max_time=%dµs",
		p.name, metrics.ProcessedCount, metrics.DroppedCount, metrics.ErrorCount,
		metrics.ProcessingTimeAvg, metrics.ProcessingTimeMax)
}

// GetName returns the pool name
func (p *ProcessingPool) GetName() string {
	return p.name
}

// GetQueueLength returns the current length of the queue
func (p *ProcessingPool) GetQueueLength() int {
	return len(p.queue)
}

// GetQueueCapacity returns the capacity of the queue
func (p *ProcessingPool) GetQueueCapacity() int {
	return p.queueSize
}
