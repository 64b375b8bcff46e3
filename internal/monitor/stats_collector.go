package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/lifecycle"
)

const (
	statsStreamName     = "STATS"
	statsSubject        = "stats.engine"
	statsStreamSubjects = "stats.*"
)

// Snapshot is one published engine statistics sample.
type Snapshot struct {
	Timestamp   time.Time        `json:"timestamp"`
	CPUUsage    float64          `json:"cpu_usage"`
	MemoryUsage float64          `json:"memory_usage"`
	Tasks       *lifecycle.Stats `json:"tasks"`
}

// StatsCollector periodically samples engine task counts together with host
// resource usage and publishes them for dashboards and alerting consumers.
type StatsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	engine   *lifecycle.Engine
	interval time.Duration
	stop     chan struct{}
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector(js nats.JetStreamContext, engine *lifecycle.Engine, interval time.Duration, logger *zap.Logger) *StatsCollector {
	return &StatsCollector{
		logger:   logger.Named("stats-collector"),
		js:       js,
		engine:   engine,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop.
func (c *StatsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting stats collector")

	_, err := c.js.StreamInfo(statsStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:     statsStreamName,
			Subjects: []string{statsStreamSubjects},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the collection loop.
func (c *StatsCollector) Stop() {
	c.logger.Info("Stopping stats collector")
	close(c.stop)
}

// Collect takes one snapshot of engine and host statistics.
func (c *StatsCollector) Collect(ctx context.Context) (*Snapshot, error) {
	stats, err := c.engine.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect task stats: %w", err)
	}

	snapshot := &Snapshot{
		Timestamp: time.Now(),
		Tasks:     stats,
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		snapshot.CPUUsage = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot.MemoryUsage = vm.UsedPercent
	}

	return snapshot, nil
}

func (c *StatsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.publishSnapshot(ctx)
		}
	}
}

func (c *StatsCollector) publishSnapshot(ctx context.Context) {
	snapshot, err := c.Collect(ctx)
	if err != nil {
		c.logger.Error("Failed to collect stats", zap.Error(err))
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal stats", zap.Error(err))
		return
	}

	if _, err := c.js.Publish(statsSubject, data); err != nil {
		c.logger.Error("Failed to publish stats", zap.Error(err))
		return
	}

	c.logger.Debug("Published stats snapshot",
		zap.Int("total_tasks", snapshot.Tasks.Total),
		zap.Float64("cpu_usage", snapshot.CPUUsage))
}
