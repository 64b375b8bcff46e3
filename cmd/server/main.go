package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/events"
	"github.com/t77yq/agent-lifecycle/internal/lifecycle"
	"github.com/t77yq/agent-lifecycle/internal/model"
	"github.com/t77yq/agent-lifecycle/internal/monitor"
	"github.com/t77yq/agent-lifecycle/internal/runtime"
	"github.com/t77yq/agent-lifecycle/internal/storage"
	"github.com/t77yq/agent-lifecycle/internal/sweeper"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Open the task store
	store, err := storage.NewSQLiteStore(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer store.Close()

	// Build the engine with event broadcasting
	broadcaster, err := events.NewNATSBroadcaster(js, logger)
	if err != nil {
		logger.Fatal("Failed to create broadcaster", zap.Error(err))
	}

	engine := lifecycle.NewEngine(store, store, store, logger).
		WithBroadcaster(broadcaster)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Seed demo agents and tasks on first run
	if viper.GetBool("seed.enabled") {
		if err := seedDemoData(ctx, store, engine, logger); err != nil {
			logger.Error("Failed to seed demo data", zap.Error(err))
		}
	}

	// Stats collector
	statsCollector := monitor.NewStatsCollector(js, engine,
		viper.GetDuration("monitor.interval"), logger)
	if err := statsCollector.Start(ctx); err != nil {
		logger.Fatal("Failed to start stats collector", zap.Error(err))
	}
	defer statsCollector.Stop()

	// Sweeper for stale tasks and event retention
	janitor := sweeper.NewSweeper(engine, store, sweeper.Config{
		Schedule:       viper.GetString("sweeper.schedule"),
		MaxRunning:     viper.GetDuration("sweeper.max_running"),
		EventRetention: viper.GetDuration("sweeper.event_retention"),
	}, logger)
	if err := janitor.Start(ctx); err != nil {
		logger.Fatal("Failed to start sweeper", zap.Error(err))
	}
	defer janitor.Stop()

	// Simulated agent runtime
	runner := runtime.NewRunner(engine, runtime.NewSimulatedBehavior(), runtime.RunnerConfig{
		PollInterval:  viper.GetDuration("runtime.poll_interval"),
		MaxConcurrent: viper.GetInt("runtime.max_concurrent"),
		WorkDuration:  viper.GetDuration("runtime.work_duration"),
	}, logger)
	runner.Start(ctx)
	defer runner.Stop()

	logger.Info("Engine ready")

	<-ctx.Done()
	logger.Info("Server shutting down gracefully")
}

// seedDemoData registers a few demo agents and enqueues example tasks for
// them, once. Subsequent runs see the populated directory and skip.
func seedDemoData(ctx context.Context, store *storage.SQLiteStore, engine *lifecycle.Engine, logger *zap.Logger) error {
	existing, err := store.ListAgents(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	agents := []*model.Agent{
		{ID: "agent-analyzer", Name: "Data Analyzer", Description: "Processes data feeds and quality reports", Status: model.AgentStatusIdle, CreatedAt: time.Now()},
		{ID: "agent-reviewer", Name: "Code Reviewer", Description: "Reviews code changes and suggests refactorings", Status: model.AgentStatusIdle, CreatedAt: time.Now()},
		{ID: "agent-tester", Name: "Test Runner", Description: "Runs integration test suites", Status: model.AgentStatusIdle, CreatedAt: time.Now()},
		{ID: "agent-docs", Name: "Documentation Bot", Description: "Generates API documentation", Status: model.AgentStatusIdle, CreatedAt: time.Now()},
	}
	for _, agent := range agents {
		if err := store.PutAgent(ctx, agent); err != nil {
			return err
		}
	}

	exampleTasks := []lifecycle.CreateRequest{
		{
			Title:       "Research customer behavior patterns",
			Description: "Analyze the customer data feed for purchase trends",
			Priority:    model.TaskPriorityHigh,
			AgentID:     "agent-analyzer",
			MaxRetries:  2,
		},
		{
			Title:       "Review payment module code",
			Description: "Check the payment processing changes for issues",
			Priority:    model.TaskPriorityMedium,
			AgentID:     "agent-reviewer",
			MaxRetries:  1,
		},
		{
			Title:          "Data pipeline health check",
			Description:    "Verify all ETL jobs are running normally",
			Priority:       model.TaskPriorityLow,
			AgentID:        "agent-analyzer",
			MaxRetries:     0,
			RequiresReview: true,
		},
	}

	for _, req := range exampleTasks {
		task, err := engine.Create(ctx, req)
		if err != nil {
			logger.Error("Failed to create demo task",
				zap.String("title", req.Title),
				zap.Error(err))
			continue
		}
		if _, err := engine.Enqueue(ctx, task.ID); err != nil {
			logger.Error("Failed to enqueue demo task",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	logger.Info("Seeded demo agents and tasks",
		zap.Int("agents", len(agents)),
		zap.Int("tasks", len(exampleTasks)))
	return nil
}
