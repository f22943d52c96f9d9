package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowbotics/conductor/internal/config"
	"github.com/flowbotics/conductor/internal/robot"
	"github.com/flowbotics/conductor/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("ROBOT_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/robot/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateRobotConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting robot",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("robot_id", cfg.Robot.RobotID),
		slog.String("orchestrator_url", cfg.Robot.OrchestratorURL),
	)

	nodeDelay := cfg.Robot.SimNodeDelay
	if nodeDelay <= 0 {
		nodeDelay = 500 * time.Millisecond
	}

	client := robot.NewClient(robot.Config{
		OrchestratorURL:   cfg.Robot.OrchestratorURL,
		RobotID:           cfg.Robot.RobotID,
		RobotName:         cfg.Robot.RobotName,
		Environment:       cfg.Robot.Environment,
		Capabilities:      cfg.Robot.Capabilities,
		MaxConcurrentJobs: cfg.Robot.MaxConcurrentJobs,
		HeartbeatInterval: cfg.Robot.HeartbeatInterval,
		ReconnectMinDelay: cfg.Robot.ReconnectMinDelay,
		ReconnectMaxDelay: cfg.Robot.ReconnectMaxDelay,
	}, robot.NewSimExecutor(nodeDelay), appLogger.Logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- client.Run(ctx)
	}()

	appLogger.Info("Robot started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Robot error",
				slog.Any("error", err),
			)
			return err
		}
		appLogger.Info("Robot stopped")
		return nil
	}

	// Cancel context and give the client time to send DISCONNECT
	cancel()

	shutdownTimer := time.NewTimer(10 * time.Second)
	defer shutdownTimer.Stop()

	select {
	case <-errChan:
		appLogger.Info("Robot stopped gracefully")
	case <-shutdownTimer.C:
		appLogger.Warn("Robot shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Robot shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}
