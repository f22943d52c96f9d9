package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "conductor", cfg.Database.Database)
				assert.Equal(t, "conductor.jobs", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "conductor.job-requests", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "conductor-orchestrator", cfg.App.Name)
				assert.Equal(t, 10*time.Second, cfg.Coordination.AssignTimeout)
				assert.Equal(t, 3, cfg.Coordination.MaxAttempts)
				assert.Equal(t, 90*time.Second, cfg.Coordination.HeartbeatTimeout)
				assert.Equal(t, "ws://localhost:8080/ws", cfg.Robot.OrchestratorURL)
				assert.Equal(t, 2, cfg.Robot.MaxConcurrentJobs)
			}
		})
	}
}

func validOrchestratorConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "conductor",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "conductor.jobs",
			},
			Queue: QueueConfig{
				Name: "conductor.job-requests",
			},
		},
		Coordination: CoordinationConfig{
			MaxAttempts:      3,
			HeartbeatTimeout: 90 * time.Second,
			SweepInterval:    15 * time.Second,
		},
	}
}

func TestConfig_ValidateOrchestratorConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "zero max attempts",
			mutate:    func(c *Config) { c.Coordination.MaxAttempts = 0 },
			wantErr:   true,
			errString: "max_attempts must be greater than 0",
		},
		{
			name:      "zero heartbeat timeout",
			mutate:    func(c *Config) { c.Coordination.HeartbeatTimeout = 0 },
			wantErr:   true,
			errString: "heartbeat_timeout must be greater than 0",
		},
		{
			name: "sweep interval not shorter than heartbeat timeout",
			mutate: func(c *Config) {
				c.Coordination.SweepInterval = 2 * time.Minute
			},
			wantErr:   true,
			errString: "sweep_interval must be shorter than heartbeat_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validOrchestratorConfig()
			tt.mutate(cfg)

			err := cfg.ValidateOrchestratorConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateRobotConfig(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Robot: RobotConfig{
				OrchestratorURL:   "ws://localhost:8080/ws",
				RobotID:           "robot-1",
				RobotName:         "robot-dev-01",
				MaxConcurrentJobs: 2,
				HeartbeatInterval: 30 * time.Second,
			},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "missing orchestrator url",
			mutate:    func(c *Config) { c.Robot.OrchestratorURL = "" },
			wantErr:   true,
			errString: "orchestrator_url is required",
		},
		{
			name:      "missing robot id",
			mutate:    func(c *Config) { c.Robot.RobotID = "" },
			wantErr:   true,
			errString: "robot_id is required",
		},
		{
			name:      "missing robot name",
			mutate:    func(c *Config) { c.Robot.RobotName = "" },
			wantErr:   true,
			errString: "robot_name is required",
		},
		{
			name:      "zero max concurrent jobs",
			mutate:    func(c *Config) { c.Robot.MaxConcurrentJobs = 0 },
			wantErr:   true,
			errString: "max_concurrent_jobs must be greater than 0",
		},
		{
			name:      "zero heartbeat interval",
			mutate:    func(c *Config) { c.Robot.HeartbeatInterval = 0 },
			wantErr:   true,
			errString: "heartbeat_interval must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.ValidateRobotConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateOrchestratorConfig())
		require.NoError(t, cfg.ValidateRobotConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateOrchestratorConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateOrchestratorConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
