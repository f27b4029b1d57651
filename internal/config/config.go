// Package config loads agent settings from an optional YAML file and AGENT_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the agent.
type Config struct {
	// URL of the Control Plane (e.g., "http://localhost:6161")
	ControllerURL string
	Token         string

	// Pool the agent claims jobs from
	PoolID     int64
	WorkerName string

	// Root folder for job work folders; page files go to <work>/<job>/_logs
	WorkFolder string

	// Verbose selects Verbose over Info as the threshold for every diagnostic context
	Verbose bool

	// Lines per log page
	PageSize int

	// Interval between job lease renewals
	LeaseRenewalInterval time.Duration

	// Pull loop
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration

	// Feedback delivery
	FlushInterval   time.Duration
	UploadAttempts  int
	UploadRateLimit float64

	// Observability
	OTELEndpoint string
	MetricsPort  int
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "agent"
	}

	v.SetDefault("controller_url", "http://localhost:6161")
	v.SetDefault("token", "")
	v.SetDefault("pool_id", 1)
	v.SetDefault("worker_name", hostname)
	v.SetDefault("work_folder", filepath.Join(os.TempDir(), "jobagent", "work"))
	v.SetDefault("verbose", false)
	v.SetDefault("page_size", 25)
	v.SetDefault("lease_renewal_interval", 60*time.Second)
	v.SetDefault("concurrency", 1)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("max_backoff", 30*time.Second)
	v.SetDefault("flush_interval", time.Second)
	v.SetDefault("upload_attempts", 3)
	v.SetDefault("upload_rate_limit", 20.0)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("metrics_port", 6162)
}

// Load reads configuration from path (if non-empty), then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		ControllerURL:        strings.TrimRight(v.GetString("controller_url"), "/"),
		Token:                v.GetString("token"),
		PoolID:               v.GetInt64("pool_id"),
		WorkerName:           v.GetString("worker_name"),
		WorkFolder:           v.GetString("work_folder"),
		Verbose:              v.GetBool("verbose"),
		PageSize:             v.GetInt("page_size"),
		LeaseRenewalInterval: v.GetDuration("lease_renewal_interval"),
		Concurrency:          v.GetInt("concurrency"),
		PollInterval:         v.GetDuration("poll_interval"),
		MaxBackoff:           v.GetDuration("max_backoff"),
		FlushInterval:        v.GetDuration("flush_interval"),
		UploadAttempts:       v.GetInt("upload_attempts"),
		UploadRateLimit:      v.GetFloat64("upload_rate_limit"),
		OTELEndpoint:         v.GetString("otel_endpoint"),
		MetricsPort:          v.GetInt("metrics_port"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ControllerURL == "":
		return fmt.Errorf("controller_url is required (env: AGENT_CONTROLLER_URL)")
	case c.WorkFolder == "":
		return fmt.Errorf("work_folder is required (env: AGENT_WORK_FOLDER)")
	case c.PageSize <= 0:
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	case c.LeaseRenewalInterval <= 0:
		return fmt.Errorf("lease_renewal_interval must be positive, got %v", c.LeaseRenewalInterval)
	case c.Concurrency <= 0:
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	case c.UploadAttempts <= 0:
		return fmt.Errorf("upload_attempts must be positive, got %d", c.UploadAttempts)
	}
	return nil
}
