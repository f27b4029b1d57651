package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"jobagent/internal/config"
	"jobagent/internal/diag"
	"jobagent/internal/observability"
	"jobagent/internal/worker"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X jobagent/cmd/agent/cmd.version=..."
var version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "jobagent",
	Short: "jobagent runs build and release jobs on behalf of a controller",
	Long: `jobagent is the worker side of a build and release system.

It claims jobs from a controller pool, runs each job's tasks in order, and
reports progress while they run: live console lines, paged log files, and
timeline records for the job and every task. The job's final result is only
reported once all of that has been delivered.

Common workflows:

  Serve a pool until interrupted:
    jobagent run --config agent.yaml

  Run a job definition locally, without a controller:
    jobagent exec job.yaml --verbose

Configuration:
  Settings come from an optional YAML file and AGENT_* environment variables:
    AGENT_CONTROLLER_URL    Controller endpoint (default: http://localhost:6161)
    AGENT_TOKEN             Agent token for the controller API
    AGENT_POOL_ID           Pool to claim jobs from
    AGENT_WORK_FOLDER       Root of job work folders`,
	Version:      version,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "write verbose diagnostics")
}

// loadConfig loads configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = verbose
	}
	return cfg, nil
}

// diagFileWriter returns a writer for the agent's own diagnostic file under the work folder.
func diagFileWriter(cfg *config.Config, now time.Time) *diag.FileWriter {
	name := fmt.Sprintf("agent_%s.log", now.UTC().Format("20060102-150405"))
	return diag.NewFileWriter(diag.LevelVerbose, filepath.Join(cfg.WorkFolder, "_diag", name))
}

func agentConfig(cfg *config.Config, writers []diag.Writer, log *slog.Logger, metrics *observability.AgentMetrics) worker.AgentConfig {
	return worker.AgentConfig{
		ID:              cfg.WorkerName,
		PoolID:          cfg.PoolID,
		Concurrency:     cfg.Concurrency,
		PollInterval:    cfg.PollInterval,
		MaxBackoff:      cfg.MaxBackoff,
		WorkFolder:      cfg.WorkFolder,
		Verbose:         cfg.Verbose,
		PageSize:        cfg.PageSize,
		LeaseInterval:   cfg.LeaseRenewalInterval,
		FlushInterval:   cfg.FlushInterval,
		UploadAttempts:  cfg.UploadAttempts,
		UploadRateLimit: cfg.UploadRateLimit,
		Writers:         writers,
		Logger:          log,
		Metrics:         metrics,
	}
}
