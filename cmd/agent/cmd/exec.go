package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"jobagent/internal/diag"
	"jobagent/internal/logger"
	"jobagent/internal/worker"
	"jobagent/internal/worker/runtime"
	"jobagent/pkg/api"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var execCmd = &cobra.Command{
	Use:   "exec [job.yaml]",
	Short: "Run a job definition locally without a controller",
	Long: `Run the tasks of a job definition on this machine.

Job output is printed to stdout, and log pages are kept under the job's work
folder. The command fails when the job result is failed or canceled.

Example job definition:

  jobName: build
  tasks:
    - name: compile
      command: ["make", "all"]
    - name: test
      command: ["make", "test"]
      continueOnError: true`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		msg, err := readJobFile(args[0])
		if err != nil {
			return err
		}

		log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Verbose)
		local := worker.NewLocalController(log)
		writers := []diag.Writer{
			diag.NewStreamWriter(diag.DefaultLevel(cfg.Verbose), cmd.OutOrStdout(), cmd.ErrOrStderr()),
			diagFileWriter(cfg, time.Now()),
		}
		agent := worker.New(local, runtime.NewExecRuntime(cfg.WorkFolder), agentConfig(cfg, writers, log, nil))

		result, err := agent.RunJob(cmd.Context(), msg)
		printSummary(cmd.OutOrStdout(), local.Records())
		if err != nil {
			return err
		}
		if result == api.ResultFailed || result == api.ResultCanceled {
			return fmt.Errorf("job %s %s", msg.JobName, result)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}

// readJobFile parses a YAML job definition, filling in a job id and name when absent.
func readJobFile(path string) (*api.JobMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var msg api.JobMessage
	if err := yaml.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	if len(msg.Tasks) == 0 {
		return nil, fmt.Errorf("job file %s has no tasks", path)
	}
	if msg.JobID == "" {
		msg.JobID = uuid.NewString()
	}
	if msg.JobName == "" {
		msg.JobName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job file %s: %w", path, err)
	}
	return &msg, nil
}

func printSummary(out io.Writer, records []api.TimelineRecordUpdate) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RECORD\tTYPE\tRESULT")
	for _, r := range records {
		name, kind, result := r.ID, "", ""
		if r.Name != nil {
			name = *r.Name
		}
		if r.Type != nil {
			kind = *r.Type
		}
		if r.Result != nil {
			result = string(*r.Result)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, kind, result)
	}
	w.Flush()
}
