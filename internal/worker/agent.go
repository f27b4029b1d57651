// Package worker contains the worker-specific logic for job execution.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobagent/internal/diag"
	"jobagent/internal/execution"
	"jobagent/internal/feedback"
	"jobagent/internal/lifecycle"
	"jobagent/internal/logger"
	"jobagent/internal/observability"
	"jobagent/internal/worker/runtime"
	"jobagent/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "jobagent/worker"

// maxLineSize bounds a single line of task output.
const maxLineSize = 1024 * 1024

// Controller is everything the agent needs from the controller API.
// *feedback.Client implements it.
type Controller interface {
	AcquireJob(ctx context.Context, poolID int64, workerName string) (*api.JobMessage, error)
	lifecycle.LeaseRenewer
	feedback.Transport
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID           string // worker name reported on job records
	PoolID       int64
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration // Maximum backoff when no job is available (default: 30s)

	WorkFolder    string
	Verbose       bool
	PageSize      int
	LeaseInterval time.Duration

	FlushInterval   time.Duration
	UploadAttempts  int
	UploadRateLimit float64

	// Writers receive every job's log lines in addition to its pages.
	Writers []diag.Writer
	Logger  *slog.Logger
	Metrics *observability.AgentMetrics
}

// Agent is the main worker agent that runs the pull-loop for job execution.
type Agent struct {
	controller Controller
	runtime    runtime.Runtime
	config     AgentConfig
	log        *slog.Logger
	done       chan struct{}
}

// New creates a new worker agent.
func New(c Controller, rt runtime.Runtime, config AgentConfig) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.WorkFolder == "" {
		config.WorkFolder = filepath.Join(os.TempDir(), "jobagent", "work")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Agent{
		controller: c,
		runtime:    rt,
		config:     config,
		log:        config.Logger.With("worker", config.ID),
		done:       make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On cancellation it stops acquiring new jobs and lets in-flight jobs finish.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "pool_id", a.config.PoolID, "concurrency", a.config.Concurrency)

	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Signals that a slot became available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Grows while the pool is empty, resets when work is found
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("context cancelled, waiting for running jobs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			var jobs []*api.JobMessage
			for len(jobs) < availableSlots {
				msg, err := a.controller.AcquireJob(ctx, a.config.PoolID, a.config.ID)
				if err != nil {
					if ctx.Err() == nil {
						a.log.Warn("failed to acquire job", "error", err)
					}
					break
				}
				if msg == nil {
					break
				}
				jobs = append(jobs, msg)
			}

			if len(jobs) == 0 {
				currentBackoff = min(currentBackoff*2, a.config.MaxBackoff)
				continue
			}
			currentBackoff = a.config.PollInterval

			a.log.Info("acquired jobs", "count", len(jobs))

			for _, msg := range jobs {
				sem <- struct{}{}

				wg.Add(1)
				go func(msg *api.JobMessage) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					// Jobs complete even if the pull loop is cancelled
					if _, err := a.RunJob(context.WithoutCancel(ctx), msg); err != nil {
						a.log.Error("job did not finish cleanly", "job_id", msg.JobID, "error", err)
					}
				}(msg)
			}

			if len(jobs) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// RunJob executes the tasks of msg in order and reports the job result to
// the controller. A failed task skips the tasks after it unless it is
// marked continue-on-error. It returns the result that was reported.
func (a *Agent) RunJob(ctx context.Context, msg *api.JobMessage) (api.Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(observability.ExtractTrace(ctx, msg.Trace), "run_job",
		trace.WithAttributes(
			attribute.String("job.id", msg.JobID),
			attribute.String("job.name", msg.JobName),
			attribute.Int64("job.request_id", msg.RequestID),
			attribute.Int("job.tasks", len(msg.Tasks)),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	ctx = logger.WithJobID(ctx, msg.JobID)
	logger.FromContext(ctx, a.log).Info("processing job", "job_name", msg.JobName, "request_id", msg.RequestID)

	queue := feedback.NewQueue(a.controller, feedback.QueueConfig{
		JobID:         msg.JobID,
		FlushInterval: a.config.FlushInterval,
		Attempts:      a.config.UploadAttempts,
		RateLimit:     a.config.UploadRateLimit,
	}, a.config.Logger, a.config.Metrics)
	defer queue.Close()

	job := lifecycle.New(ctx, lifecycle.Options{
		Job: lifecycle.JobInfo{
			JobID:      msg.JobID,
			JobName:    msg.JobName,
			PoolID:     msg.PoolID,
			RequestID:  msg.RequestID,
			LockToken:  msg.LockToken,
			WorkerName: a.config.ID,
		},
		WorkFolder:    filepath.Join(a.config.WorkFolder, msg.JobID),
		Verbose:       a.config.Verbose,
		PageSize:      a.config.PageSize,
		Writers:       a.config.Writers,
		Feedback:      queue,
		Lease:         a.controller,
		LeaseInterval: a.config.LeaseInterval,
		Logger:        a.config.Logger,
		Metrics:       a.config.Metrics,
	})

	result := a.runTasks(ctx, job, msg.JobName, withTaskIDs(msg.Tasks))

	final, err := job.FinishJob(ctx, result)
	span.SetAttributes(attribute.String("job.result", string(final)))
	if final == api.ResultFailed {
		span.SetStatus(codes.Error, "job failed")
	}
	if err != nil {
		span.RecordError(err)
		return final, err
	}
	return final, nil
}

func (a *Agent) runTasks(ctx context.Context, job *lifecycle.JobContext, jobName string, tasks []api.TaskDefinition) api.Result {
	if err := job.SetJobInProgress(); err != nil {
		job.Errorf("Job could not be started: %v", err)
		return api.ResultFailed
	}
	job.Heading(fmt.Sprintf("Job %s", jobName))

	for _, task := range tasks {
		if err := job.RegisterPendingTask(task.ID, task.Name); err != nil {
			job.Errorf("Task %s could not be registered: %v", task.Name, err)
			return api.ResultFailed
		}
	}

	result := api.ResultSucceeded
	skipping := false
	for _, task := range tasks {
		if skipping {
			job.Info(fmt.Sprintf("Skipping %s", task.Name))
			job.SetTaskResult(task.ID, task.Name, api.ResultSkipped)
			continue
		}

		switch a.runTask(ctx, job, task) {
		case api.ResultFailed:
			if task.ContinueOnError {
				job.Warning(fmt.Sprintf("Task %s failed, continuing", task.Name))
				result = api.ResultSucceededWithIssues
				continue
			}
			result = api.ResultFailed
			skipping = true
		case api.ResultSucceededWithIssues:
			result = api.ResultSucceededWithIssues
		}
	}

	if result == api.ResultSucceeded && job.HasErrors() {
		result = api.ResultSucceededWithIssues
	}
	return result
}

func (a *Agent) runTask(ctx context.Context, job *lifecycle.JobContext, task api.TaskDefinition) api.Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "run_task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.name", task.Name),
		),
	)
	defer span.End()

	if err := job.SetTaskStarted(task.ID, task.Name); err != nil {
		job.Errorf("Task %s could not be started: %v", task.Name, err)
		return api.ResultFailed
	}

	tc := job.NewTaskContext(task.ID)
	tc.Section(task.Name)
	result := a.execute(ctx, tc, task)

	if err := tc.End(); err != nil {
		job.Errorf("Log for task %s could not be written: %v", task.Name, err)
		result = api.ResultFailed
	}

	job.SetTaskResult(task.ID, task.Name, result)
	span.SetAttributes(attribute.String("task.result", string(result)))
	return result
}

// withTaskIDs returns tasks with a generated id on every task that has none.
func withTaskIDs(tasks []api.TaskDefinition) []api.TaskDefinition {
	out := make([]api.TaskDefinition, len(tasks))
	for i, task := range tasks {
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		if task.Name == "" {
			task.Name = fmt.Sprintf("Task %d", i+1)
		}
		out[i] = task
	}
	return out
}

// execute runs the task process, copying its output into tc line by line.
func (a *Agent) execute(ctx context.Context, tc *execution.Context, task api.TaskDefinition) api.Result {
	if len(task.Command) == 0 {
		tc.Error("Task has no command")
		return api.ResultFailed
	}
	tc.Verbose("Running: " + strings.Join(task.Command, " "))

	env := make(map[string]string, len(task.Env)+4)
	for k, v := range task.Env {
		env[k] = v
	}
	env["JOBAGENT_JOB_ID"] = tc.JobID()
	env["JOBAGENT_TASK_ID"] = task.ID
	for k, v := range observability.InjectTrace(ctx) {
		env[strings.ToUpper(k)] = v
	}

	handle, err := a.runtime.Start(ctx, runtime.StartOptions{
		Command: task.Command,
		Env:     env,
		WorkDir: tc.WorkFolder(),
	})
	if err != nil {
		tc.Errorf("Failed to start task: %v", err)
		return api.ResultFailed
	}

	if rc, err := handle.StreamLogs(ctx); err != nil {
		tc.Warning(fmt.Sprintf("Task output is unavailable: %v", err))
	} else if rc != nil {
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			tc.Output(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			tc.Warning(fmt.Sprintf("Task output was truncated: %v", err))
			// Unblock the process if it is still writing
			_, _ = io.Copy(io.Discard, rc)
		}
		rc.Close()
	}

	exit, err := handle.Wait(ctx)
	switch {
	case err != nil:
		tc.Errorf("Task did not complete: %v", err)
		return api.ResultFailed
	case exit.Error != nil:
		tc.Errorf("Task failed: %v", exit.Error)
		return api.ResultFailed
	case exit.ExitCode != 0:
		tc.Errorf("Process completed with exit code %d.", exit.ExitCode)
		return api.ResultFailed
	case tc.Err() != nil:
		return api.ResultFailed
	case tc.HasErrors():
		return api.ResultSucceededWithIssues
	}
	return api.ResultSucceeded
}
