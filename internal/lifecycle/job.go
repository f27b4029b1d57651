// Package lifecycle drives job and task timeline state, keeps the job lease
// alive, and drains pending telemetry before the final job result is reported.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobagent/internal/diag"
	"jobagent/internal/execution"
	"jobagent/internal/feedback"
	"jobagent/internal/observability"
	"jobagent/pkg/api"
)

var (
	// ErrRecordCompleted is returned when a transition would move a record out of Completed.
	ErrRecordCompleted = errors.New("record is already completed")

	// ErrRecordExists is returned when registering a record id twice.
	ErrRecordExists = errors.New("record already registered")

	// ErrJobFinished is returned when FinishJob is called more than once.
	ErrJobFinished = errors.New("job already finished")
)

// JobInfo identifies a claimed job and its lease.
type JobInfo struct {
	JobID      string
	JobName    string
	PoolID     int64
	RequestID  int64
	LockToken  string
	WorkerName string
}

// Options configures a JobContext.
type Options struct {
	Job        JobInfo
	WorkFolder string
	Verbose    bool
	PageSize   int

	// Writers are shared by the job context and every task context.
	Writers []diag.Writer

	Feedback feedback.Channel

	// Lease renews the job lease every LeaseInterval. Optional.
	Lease         LeaseRenewer
	LeaseInterval time.Duration

	Logger  *slog.Logger
	Metrics *observability.AgentMetrics
	Now     func() time.Time
}

type record struct {
	name   string
	state  api.RecordState
	result api.Result
}

// JobContext is the diagnostic context of a job plus the state machine for
// the job's timeline records. It is driven from a single goroutine.
type JobContext struct {
	*execution.Context

	opts    Options
	log     *slog.Logger
	records map[string]*record
	lease   *leaseRenewal

	finished bool
	logsErr  error
}

// New creates a JobContext and starts lease renewal. The lease stops when
// FinishJob has reported the job result or ctx is canceled.
func New(ctx context.Context, opts Options) *JobContext {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LeaseInterval <= 0 {
		opts.LeaseInterval = DefaultLeaseInterval
	}
	log := opts.Logger.With("job_id", opts.Job.JobID)

	j := &JobContext{
		Context: execution.New(execution.Options{
			WorkFolder: opts.WorkFolder,
			JobID:      opts.Job.JobID,
			RecordID:   opts.Job.JobID,
			Verbose:    opts.Verbose,
			PageSize:   opts.PageSize,
			Writers:    opts.Writers,
			Feedback:   opts.Feedback,
			Logger:     opts.Logger,
			Metrics:    opts.Metrics,
		}),
		opts:    opts,
		log:     log,
		records: make(map[string]*record),
	}

	j.records[opts.Job.JobID] = &record{name: opts.Job.JobName, state: api.RecordStatePending}
	opts.Feedback.QueueRecordUpdate(api.TimelineRecordUpdate{
		ID:         opts.Job.JobID,
		Name:       ptr(opts.Job.JobName),
		Type:       ptr(api.RecordTypeJob),
		State:      ptr(api.RecordStatePending),
		WorkerName: ptr(opts.Job.WorkerName),
	})

	if opts.Lease != nil {
		j.lease = startLeaseRenewal(ctx, opts.Lease, opts.Job, opts.LeaseInterval, log, opts.Metrics)
	}
	return j
}

// Job returns the identity of the job.
func (j *JobContext) Job() JobInfo {
	return j.opts.Job
}

// NewTaskContext creates the execution context for one task of the job.
func (j *JobContext) NewTaskContext(taskID string) *execution.Context {
	return execution.New(execution.Options{
		WorkFolder: j.opts.WorkFolder,
		JobID:      j.opts.Job.JobID,
		RecordID:   taskID,
		Verbose:    j.opts.Verbose,
		PageSize:   j.opts.PageSize,
		Writers:    j.opts.Writers,
		Feedback:   j.opts.Feedback,
		Logger:     j.opts.Logger,
		Metrics:    j.opts.Metrics,
	})
}

// RecordState returns the last state set for id.
func (j *JobContext) RecordState(id string) (api.RecordState, api.Result, bool) {
	r, ok := j.records[id]
	if !ok {
		return "", "", false
	}
	return r.state, r.result, true
}

// SetJobInProgress marks the job record as started.
func (j *JobContext) SetJobInProgress() error {
	jobID := j.opts.Job.JobID
	if err := j.transition(jobID, j.opts.Job.JobName, api.RecordStateInProgress); err != nil {
		return err
	}
	j.opts.Feedback.QueueRecordUpdate(api.TimelineRecordUpdate{
		ID:               jobID,
		State:            ptr(api.RecordStateInProgress),
		StartTime:        ptr(j.opts.Now().UTC()),
		CurrentOperation: ptr("Starting"),
	})
	return nil
}

// RegisterPendingTask creates a pending task record under the job.
func (j *JobContext) RegisterPendingTask(id, name string) error {
	if _, ok := j.records[id]; ok {
		return fmt.Errorf("%w: %s", ErrRecordExists, id)
	}
	j.records[id] = &record{name: name, state: api.RecordStatePending}
	j.opts.Feedback.QueueRecordUpdate(api.TimelineRecordUpdate{
		ID:               id,
		Name:             ptr(name),
		Type:             ptr(api.RecordTypeTask),
		State:            ptr(api.RecordStatePending),
		ParentID:         ptr(j.opts.Job.JobID),
		CurrentOperation: ptr("Initializing"),
	})
	return nil
}

// SetTaskStarted marks a task in progress and nudges the job's current operation.
func (j *JobContext) SetTaskStarted(id, name string) error {
	if err := j.transition(id, name, api.RecordStateInProgress); err != nil {
		return err
	}
	operation := "Starting " + name
	j.opts.Feedback.QueueRecordUpdate(api.TimelineRecordUpdate{
		ID:               j.opts.Job.JobID,
		CurrentOperation: ptr(operation),
	})
	j.opts.Feedback.QueueRecordUpdate(api.TimelineRecordUpdate{
		ID:               id,
		State:            ptr(api.RecordStateInProgress),
		StartTime:        ptr(j.opts.Now().UTC()),
		CurrentOperation: ptr(operation),
	})
	return nil
}

// SetTaskResult completes a record with result. Completing a record twice
// overwrites the earlier result and logs a warning.
func (j *JobContext) SetTaskResult(id, name string, result api.Result) {
	if r, ok := j.records[id]; ok && r.state == api.RecordStateCompleted {
		j.Warning(fmt.Sprintf("Record %s (%s) completed again: %s replaces %s", id, name, result, r.result))
		j.log.Warn("record completed twice", "record_id", id, "previous", r.result, "result", result)
	}
	r := j.record(id, name)
	r.state = api.RecordStateCompleted
	r.result = result

	j.opts.Feedback.QueueRecordUpdate(api.TimelineRecordUpdate{
		ID:               id,
		State:            ptr(api.RecordStateCompleted),
		FinishTime:       ptr(j.opts.Now().UTC()),
		CurrentOperation: ptr("Completed " + name),
		Result:           ptr(result),
	})
	if id != j.opts.Job.JobID {
		j.opts.Metrics.TaskCompleted(context.Background(), string(result))
	}
}

// FinishLogs flushes console lines and log pages without finishing the job.
// A failure here is remembered and makes FinishJob report Failed.
func (j *JobContext) FinishLogs(ctx context.Context) error {
	if err := j.opts.Feedback.DrainLogs(ctx); err != nil {
		j.logsErr = err
		return err
	}
	return nil
}

// FinishJob completes the job record, drains all pending telemetry, and then
// reports the job result to the controller exactly once. A drain failure, or
// an earlier FinishLogs failure, forces the reported result to Failed. The
// lease keeps renewing until the job request update has been sent. It returns
// the result reported.
func (j *JobContext) FinishJob(ctx context.Context, result api.Result) (api.Result, error) {
	if j.finished {
		return "", ErrJobFinished
	}
	j.finished = true
	defer j.lease.stop()

	job := j.opts.Job
	j.SetTaskResult(job.JobID, job.JobName, result)

	if err := j.End(); err != nil {
		j.log.Error("job log could not be written", "error", err)
		result = api.ResultFailed
	}

	if err := j.opts.Feedback.Drain(ctx); err != nil {
		j.log.Error("failed to drain job telemetry, reporting job as failed", "error", err, "result", result)
		result = api.ResultFailed
	}
	if j.logsErr != nil {
		j.log.Error("job logs were lost before finish, reporting job as failed", "error", j.logsErr, "result", result)
		result = api.ResultFailed
	}

	update := api.JobRequestUpdate{
		RequestID:  job.RequestID,
		FinishTime: j.opts.Now().UTC(),
		Result:     result,
	}
	if err := j.opts.Feedback.UpdateJobRequest(ctx, job.PoolID, job.LockToken, update); err != nil {
		return result, fmt.Errorf("failed to update job request %d: %w", job.RequestID, err)
	}
	j.log.Info("job finished", "result", result)
	return result, nil
}

// transition moves a record forward to state.
func (j *JobContext) transition(id, name string, state api.RecordState) error {
	r := j.record(id, name)
	if r.state == api.RecordStateCompleted {
		return fmt.Errorf("%w: %s", ErrRecordCompleted, id)
	}
	if state.Rank() > r.state.Rank() {
		r.state = state
	}
	return nil
}

func (j *JobContext) record(id, name string) *record {
	r, ok := j.records[id]
	if !ok {
		r = &record{name: name, state: api.RecordStatePending}
		j.records[id] = r
	}
	return r
}

func ptr[T any](v T) *T { return &v }
