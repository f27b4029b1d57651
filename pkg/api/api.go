// Package api contains shared JSON request/response structs.
// This package is shared between the agent and the Controller.
package api

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// validate caches struct metadata and is safe for concurrent use.
var validate = validator.New()

// RecordState is the lifecycle state of a timeline record.
type RecordState string

const (
	RecordStatePending    RecordState = "pending"
	RecordStateInProgress RecordState = "inProgress"
	RecordStateCompleted  RecordState = "completed"
)

// Rank orders states so transitions can be checked for monotonicity.
func (s RecordState) Rank() int {
	switch s {
	case RecordStatePending:
		return 0
	case RecordStateInProgress:
		return 1
	case RecordStateCompleted:
		return 2
	default:
		return -1
	}
}

// Result is the outcome of a job or task.
type Result string

const (
	ResultSucceeded           Result = "succeeded"
	ResultSucceededWithIssues Result = "succeededWithIssues"
	ResultFailed              Result = "failed"
	ResultCanceled            Result = "canceled"
	ResultSkipped             Result = "skipped"
	ResultAbandoned           Result = "abandoned"
)

// Record types
const (
	RecordTypeJob  = "Job"
	RecordTypeTask = "Task"
)

// TimelineRecordUpdate is a partial update to one timeline record.
// Nil fields are left unchanged on the server.
type TimelineRecordUpdate struct {
	ID               string       `json:"id"`
	CurrentOperation *string      `json:"current_operation,omitempty"`
	Name             *string      `json:"name,omitempty"`
	Type             *string      `json:"type,omitempty"`
	StartTime        *time.Time   `json:"start_time,omitempty"`
	FinishTime       *time.Time   `json:"finish_time,omitempty"`
	State            *RecordState `json:"state,omitempty"`
	Result           *Result      `json:"result,omitempty"`
	ParentID         *string      `json:"parent_id,omitempty"`
	WorkerName       *string      `json:"worker_name,omitempty"`
}

// Merge copies every field set in other onto u.
func (u *TimelineRecordUpdate) Merge(other TimelineRecordUpdate) {
	if other.CurrentOperation != nil {
		u.CurrentOperation = other.CurrentOperation
	}
	if other.Name != nil {
		u.Name = other.Name
	}
	if other.Type != nil {
		u.Type = other.Type
	}
	if other.StartTime != nil {
		u.StartTime = other.StartTime
	}
	if other.FinishTime != nil {
		u.FinishTime = other.FinishTime
	}
	if other.State != nil {
		u.State = other.State
	}
	if other.Result != nil {
		u.Result = other.Result
	}
	if other.ParentID != nil {
		u.ParentID = other.ParentID
	}
	if other.WorkerName != nil {
		u.WorkerName = other.WorkerName
	}
}

// UpdateRecordsRequest is the payload for a batch of timeline updates.
type UpdateRecordsRequest struct {
	Records []TimelineRecordUpdate `json:"records"`
}

// AppendConsoleRequest carries live console lines for one job.
type AppendConsoleRequest struct {
	Lines []string `json:"lines"`
}

// JobRequestUpdate is the final result reported for a claimed job.
type JobRequestUpdate struct {
	RequestID  int64     `json:"request_id"`
	FinishTime time.Time `json:"finish_time"`
	Result     Result    `json:"result"`
}

// RenewLeaseRequest extends the claim on a job request.
type RenewLeaseRequest struct {
	RequestID int64  `json:"request_id"`
	LockToken string `json:"lock_token"`
}

// RenewLeaseResponse reports the new lease expiry.
type RenewLeaseResponse struct {
	LockedUntil time.Time `json:"locked_until"`
}

// AcquireJobRequest asks the controller for the next job in a pool.
type AcquireJobRequest struct {
	WorkerName string `json:"worker_name"`
}

// TaskDefinition describes one task of a job message.
type TaskDefinition struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Command         []string          `json:"command" yaml:"command" validate:"required,min=1,dive,required"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty" yaml:"continueOnError,omitempty"`
}

// JobMessage is the unit of work handed to the agent on a successful claim.
type JobMessage struct {
	JobID     string            `json:"job_id" yaml:"jobId" validate:"required"`
	JobName   string            `json:"job_name" yaml:"jobName" validate:"required"`
	PoolID    int64             `json:"pool_id" yaml:"poolId"`
	RequestID int64             `json:"request_id" yaml:"requestId"`
	LockToken string            `json:"lock_token" yaml:"lockToken"`
	Tasks     []TaskDefinition  `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`
	Trace     map[string]string `json:"trace,omitempty" yaml:"trace,omitempty"`
}

// Validate reports the first missing or malformed field of the message.
func (m *JobMessage) Validate() error {
	return validate.Struct(m)
}

// Page upload headers.
const (
	HeaderStreamID      = "X-Log-Stream-Id"
	HeaderRecordID      = "X-Log-Record-Id"
	HeaderPageSequence  = "X-Log-Page-Sequence"
	HeaderContentBlake3 = "X-Content-Blake3"
	HeaderLockToken     = "X-Lock-Token"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
