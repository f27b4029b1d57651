package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"jobagent/internal/pagelog"
	"jobagent/pkg/api"
)

// LocalController runs a single job without a controller. Pages stay on
// disk under the job's work folder and record updates are kept in memory.
type LocalController struct {
	log *slog.Logger

	mu      sync.Mutex
	order   []string
	records map[string]api.TimelineRecordUpdate
	pages   []string
	result  api.Result
}

var _ Controller = (*LocalController)(nil)

// NewLocalController creates a LocalController.
func NewLocalController(log *slog.Logger) *LocalController {
	if log == nil {
		log = slog.Default()
	}
	return &LocalController{
		log:     log,
		records: make(map[string]api.TimelineRecordUpdate),
	}
}

// AcquireJob never hands out work.
func (c *LocalController) AcquireJob(ctx context.Context, poolID int64, workerName string) (*api.JobMessage, error) {
	return nil, nil
}

func (c *LocalController) RenewLease(ctx context.Context, poolID, requestID int64, lockToken string) (time.Time, error) {
	return time.Now().Add(time.Hour), nil
}

// AppendConsole drops console lines; the console writer already shows them.
func (c *LocalController) AppendConsole(ctx context.Context, jobID string, lines []string) error {
	return nil
}

func (c *LocalController) UpdateRecords(ctx context.Context, jobID string, updates []api.TimelineRecordUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range updates {
		r, ok := c.records[u.ID]
		if !ok {
			r = api.TimelineRecordUpdate{ID: u.ID}
			c.order = append(c.order, u.ID)
		}
		r.Merge(u)
		c.records[u.ID] = r
	}
	return nil
}

func (c *LocalController) UploadPage(ctx context.Context, page pagelog.PageInfo) error {
	c.mu.Lock()
	c.pages = append(c.pages, page.Path)
	c.mu.Unlock()
	c.log.Debug("log page kept", "record_id", page.Metadata.RecordID, "path", page.Path)
	return nil
}

func (c *LocalController) UpdateJobRequest(ctx context.Context, poolID int64, lockToken string, update api.JobRequestUpdate) error {
	c.mu.Lock()
	c.result = update.Result
	c.mu.Unlock()
	c.log.Info("job result", "request_id", update.RequestID, "result", update.Result)
	return nil
}

// Records returns every timeline record in the order it was first seen.
func (c *LocalController) Records() []api.TimelineRecordUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.TimelineRecordUpdate, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id])
	}
	return out
}

// Pages returns the paths of every closed page.
func (c *LocalController) Pages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pages...)
}

// Result returns the reported job result, or "" if none was reported.
func (c *LocalController) Result() api.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}
