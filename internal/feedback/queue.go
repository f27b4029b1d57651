package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobagent/internal/observability"
	"jobagent/internal/pagelog"
	"jobagent/pkg/api"

	"golang.org/x/time/rate"
)

// ErrQueueClosed is returned by Drain after Close.
var ErrQueueClosed = errors.New("feedback queue is closed")

// Channel is the asynchronous path by which job telemetry reaches the controller.
// Queue methods never block on the network; only the drain operations wait.
type Channel interface {
	// QueueLogPage enqueues a closed page for upload.
	QueueLogPage(page pagelog.PageInfo)

	// QueueConsoleLine enqueues a live console-feed line.
	QueueConsoleLine(line string)

	// QueueRecordUpdate enqueues a partial update to one timeline record.
	QueueRecordUpdate(update api.TimelineRecordUpdate)

	// UpdateJobRequest sends the final job result synchronously.
	UpdateJobRequest(ctx context.Context, poolID int64, lockToken string, update api.JobRequestUpdate) error

	// Drain blocks until every item queued before the call has been delivered
	// or has definitively failed, and returns the failures since the last drain.
	Drain(ctx context.Context) error

	// DrainLogs is Drain restricted to console lines and log pages.
	DrainLogs(ctx context.Context) error
}

// Transport performs the network calls behind a Queue. *Client implements it.
type Transport interface {
	AppendConsole(ctx context.Context, jobID string, lines []string) error
	UpdateRecords(ctx context.Context, jobID string, updates []api.TimelineRecordUpdate) error
	UploadPage(ctx context.Context, page pagelog.PageInfo) error
	UpdateJobRequest(ctx context.Context, poolID int64, lockToken string, update api.JobRequestUpdate) error
}

// QueueConfig holds delivery settings for a Queue.
type QueueConfig struct {
	JobID         string
	FlushInterval time.Duration // default: 1s
	Attempts      int           // per item, default: 3
	RetryDelay    time.Duration // between attempts, default: 500ms
	RateLimit     float64       // requests per second, default: 20
}

const consoleBatchSize = 100

type drainRequest struct {
	ctx      context.Context
	logsOnly bool
	reply    chan error
}

// Queue is a Channel that batches console lines, coalesces record updates per
// record, and uploads pages in the order they were queued.
type Queue struct {
	transport Transport
	config    QueueConfig
	limiter   *rate.Limiter
	log       *slog.Logger
	metrics   *observability.AgentMetrics

	mu          sync.Mutex
	console     []string
	pages       []pagelog.PageInfo
	records     []api.TimelineRecordUpdate
	recordIndex map[string]int
	logFailures []error
	recFailures []error
	closed      bool

	wake    chan struct{}
	drains  chan drainRequest
	done    chan struct{}
	stopped chan struct{}
}

var _ Channel = (*Queue)(nil)

// NewQueue creates a Queue and starts its delivery loop. Call Close to stop it.
func NewQueue(t Transport, config QueueConfig, log *slog.Logger, metrics *observability.AgentMetrics) *Queue {
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.Attempts <= 0 {
		config.Attempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 20
	}
	if log == nil {
		log = slog.Default()
	}

	q := &Queue{
		transport:   t,
		config:      config,
		limiter:     rate.NewLimiter(rate.Limit(config.RateLimit), int(config.RateLimit)+1),
		log:         log.With("job_id", config.JobID),
		metrics:     metrics,
		recordIndex: make(map[string]int),
		wake:        make(chan struct{}, 1),
		drains:      make(chan drainRequest),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) QueueLogPage(page pagelog.PageInfo) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Warn("dropping log page queued after close", "stream_id", page.Metadata.StreamID, "sequence", page.Sequence)
		return
	}
	q.pages = append(q.pages, page)
	q.mu.Unlock()
	q.triggerFlush()
}

func (q *Queue) QueueConsoleLine(line string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.console = append(q.console, line)
	full := len(q.console) >= consoleBatchSize
	q.mu.Unlock()
	if full {
		q.triggerFlush()
	}
}

func (q *Queue) QueueRecordUpdate(update api.TimelineRecordUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.log.Warn("dropping record update queued after close", "record_id", update.ID)
		return
	}
	if i, ok := q.recordIndex[update.ID]; ok {
		q.records[i].Merge(update)
		return
	}
	q.recordIndex[update.ID] = len(q.records)
	q.records = append(q.records, update)
}

func (q *Queue) UpdateJobRequest(ctx context.Context, poolID int64, lockToken string, update api.JobRequestUpdate) error {
	return q.attempt(ctx, "job request update", func(ctx context.Context) error {
		return q.transport.UpdateJobRequest(ctx, poolID, lockToken, update)
	})
}

func (q *Queue) Drain(ctx context.Context) error {
	return q.drain(ctx, false)
}

func (q *Queue) DrainLogs(ctx context.Context) error {
	return q.drain(ctx, true)
}

// Close flushes everything still queued and stops the delivery loop.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	<-q.stopped
}

func (q *Queue) drain(ctx context.Context, logsOnly bool) error {
	req := drainRequest{ctx: ctx, logsOnly: logsOnly, reply: make(chan error, 1)}
	select {
	case q.drains <- req:
	case <-q.stopped:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// The loop always replies once it has accepted a request.
	return <-req.reply
}

func (q *Queue) triggerFlush() {
	select {
	case q.wake <- struct{}{}:
	default:
		// Already a flush pending
	}
}

func (q *Queue) run() {
	defer close(q.stopped)

	ticker := time.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			q.flush(context.Background(), false)
			if err := q.takeFailures(false); err != nil {
				q.log.Error("feedback undelivered at close", "error", err)
			}
			return
		case <-ticker.C:
			q.flush(context.Background(), false)
		case <-q.wake:
			q.flush(context.Background(), false)
		case req := <-q.drains:
			q.flush(req.ctx, req.logsOnly)
			err := q.takeFailures(req.logsOnly)
			if err != nil {
				q.metrics.DrainFailed(req.ctx)
			}
			req.reply <- err
		}
	}
}

// flush delivers every item queued so far. On return each item has either
// been delivered or recorded as a failure.
func (q *Queue) flush(ctx context.Context, logsOnly bool) {
	q.mu.Lock()
	console := q.console
	pages := q.pages
	q.console, q.pages = nil, nil
	var records []api.TimelineRecordUpdate
	if !logsOnly {
		records = q.records
		q.records = nil
		q.recordIndex = make(map[string]int)
	}
	q.mu.Unlock()

	for start := 0; start < len(console); start += consoleBatchSize {
		batch := console[start:min(start+consoleBatchSize, len(console))]
		err := q.attempt(ctx, "console lines", func(ctx context.Context) error {
			return q.transport.AppendConsole(ctx, q.config.JobID, batch)
		})
		q.account(ctx, "console", len(batch), err, true)
	}

	for _, page := range pages {
		what := fmt.Sprintf("log page %s/%d", page.Metadata.StreamID, page.Sequence)
		err := q.attempt(ctx, what, func(ctx context.Context) error {
			return q.transport.UploadPage(ctx, page)
		})
		q.account(ctx, "page", 1, err, true)
	}

	if len(records) > 0 {
		err := q.attempt(ctx, "timeline records", func(ctx context.Context) error {
			return q.transport.UpdateRecords(ctx, q.config.JobID, records)
		})
		q.account(ctx, "record", len(records), err, false)
	}
}

func (q *Queue) account(ctx context.Context, kind string, n int, err error, isLog bool) {
	if err == nil {
		q.metrics.FeedbackDelivered(ctx, kind, n)
		return
	}
	q.metrics.FeedbackFailed(ctx, kind, n)
	q.log.Error("feedback delivery failed", "kind", kind, "count", n, "error", err)

	q.mu.Lock()
	defer q.mu.Unlock()
	if isLog {
		q.logFailures = append(q.logFailures, err)
	} else {
		q.recFailures = append(q.recFailures, err)
	}
}

func (q *Queue) takeFailures(logsOnly bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	errs := q.logFailures
	q.logFailures = nil
	if !logsOnly {
		errs = append(errs, q.recFailures...)
		q.recFailures = nil
	}
	return errors.Join(errs...)
}

// attempt calls fn up to Attempts times, respecting the upload rate limit.
func (q *Queue) attempt(ctx context.Context, what string, fn func(context.Context) error) error {
	var err error
	for i := 0; i < q.config.Attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(q.config.RetryDelay):
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", what, ctx.Err())
			}
		}
		if werr := q.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("%s: %w", what, werr)
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		q.log.Warn("feedback attempt failed", "item", what, "attempt", i+1, "error", err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
