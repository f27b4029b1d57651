// Package execution binds a diagnostic context to one job or task record.
package execution

import (
	"context"
	"log/slog"
	"path/filepath"

	"jobagent/internal/diag"
	"jobagent/internal/feedback"
	"jobagent/internal/observability"
	"jobagent/internal/pagelog"
)

// LogsFolder is the subfolder of the work folder that receives page files.
const LogsFolder = "_logs"

// Options configures an execution Context.
type Options struct {
	WorkFolder string
	JobID      string
	RecordID   string

	// Verbose selects LevelVerbose over LevelInfo for the page logger.
	Verbose  bool
	PageSize int

	// Writers are shared with other contexts, e.g. the console and the agent's diagnostic file.
	Writers []diag.Writer

	Feedback feedback.Channel
	Logger   *slog.Logger
	Metrics  *observability.AgentMetrics
}

// Context is a diagnostic context for one record. It owns exactly one page
// logger, whose closed pages go to the feedback channel for upload.
type Context struct {
	*diag.Context

	jobID      string
	recordID   string
	workFolder string
	pages      *pagelog.Logger
}

// New creates a Context. Nothing is written to disk until the first log line.
func New(opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("job_id", opts.JobID, "record_id", opts.RecordID)

	pages := pagelog.New(pagelog.Options{
		Folder:   filepath.Join(opts.WorkFolder, LogsFolder),
		JobID:    opts.JobID,
		RecordID: opts.RecordID,
		Level:    diag.DefaultLevel(opts.Verbose),
		PageSize: opts.PageSize,
		OnPage: func(page pagelog.PageInfo) {
			opts.Metrics.PageClosed(context.Background())
			log.Debug("log page closed", "stream_id", page.Metadata.StreamID, "sequence", page.Sequence, "lines", page.Lines)
			if opts.Feedback != nil {
				opts.Feedback.QueueLogPage(page)
			}
		},
	})

	writers := make([]diag.Writer, 0, len(opts.Writers)+1)
	writers = append(writers, opts.Writers...)
	writers = append(writers, pages)

	var onMessage diag.MessageHandler
	if opts.Feedback != nil {
		onMessage = opts.Feedback.QueueConsoleLine
	}

	return &Context{
		Context: diag.New(diag.Options{
			Writers:   writers,
			OnMessage: onMessage,
			Logger:    log,
		}),
		jobID:      opts.JobID,
		recordID:   opts.RecordID,
		workFolder: opts.WorkFolder,
		pages:      pages,
	}
}

func (c *Context) JobID() string      { return c.jobID }
func (c *Context) RecordID() string   { return c.recordID }
func (c *Context) WorkFolder() string { return c.workFolder }

// Stream returns the metadata of the record's log stream, or nil if nothing was logged.
func (c *Context) Stream() *pagelog.Metadata {
	return c.pages.Metadata()
}
