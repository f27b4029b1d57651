// Package pagelog persists a log stream as rotating, bounded page files.
//
// A Logger creates nothing on disk until its first write. Each page holds at
// most PageSize lines; when a page fills it is closed and handed to the
// PageHandler, and a new page with the next sequence number is opened on the
// following write. Closed pages are never reopened.
//
// A Logger is not safe for concurrent use. Each stream has exactly one owner.
package pagelog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"jobagent/internal/diag"

	"github.com/google/uuid"
)

// DefaultPageSize is the number of lines per page.
const DefaultPageSize = 25

// ErrLoggerBroken is returned by every call after an I/O failure.
var ErrLoggerBroken = errors.New("page logger is broken")

// ErrLoggerEnded is returned when writing to a logger that has been ended.
var ErrLoggerEnded = errors.New("page logger has ended")

// Metadata identifies the owner of a stream. It is written once as a sidecar file.
type Metadata struct {
	StreamID string `json:"stream_id"`
	JobID    string `json:"job_id"`
	RecordID string `json:"record_id"`
	Path     string `json:"path"`
}

// PageInfo describes a closed page ready for upload.
type PageInfo struct {
	Metadata Metadata
	Path     string
	Sequence int
	Lines    int
}

// PageHandler is notified once for every closed page, in sequence order.
type PageHandler func(PageInfo)

// Options configures a Logger.
type Options struct {
	// Folder receives the sidecar and page files. Created on first write.
	Folder   string
	JobID    string
	RecordID string

	// Level is the diagnostic threshold reported by Level.
	Level diag.Level

	// PageSize defaults to DefaultPageSize.
	PageSize int

	// OnPage receives closed pages. Optional.
	OnPage PageHandler
}

// Logger is a diag.Writer backed by page files.
type Logger struct {
	opts Options

	meta     *Metadata
	file     *os.File
	buf      *bufio.Writer
	pagePath string
	sequence int
	lines    int

	ended bool
	err   error
}

var _ diag.Writer = (*Logger)(nil)

// New creates a Logger. No files are created until the first write.
func New(opts Options) *Logger {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Logger{opts: opts}
}

func (l *Logger) Level() diag.Level { return l.opts.Level }

// Metadata returns the stream metadata, or nil if nothing has been written yet.
func (l *Logger) Metadata() *Metadata { return l.meta }

// Write appends line to the current page, opening one if necessary.
func (l *Logger) Write(line string) error {
	if l.err != nil {
		return l.err
	}
	if l.ended {
		return ErrLoggerEnded
	}

	if l.meta == nil {
		if err := l.create(); err != nil {
			return l.fail(err)
		}
	}
	if l.file == nil {
		if err := l.openPage(); err != nil {
			return l.fail(err)
		}
	}

	if _, err := l.buf.WriteString(line); err != nil {
		return l.fail(fmt.Errorf("failed to write page %d: %w", l.sequence, err))
	}
	l.lines++

	if l.lines >= l.opts.PageSize {
		if err := l.closePage(); err != nil {
			return l.fail(err)
		}
	}
	return nil
}

// WriteError is identical to Write; pages have no separate error stream.
func (l *Logger) WriteError(line string) error {
	return l.Write(line)
}

// End closes the open page, if any. Ending a stream that never wrote is a no-op.
func (l *Logger) End() error {
	if l.err != nil {
		return l.err
	}
	if l.ended {
		return nil
	}
	l.ended = true
	if l.file == nil {
		return nil
	}
	if err := l.closePage(); err != nil {
		return l.fail(err)
	}
	return nil
}

func (l *Logger) create() error {
	if err := os.MkdirAll(l.opts.Folder, 0o755); err != nil {
		return fmt.Errorf("failed to create logs folder: %w", err)
	}

	folder, err := filepath.Abs(l.opts.Folder)
	if err != nil {
		return fmt.Errorf("failed to resolve logs folder: %w", err)
	}

	meta := &Metadata{
		StreamID: uuid.NewString(),
		JobID:    l.opts.JobID,
		RecordID: l.opts.RecordID,
	}
	sidecar := filepath.Join(folder, meta.StreamID+".metadata.json")
	meta.Path = sidecar

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode log metadata: %w", err)
	}
	if err := os.WriteFile(sidecar, data, 0o644); err != nil {
		return fmt.Errorf("failed to write log metadata: %w", err)
	}

	l.meta = meta
	return nil
}

func (l *Logger) openPage() error {
	l.sequence++
	l.lines = 0
	l.pagePath = PagePath(filepath.Dir(l.meta.Path), l.meta.StreamID, l.sequence)

	f, err := os.OpenFile(l.pagePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open page %d: %w", l.sequence, err)
	}
	l.file = f
	l.buf = bufio.NewWriter(f)
	return nil
}

func (l *Logger) closePage() error {
	if err := l.buf.Flush(); err != nil {
		l.file.Close()
		l.file = nil
		l.buf = nil
		return fmt.Errorf("failed to flush page %d: %w", l.sequence, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close page %d: %w", l.sequence, err)
	}
	l.file = nil
	l.buf = nil

	if l.opts.OnPage != nil {
		l.opts.OnPage(PageInfo{
			Metadata: *l.meta,
			Path:     l.pagePath,
			Sequence: l.sequence,
			Lines:    l.lines,
		})
	}
	return nil
}

func (l *Logger) fail(err error) error {
	l.err = fmt.Errorf("%w: %w", ErrLoggerBroken, err)
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return l.err
}

// PagePath returns the file name of page sequence of stream streamID.
func PagePath(folder, streamID string, sequence int) string {
	return filepath.Join(folder, fmt.Sprintf("%s_%d.page", streamID, sequence))
}
