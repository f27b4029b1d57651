package diag

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Writer is a sink for formatted log lines.
type Writer interface {
	// Level is the most verbose level the writer accepts.
	Level() Level

	// Write appends one formatted line.
	Write(line string) error

	// WriteError appends one formatted Error-level line.
	WriteError(line string) error

	// End flushes and releases the writer.
	End() error
}

// ConsoleWriter writes lines to stdout, errors to stderr.
type ConsoleWriter struct {
	level  Level
	out    io.Writer
	errOut io.Writer
}

// NewConsoleWriter creates a writer over the process's stdout and stderr.
func NewConsoleWriter(level Level) *ConsoleWriter {
	return &ConsoleWriter{level: level, out: os.Stdout, errOut: os.Stderr}
}

// NewStreamWriter creates a console-style writer over arbitrary streams.
func NewStreamWriter(level Level, out, errOut io.Writer) *ConsoleWriter {
	if errOut == nil {
		errOut = out
	}
	return &ConsoleWriter{level: level, out: out, errOut: errOut}
}

func (w *ConsoleWriter) Level() Level { return w.level }

func (w *ConsoleWriter) Write(line string) error {
	_, err := io.WriteString(w.out, line)
	return err
}

func (w *ConsoleWriter) WriteError(line string) error {
	_, err := io.WriteString(w.errOut, line)
	return err
}

func (w *ConsoleWriter) End() error { return nil }

// FileWriter appends lines to a single flat file. The file is opened on
// first write so a context that never logs leaves nothing behind.
// It may be shared by contexts on different goroutines; End closes the
// file and the next write reopens it.
type FileWriter struct {
	level Level
	path  string

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// NewFileWriter creates a writer appending to path.
func NewFileWriter(level Level, path string) *FileWriter {
	return &FileWriter{level: level, path: path}
}

func (w *FileWriter) Level() Level { return w.level }

// Path returns the file the writer appends to.
func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Write(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
			return fmt.Errorf("failed to create log folder: %w", err)
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w.file = f
		w.buf = bufio.NewWriter(f)
	}
	if _, err := w.buf.WriteString(line); err != nil {
		return err
	}
	// Flush per line so the file survives a crash.
	return w.buf.Flush()
}

func (w *FileWriter) WriteError(line string) error { return w.Write(line) }

func (w *FileWriter) End() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	w.buf = nil
	return err
}
