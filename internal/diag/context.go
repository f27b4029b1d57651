package diag

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	lineEnding      = "\n"
	timestampFormat = "2006-01-02T15:04:05.000Z07:00"
	headingBand     = "----------------------------------------------------------------------"
	sectionMarker   = "+++++++"
)

// MessageHandler receives the tagged, untimestamped text of every line
// that passes through a Context, for live listeners.
type MessageHandler func(message string)

// Options configures a Context.
type Options struct {
	// Writers receive formatted lines. The Context ends them in End;
	// writers shared between contexts must tolerate End being called more than once.
	Writers []Writer

	// OnMessage is notified once per emitted line. Optional.
	OnMessage MessageHandler

	// Logger receives process-level notices such as malformed calls. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// Context formats leveled messages and routes them to every writer whose
// threshold accepts them. A Context is owned by one goroutine.
type Context struct {
	writers   []Writer
	onMessage MessageHandler
	log       *slog.Logger
	now       func() time.Time

	hasErrors bool
	err       error
}

// New creates a fan-out diagnostic context.
func New(opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Context{
		writers:   opts.Writers,
		onMessage: opts.OnMessage,
		log:       opts.Logger,
		now:       opts.Now,
	}
}

// AddWriter registers an additional writer.
func (c *Context) AddWriter(w Writer) {
	c.writers = append(c.writers, w)
}

// HasErrors reports whether Error was ever called. It is never reset.
func (c *Context) HasErrors() bool {
	return c.hasErrors
}

// Err returns the first write failure reported by any writer.
func (c *Context) Err() error {
	return c.err
}

// Output writes line to every writer without level filtering or formatting.
func (c *Context) Output(line string) {
	c.emit(line)
	if !strings.HasSuffix(line, lineEnding) {
		line += lineEnding
	}
	for _, w := range c.writers {
		c.record(w.Write(line))
	}
}

func (c *Context) Error(message string)   { c.write(LevelError, message) }
func (c *Context) Warning(message string) { c.write(LevelWarning, message) }
func (c *Context) Info(message string)    { c.write(LevelInfo, message) }
func (c *Context) Verbose(message string) { c.write(LevelVerbose, message) }

// Errorf formats according to a format specifier and logs at Error level.
func (c *Context) Errorf(format string, args ...any) {
	c.write(LevelError, fmt.Sprintf(format, args...))
}

// Log writes message at level. Only string messages are accepted; any other
// value is discarded with a Warning diagnostic.
func (c *Context) Log(level Level, message any) {
	text, ok := message.(string)
	if !ok {
		c.log.Warn("discarding non-text log message", "type", fmt.Sprintf("%T", message), "level", level.String())
		c.write(LevelWarning, fmt.Sprintf("invalid log message of type %T discarded", message))
		return
	}
	c.write(level, text)
}

// Heading writes message framed by separator bands to writers that accept Status output.
func (c *Context) Heading(message string) {
	if !c.acceptsStatus() {
		return
	}
	c.writeFiltered(LevelInfo, headingBand, statusFilter)
	c.writeFiltered(LevelInfo, message, statusFilter)
	c.writeFiltered(LevelInfo, headingBand, statusFilter)
}

// Section writes a marked section title to writers that accept Status output.
func (c *Context) Section(message string) {
	if !c.acceptsStatus() {
		return
	}
	c.writeFiltered(LevelInfo, " ", statusFilter)
	c.writeFiltered(LevelInfo, sectionMarker+" "+message, statusFilter)
}

// End ends every writer and returns the first write failure seen, if any.
func (c *Context) End() error {
	var errs []error
	for _, w := range c.writers {
		if err := w.End(); err != nil {
			errs = append(errs, err)
		}
	}
	c.record(errors.Join(errs...))
	return c.err
}

func (c *Context) write(level Level, message string) {
	if level == LevelError {
		c.hasErrors = true
	}
	c.writeFiltered(level, message, func(w Writer) bool { return w.Level() >= level })
}

func statusFilter(w Writer) bool { return w.Level() >= LevelStatus }

func (c *Context) acceptsStatus() bool {
	for _, w := range c.writers {
		if statusFilter(w) {
			return true
		}
	}
	return false
}

func (c *Context) writeFiltered(level Level, message string, accept func(Writer) bool) {
	tag := level.tag()
	for _, line := range splitLines(message) {
		c.emit(tag + line)

		formatted := tag + c.now().UTC().Format(timestampFormat) + ": " + line + lineEnding
		for _, w := range c.writers {
			if !accept(w) {
				continue
			}
			if level == LevelError {
				c.record(w.WriteError(formatted))
			} else {
				c.record(w.Write(formatted))
			}
		}
	}
}

func (c *Context) emit(message string) {
	if c.onMessage != nil {
		c.onMessage(message)
	}
}

func (c *Context) record(err error) {
	if err == nil || c.err != nil {
		return
	}
	c.err = err
	c.log.Error("diagnostic writer failed", "error", err)
}

// splitLines splits on \r\n or \n and strips stray carriage returns.
func splitLines(message string) []string {
	lines := strings.Split(strings.ReplaceAll(message, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.ReplaceAll(line, "\r", "")
	}
	return lines
}
