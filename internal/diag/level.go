// Package diag provides leveled diagnostic logging that fans out to a set of writers.
package diag

import (
	"fmt"
	"strings"
)

// Level is an ordered severity. Larger values are more verbose.
// A writer accepts a line when the line's level is <= the writer's level.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelStatus
	LevelInfo
	LevelVerbose
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelStatus:
		return "status"
	case LevelInfo:
		return "info"
	case LevelVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses the names returned by Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "status":
		return LevelStatus, nil
	case "info":
		return LevelInfo, nil
	case "verbose", "debug":
		return LevelVerbose, nil
	default:
		return 0, fmt.Errorf("unknown diagnostic level %q", s)
	}
}

// DefaultLevel returns the writer threshold for the process-wide verbosity flag.
func DefaultLevel(verbose bool) Level {
	if verbose {
		return LevelVerbose
	}
	return LevelInfo
}

// tag returns the line prefix used for a level.
func (l Level) tag() string {
	switch l {
	case LevelError:
		return "[Error] "
	case LevelWarning:
		return "[Warning] "
	default:
		return ""
	}
}
