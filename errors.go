// Package hpatrol holds the pieces shared by every component of the camera
// harvesting pipeline: the error taxonomy and the audit levels the errors map
// to at the invocation boundary.
//
// The components themselves live in sub-packages. Probably the most important
// is collector, which runs the per-target harvesting loop. The others
// (scheduler, dispatcher, drover, transcoder, health) move work between the
// object store and the queues around it.
package hpatrol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error by how the caller is expected to recover from it.
type Kind int

// The kinds of error the pipeline distinguishes. KindUnknown is anything not
// produced through E or Errorf, and is treated as a programming error.
const (
	KindUnknown Kind = iota
	ConfigError
	ConnectError
	PlaylistError
	DataError
	StoreError
	FFmpegError
	EmptyFrames
	TimeBudgetExceeded
)

var kindNames = map[Kind]string{
	KindUnknown:        "UnknownError",
	ConfigError:        "ConfigError",
	ConnectError:       "ConnectError",
	PlaylistError:      "PlaylistError",
	DataError:          "DataError",
	StoreError:         "StoreError",
	FFmpegError:        "FFmpegError",
	EmptyFrames:        "EmptyFrames",
	TimeBudgetExceeded: "TimeBudgetExceeded",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is an error tagged with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string // e.g. "netclient.Get" or "store.Put"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// E wraps err as an error of the given kind. A stack trace is attached to err
// if it does not already carry one. E returns nil if err is nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ StackTrace() errors.StackTrace }); !ok {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf makes a new error of the given kind from a format string.
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain. A nil error
// has kind KindUnknown, as does an error which was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Level is the severity recorded in an audit entry.
type Level string

// Audit levels, lowest to highest.
const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

var levelRank = map[Level]int{
	LevelInfo:     0,
	LevelWarn:     1,
	LevelError:    2,
	LevelCritical: 3,
}

// LevelOf maps an error to the audit level it should be reported at.
// Reaching the break-point is a normal exit and is reported as INFO.
func LevelOf(err error) Level {
	if err == nil {
		return LevelInfo
	}
	switch KindOf(err) {
	case TimeBudgetExceeded:
		return LevelInfo
	case ConfigError, ConnectError, DataError:
		return LevelWarn
	case PlaylistError, StoreError, FFmpegError, EmptyFrames:
		return LevelError
	}
	return LevelCritical
}

// Max returns the more severe of the two levels.
func Max(a, b Level) Level {
	if levelRank[b] > levelRank[a] {
		return b
	}
	return a
}
