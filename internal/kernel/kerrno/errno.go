// Package kerrno defines the closed set of kernel error kinds that every
// subsystem returns instead of ad hoc error strings: typed,
// sentinel-comparable errors that still compose with errors.Is/errors.As.
package kerrno

import "fmt"

// Errno is one of a fixed set of kernel-level error kinds. Layers propagate
// it unchanged unless they explicitly reinterpret it.
type Errno int

const (
	_ Errno = iota
	BadFD
	TooManyFiles
	OutOfMemory
	NameTooLong
	NoEntry
	IsDirectory
	NotADirectory
	AlreadyExists
	NotEmpty
	NoSpace
	InvalidArgument
	NoChild
	Fault
	Interrupted
	Permission
)

var names = map[Errno]string{
	BadFD:           "bad file descriptor",
	TooManyFiles:    "too many open files",
	OutOfMemory:     "out of memory",
	NameTooLong:     "name too long",
	NoEntry:         "no such entry",
	IsDirectory:     "is a directory",
	NotADirectory:   "not a directory",
	AlreadyExists:   "already exists",
	NotEmpty:        "directory not empty",
	NoSpace:         "no space left on device",
	InvalidArgument: "invalid argument",
	NoChild:         "no child process",
	Fault:           "bad address",
	Interrupted:     "interrupted",
	Permission:      "permission denied",
}

func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("kerrno(%d)", int(e))
}

// wrapped pairs an Errno with additional context while staying comparable
// via errors.Is to both the Errno and the wrapped cause.
type wrapped struct {
	kind  Errno
	cause error
	msg   string
}

func (w *wrapped) Error() string {
	if w.cause != nil {
		return fmt.Sprintf("%s: %s: %v", w.msg, w.kind, w.cause)
	}
	return fmt.Sprintf("%s: %s", w.msg, w.kind)
}

func (w *wrapped) Unwrap() error { return w.cause }

// Is allows errors.Is(err, kerrno.NoEntry) to succeed for a wrapped error.
func (w *wrapped) Is(target error) bool {
	if e, ok := target.(Errno); ok {
		return w.kind == e
	}
	return false
}

// Wrap attaches msg and an optional cause to an Errno, preserving both for
// errors.Is / errors.Unwrap.
func Wrap(kind Errno, msg string, cause error) error {
	return &wrapped{kind: kind, cause: cause, msg: msg}
}

// Kind extracts the Errno from err if it is one or wraps one, the zero
// value otherwise.
func Kind(err error) (Errno, bool) {
	if err == nil {
		return 0, false
	}
	if e, ok := err.(Errno); ok {
		return e, true
	}
	if w, ok := err.(*wrapped); ok {
		return w.kind, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return Kind(u.Unwrap())
	}
	return 0, false
}
