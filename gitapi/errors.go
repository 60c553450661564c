package gitapi

import (
	"os/exec"

	"github.com/pkg/errors"
)

// Kind classifies a plumbing failure the way spec/7 enumerates them, so
// callers (ShadowEngine, DriftDetector, DaemonLoop) can decide whether to
// retry, skip the cycle, quarantine a ref, or treat the daemon itself as
// unhealthy, without re-deriving the classification from raw exit codes
// at every call site.
type Kind int

const (
	// KindTransient covers network hiccups: dropped fetch/push, DNS blips.
	KindTransient Kind = iota
	// KindBusy covers a concurrent git operation already in flight.
	KindBusy
	// KindBlocker covers a condition the user must resolve by hand.
	KindBlocker
	// KindCorruption covers refs or objects that no longer make sense.
	KindCorruption
	// KindFatal covers conditions that make the daemon itself unusable.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBusy:
		return "busy"
	case KindBlocker:
		return "blocker"
	case KindCorruption:
		return "corruption"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified plumbing failure. The zero value is not useful;
// construct with New.
type Error struct {
	Kind    Kind
	Reason  string
	Argv    []string
	Cause   error
}

func New(kind Kind, reason string, cause error) *Error {
	e := &Error{Kind: kind, Reason: reason, Cause: cause}
	if xe, ok := errors.Cause(cause).(*ExitError); ok {
		e.Argv = xe.Argv
	}
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Reason + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Cause }

// IsBusy reports whether err (or anything it wraps) is a KindBusy error.
func IsBusy(err error) bool { return hasKind(err, KindBusy) }

// IsBlocker reports whether err (or anything it wraps) is a KindBlocker error.
func IsBlocker(err error) bool { return hasKind(err, KindBlocker) }

// IsTransient reports whether err (or anything it wraps) is a KindTransient error.
func IsTransient(err error) bool { return hasKind(err, KindTransient) }

// IsFatal reports whether err (or anything it wraps) is a KindFatal error.
func IsFatal(err error) bool { return hasKind(err, KindFatal) }

func hasKind(err error, k Kind) bool {
	var pe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			pe = e
			break
		}
		err = errors.Unwrap(err)
	}
	return pe != nil && pe.Kind == k
}

// ClassifyExec maps a subprocess that ran and exited non-zero to a
// Transient error, whatever the exit code (git's usage/state exit 128
// included), and a failure to run the process at all to a Fatal error.
// Plumbing call sites that know better (busy index, missing object) build
// a more specific Kind with New instead.
func ClassifyExec(reason string, err error) *Error {
	if err == nil {
		return nil
	}
	if _, ok := errors.Cause(err).(*exec.ExitError); ok {
		return New(KindTransient, reason, err)
	}
	return New(KindFatal, reason, err)
}
