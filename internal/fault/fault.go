// Package fault defines the closed set of failure kinds the tool can
// report. Every error that reaches the top level is either a *Fault or a
// plain error; the command layer maps the kind to an exit code and a
// remediation hint in exactly one place.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a fault. The zero value means "not a fault" (a plain
// error, reported generically).
type Kind int

const (
	KindNone Kind = iota

	// KindInternal marks a violated assumption about the kernel's device
	// tree or the tool's own state. These are tool defects.
	KindInternal

	// KindEnvironment marks an unmet host prerequisite: missing
	// pseudo-filesystems, wrong privilege, pool already present, no
	// eligible disks.
	KindEnvironment

	// KindParameter marks an invalid or ambiguous disk selection from the
	// caller.
	KindParameter

	// KindOperational marks a destructive step that failed or produced an
	// unverifiable result. The host may be partially modified.
	KindOperational

	// KindIO marks a file or device access failure not otherwise
	// classified.
	KindIO
)

// Exit codes, one per kind. 1 is reserved for errors that carry no kind.
const (
	ExitOK          = 0
	ExitGeneric     = 1
	ExitParameter   = 2
	ExitEnvironment = 3
	ExitOperational = 4
	ExitIO          = 5
	ExitInternal    = 6
)

// Fault is an error tagged with a Kind. It wraps an optional cause so
// callers can still use errors.Is/As on the chain.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	switch {
	case f.Err == nil:
		return f.Msg
	case f.Msg == "":
		return f.Err.Error()
	default:
		return f.Msg + ": " + f.Err.Error()
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// New returns a fault of the given kind with a formatted message. If the
// final argument is an error and the format spends its last verb on it,
// the error becomes the wrapped cause, matching the fmt.Errorf("%w")
// convention. Formats consuming the error elsewhere keep it as an
// ordinary argument.
func New(kind Kind, format string, args ...any) error {
	var cause error
	if n := len(args); n > 0 {
		if err, ok := args[n-1].(error); ok {
			if trimmed, tail := trimCauseVerb(format); tail {
				cause = err
				args = args[:n-1]
				format = trimmed
			}
		}
	}
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// trimCauseVerb drops a trailing ": %w" or ": %v", or a bare "%w"/"%v"
// format, reporting whether the format's tail was the cause verb.
func trimCauseVerb(format string) (string, bool) {
	for _, suffix := range []string{": %w", ": %v"} {
		if strings.HasSuffix(format, suffix) {
			return strings.TrimSuffix(format, suffix), true
		}
	}
	if format == "%w" || format == "%v" {
		return "", true
	}
	return format, false
}

func Internalf(format string, args ...any) error {
	return New(KindInternal, format, args...)
}

func Environmentf(format string, args ...any) error {
	return New(KindEnvironment, format, args...)
}

func Parameterf(format string, args ...any) error {
	return New(KindParameter, format, args...)
}

func Operationalf(format string, args ...any) error {
	return New(KindOperational, format, args...)
}

func IOf(format string, args ...any) error {
	return New(KindIO, format, args...)
}

// KindOf returns the kind of the first Fault in err's chain, or KindNone.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindNone
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindParameter:
		return ExitParameter
	case KindEnvironment:
		return ExitEnvironment
	case KindOperational:
		return ExitOperational
	case KindIO:
		return ExitIO
	case KindInternal:
		return ExitInternal
	default:
		return ExitGeneric
	}
}

// Remediation returns operator guidance for a fault kind, or "" when
// there is nothing useful to add.
func Remediation(kind Kind) string {
	switch kind {
	case KindInternal:
		return "This looks like a defect in bedrock itself; please report it with the full output."
	case KindEnvironment:
		return "The host does not meet a prerequisite. Fix the reported condition and re-run."
	case KindParameter:
		return "Check the disk selection arguments; run 'bedrock inspect' to see eligible disks."
	case KindOperational:
		return "A destructive step failed part-way. Storage on this host may be partially modified; inspect it manually before re-running."
	case KindIO:
		return "A device or file could not be accessed. Verify the device is present and healthy."
	default:
		return ""
	}
}
