package invoke

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an invocation failure. The executor records most
// kinds into the run result and moves on; RateLimited instead pauses
// the coordinator so the run can be retried after resume.
type Kind string

const (
	// KindTimeout: the external invocation exceeded its bound.
	// Retryable by re-running that single run; not retried
	// automatically.
	KindTimeout Kind = "timeout"
	// KindProcess: nonzero exit or a failure to launch, with captured
	// output. Recorded, not retried.
	KindProcess Kind = "process_error"
	// KindRuntime: an internal logic fault such as an invalid status
	// value. Surfaced prominently since it indicates a bug rather
	// than an environment issue.
	KindRuntime Kind = "runtime_error"
	// KindValidation: checkpoint or config mismatch. Fatal before any
	// work starts.
	KindValidation Kind = "validation_error"
	// KindRateLimited: the invoker hit an external rate limit. The
	// run is not failed; it retries after the coordinator resumes.
	KindRateLimited Kind = "rate_limited"
)

// Exit codes with reserved meaning in the invoker contract.
const (
	ExitTimeout     = 124
	ExitRateLimited = 75
)

type Error struct {
	Kind   Kind
	Op     string
	Err    error
	Output string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain. Unclassified
// errors come back as KindRuntime: anything that escaped without a
// kind is by definition an internal fault.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindRuntime
}

func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// Classify maps a finished invocation to an error kind. Order matters:
// a rate-limit marker wins over the generic nonzero-exit class, and a
// context deadline wins over everything since the captured output of a
// killed process is untrustworthy.
func Classify(ctx context.Context, op string, exitCode int, output string, err error) error {
	if ctx.Err() == context.DeadlineExceeded || exitCode == ExitTimeout {
		return &Error{Kind: KindTimeout, Op: op, Err: context.DeadlineExceeded, Output: output}
	}
	if exitCode == ExitRateLimited || looksRateLimited(output) {
		return &Error{Kind: KindRateLimited, Op: op, Err: err, Output: output}
	}
	if exitCode != 0 || err != nil {
		return &Error{Kind: KindProcess, Op: op, Err: err, Output: output}
	}
	return nil
}

func looksRateLimited(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "429")
}
