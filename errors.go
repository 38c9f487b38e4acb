package stripjpeg

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrorKind classifies why an encode failed.
type ErrorKind int

const (
	// KindValidation reports invalid options, dimensions or scanline lengths.
	KindValidation ErrorKind = iota + 1
	// KindResource reports a failure of the underlying pixel source.
	KindResource
	// KindAgent reports a compression agent that failed or stopped responding.
	KindAgent
	// KindCancelled reports a request that was still pending when the pool
	// shut down, or an encode whose context was cancelled.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindAgent:
		return "agent"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error type returned by every failing operation of this
// package. Strip is the index of the strip involved, or -1.
type Error struct {
	Kind  ErrorKind
	Strip int
	Err   error
}

func (e *Error) Error() string {
	if e.Strip >= 0 {
		return fmt.Sprintf("stripjpeg: %s error on strip %d: %v", e.Kind, e.Strip, e.Err)
	}
	return fmt.Sprintf("stripjpeg: %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrCancelled is in the chain of every cancellation error, next to its cause.
var ErrCancelled = errors.New("request cancelled")

// ErrPoolClosed is returned for submissions to a pool that was shut down.
var ErrPoolClosed = errors.New("agent pool is shut down")

func validationErrorf(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Strip: -1, Err: errors.Errorf(format, args...)}
}

func resourceError(err error, msg string) error {
	return &Error{Kind: KindResource, Strip: -1, Err: errors.Wrap(err, msg)}
}

func agentError(strip int, err error) error {
	return &Error{Kind: KindAgent, Strip: strip, Err: err}
}

func cancelledError(strip int, cause error) error {
	if cause == nil {
		cause = ErrCancelled
	} else if cause != ErrCancelled {
		cause = multierr.Combine(ErrCancelled, cause)
	}
	return &Error{Kind: KindCancelled, Strip: strip, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
