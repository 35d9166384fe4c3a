package remote

import (
	"context"
	"errors"
	"time"
)

// Operation names accepted by the adapter. Each maps to a single validated
// executable path on the target host.
const (
	OpPrecheck  = "precheck"
	OpPatch     = "patch"
	OpPostcheck = "postcheck"
	OpRollback  = "rollback"
)

var (
	// ErrConnectivity is surfaced after the configured number of
	// connection attempts have failed.
	ErrConnectivity = errors.New("remote host unreachable")

	// ErrCommandTimeout is surfaced when a connected session does not
	// complete within the operation's timeout.
	ErrCommandTimeout = errors.New("remote command timed out")

	// ErrOperationFailed marks a normally-completed command with a
	// nonzero exit status. The adapter itself never returns it; the state
	// machine uses it when reporting phase failures.
	ErrOperationFailed = errors.New("remote operation exited nonzero")

	// ErrUnknownOperation is returned for an operation with no configured
	// script path.
	ErrUnknownOperation = errors.New("unknown remote operation")
)

// Result is the outcome of one completed remote operation. A nonzero
// ExitCode is not an error at this layer; interpreting it is the state
// machine's responsibility.
type Result struct {
	ExitCode int
	Output   string
}

// Runner opens a secure session to one target host and runs one named
// operation.
type Runner interface {
	Run(ctx context.Context, host, operation string, timeout time.Duration) (Result, error)
}
