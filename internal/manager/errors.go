package manager

import (
	"errors"
	"fmt"

	"yqhp/build-engine/internal/builder"
)

var (
	// ErrWorkerError means a worker reported a fatal local failure.
	ErrWorkerError = errors.New("worker reported an error")
	// ErrWorkerTimeout means the only worker stopped pinging.
	ErrWorkerTimeout = errors.New("worker timed out")
	// ErrWorkerStalled means a worker's heartbeats fell far behind its peers.
	ErrWorkerStalled = errors.New("worker stalled")
	// ErrWorkerUnreachable means work could not be delivered to a worker.
	ErrWorkerUnreachable = errors.New("worker unreachable")
)

// Reason names the condition that aborted a run.
type Reason string

const (
	ReasonTimeout             Reason = "timeout"
	ReasonReportedError       Reason = "reported_error"
	ReasonRatio               Reason = "ratio"
	ReasonZScore              Reason = "zscore"
	ReasonUnreachable         Reason = "unreachable"
	ReasonPrechunkUnsupported Reason = "prechunk_unsupported"
)

// FatalError aborts a distributed run.
type FatalError struct {
	Reason   Reason
	Identity string
	Message  string
}

func (e *FatalError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("run aborted (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("run aborted (%s) by worker %s: %s", e.Reason, e.Identity, e.Message)
}

// Unwrap maps the reason to its sentinel so callers can use errors.Is.
func (e *FatalError) Unwrap() error {
	switch e.Reason {
	case ReasonTimeout:
		return ErrWorkerTimeout
	case ReasonReportedError:
		return ErrWorkerError
	case ReasonRatio, ReasonZScore:
		return ErrWorkerStalled
	case ReasonUnreachable:
		return ErrWorkerUnreachable
	case ReasonPrechunkUnsupported:
		return builder.ErrPrechunkUnsupported
	}
	return nil
}
