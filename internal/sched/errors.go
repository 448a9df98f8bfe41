package sched

import (
	"errors"
	"fmt"

	"tikzmotion/internal/frame"
)

// ErrAborted is the sentinel wrapped by AbortError.
var ErrAborted = errors.New("compilation aborted")

// ErrTotalFailure is the sentinel wrapped by TotalFailureError.
var ErrTotalFailure = errors.New("all frames failed to compile")

// AbortError is returned under PolicyAbort when the first frame fails.
type AbortError struct {
	// Failed is the frame whose failure aborted the run.
	Failed frame.Result
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted: frame %d failed: %s", e.Failed.Index, e.Failed.ErrorMessage)
}

func (e *AbortError) Unwrap() error { return ErrAborted }

// TotalFailureError reports that every submitted job failed. This
// strongly suggests a structural problem in the template itself rather
// than in any per-frame parameter value, so callers should surface the
// first frame's error prominently instead of listing N identical ones.
type TotalFailureError struct {
	Frames int

	// First is the failure of the lowest-indexed frame.
	First frame.Result
}

func (e *TotalFailureError) Error() string {
	return fmt.Sprintf("all %d frames failed to compile, likely a template-level problem; frame %d: %s",
		e.Frames, e.First.Index, e.First.ErrorMessage)
}

func (e *TotalFailureError) Unwrap() error { return ErrTotalFailure }
