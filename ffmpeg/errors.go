package ffmpeg

import (
	"fmt"
	"time"
)

// TimeoutError reports a process killed for exceeding its wall-clock budget.
// Distinct from ExitError so callers can tell a hung transcode from a bad one.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transcoder timeout after %s", e.After)
}

// ExitError reports a non-zero transcoder exit, carrying the last captured
// stderr lines for diagnosis.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("transcoder exit %d", e.Code)
	}
	return fmt.Sprintf("transcoder exit %d: %s", e.Code, e.StderrTail)
}

// ExhaustedError reports a search whose every candidate failed.
type ExhaustedError struct {
	Attempts []*AttemptRecord
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d candidates failed", len(e.Attempts))
}
