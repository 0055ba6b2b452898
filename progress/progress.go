// Package progress carries per-task progress reports from deeply nested
// executor code back to whatever persists them.
package progress

// Sink receives one clamped progress report.
type Sink func(progress int, stage, message string, extra map[string]any)

// Reporter is bound to exactly one task execution. It is passed explicitly
// down the call chain so reports can never leak across tasks that share a
// worker loop. A nil Reporter drops every report.
type Reporter struct {
	taskID string
	sink   Sink
}

func NewReporter(taskID string, sink Sink) *Reporter {
	return &Reporter{taskID: taskID, sink: sink}
}

// TaskID returns the bound task identifier, or "unknown" when unbound.
func (r *Reporter) TaskID() string {
	if r == nil || r.taskID == "" {
		return "unknown"
	}
	return r.taskID
}

// Report clamps progress to [0,100] and forwards it. Safe to call with
// nothing bound.
func (r *Reporter) Report(progress int, stage, message string, extra map[string]any) {
	if r == nil || r.sink == nil {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	r.sink(progress, stage, message, extra)
}
