package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediaqueue/progress"
)

const historyTailLines = 80

// StepRecord is the post-mortem record of one pipeline step. Records are
// appended to task metadata as they happen, so a failed pipeline still shows
// how far it got.
type StepRecord struct {
	Index      int    `json:"index"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt,omitempty"`
	Status     string `json:"status"`
	Command    string `json:"command"`
	ExitCode   int    `json:"returncode,omitempty"`
	StdoutTail string `json:"stdoutTail,omitempty"`
	StderrTail string `json:"stderrTail,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PipelineResult describes one successful attempt (primary or fallback).
type PipelineResult struct {
	Label   string        `json:"label"`
	Attempt string        `json:"attempt"`
	History []*StepRecord `json:"history"`
}

// RunPipeline executes an ordered command list as one all-or-nothing unit.
// When the primary list fails and a fallback list was supplied, the fallback
// is retried once from its first step; failure is final only when both fail.
func (r *Runner) RunPipeline(ctx context.Context, rep *progress.Reporter, label string, commands, fallback []CommandSpec) (*PipelineResult, error) {
	if len(commands) == 0 {
		return nil, errors.New("pipeline has no commands")
	}
	if label == "" {
		label = "ffmpeg-pipeline"
	}

	primary, err := r.runAttempt(ctx, rep, label, "primary", commands, nil)
	if err == nil {
		rep.Report(100, "done", label+": done", map[string]any{
			"ffmpeg": map[string]any{"jobId": rep.TaskID(), "label": label, "attempt": primary.Attempt, "history": primary.History},
		})
		return primary, nil
	}

	if len(fallback) > 0 {
		fb, fbErr := r.runAttempt(ctx, rep, label, "fallback", fallback, nil)
		if fbErr == nil {
			rep.Report(100, "done", label+": done (fallback)", map[string]any{
				"ffmpeg": map[string]any{"jobId": rep.TaskID(), "label": label, "attempt": fb.Attempt, "history": fb.History},
			})
			return fb, nil
		}
		rep.Report(100, "error", label+": failed", map[string]any{
			"ffmpeg": map[string]any{"jobId": rep.TaskID(), "label": label, "error": fbErr.Error()},
		})
		return nil, fbErr
	}

	rep.Report(100, "error", label+": failed", map[string]any{
		"ffmpeg": map[string]any{"jobId": rep.TaskID(), "label": label, "error": err.Error()},
	})
	return nil, err
}

// runAttempt runs one command list to completion, recording per-step history.
// searchCtx, when non-nil, is folded into every progress emission so search
// observers can see which candidate is running.
func (r *Runner) runAttempt(ctx context.Context, rep *progress.Reporter, label, attemptName string, pipeline []CommandSpec, searchCtx map[string]any) (*PipelineResult, error) {
	total := len(pipeline)
	history := make([]*StepRecord, 0, total)

	attemptCtx := func(extra map[string]any) map[string]any {
		out := map[string]any{
			"jobId":   rep.TaskID(),
			"label":   label,
			"attempt": attemptName,
			"history": history,
		}
		for k, v := range searchCtx {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	for i, spec := range pipeline {
		args, err := spec.ResolveArgs()
		if err != nil {
			return nil, err
		}

		record := &StepRecord{
			Index:     i,
			StartedAt: time.Now().UnixMilli(),
			Status:    "running",
			Command:   r.Bin + " " + strings.Join(args, " "),
		}
		history = append(history, record)

		stepPct := int(float64(i) / float64(max(1, total)) * 100)
		rep.Report(stepPct, "ffmpeg", label+": "+attemptName+" "+stepLabel(i, total), map[string]any{
			"ffmpeg": attemptCtx(nil),
		})

		res, err := r.RunCommand(ctx, spec, StepInfo{Index: i, Total: total}, rep, map[string]any{"label": label, "attempt": attemptName})
		record.FinishedAt = time.Now().UnixMilli()
		if err != nil {
			record.Status = "failed"
			record.Error = err.Error()
			rep.Report(stepPct, "ffmpeg", label+": "+attemptName+" failed", map[string]any{
				"ffmpeg": attemptCtx(map[string]any{"error": err.Error()}),
			})
			return nil, err
		}

		record.Status = "success"
		record.ExitCode = res.ExitCode
		record.StdoutTail = tailOf(res.Stdout)
		record.StderrTail = tailOf(res.Stderr)
	}

	return &PipelineResult{Label: label, Attempt: attemptName, History: history}, nil
}

func stepLabel(index, total int) string {
	return fmt.Sprintf("[%d/%d]", index+1, max(1, total))
}

func tailOf(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > historyTailLines {
		lines = lines[len(lines)-historyTailLines:]
	}
	return strings.Join(lines, "\n")
}
