package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"mediaqueue/ffmpeg"
	"mediaqueue/progress"
)

type sleepPayload struct {
	Seconds float64 `json:"seconds"`
	Steps   int     `json:"steps"`
}

// runSleep is the smoke-test kind: stepwise sleep with progress reports and
// a small artifact for result plumbing.
func (w *Worker) runSleep(ctx context.Context, rep *progress.Reporter, p sleepPayload) (any, error) {
	total := p.Steps
	if total < 1 {
		total = 10
	}
	stepSleep := time.Duration(p.Seconds / float64(total) * float64(time.Second))
	if stepSleep < 0 {
		stepSleep = 0
	}

	outDir, err := w.outputDir(rep.TaskID())
	if err != nil {
		return nil, err
	}

	rep.Report(0, "queued", "task started", nil)
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(stepSleep):
		}
		rep.Report((i+1)*100/total, "running", fmt.Sprintf("step %d/%d", i+1, total), nil)
	}

	artifact := filepath.Join(outDir, "result.txt")
	content := fmt.Sprintf("ok task=%s pid=%d\n", rep.TaskID(), os.Getpid())
	if err := os.WriteFile(artifact, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	rep.Report(100, "done", "completed", map[string]any{"artifactPath": artifact})
	return map[string]any{"artifactPath": artifact}, nil
}

// runProbe verifies the transcoder binary works and records its version.
func (w *Worker) runProbe(ctx context.Context, rep *progress.Reporter) (any, error) {
	outDir, err := w.outputDir(rep.TaskID())
	if err != nil {
		return nil, err
	}

	rep.Report(5, "probe", "checking transcoder binary", nil)
	exe, err := exec.LookPath(w.cfg.FFBin)
	if err != nil {
		return nil, fmt.Errorf("transcoder binary not found in PATH: %s", w.cfg.FFBin)
	}

	rep.Report(20, "probe", "running version check", nil)
	res, err := w.runner.RunCommand(ctx, ffmpeg.CommandSpec{Args: []string{"-version"}}, ffmpeg.StepInfo{Index: 0, Total: 1}, rep, nil)
	if err != nil {
		return nil, err
	}

	out := res.Stdout
	if out == "" {
		out = res.Stderr
	}
	lines := strings.Split(out, "\n")
	if len(lines) > 3 {
		lines = lines[:3]
	}

	artifact := filepath.Join(outDir, "version.txt")
	if err := os.WriteFile(artifact, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	rep.Report(100, "done", "transcoder OK", map[string]any{"artifactPath": artifact})
	return map[string]any{"ffmpegPath": exe, "versionLines": lines, "artifactPath": artifact}, nil
}

func (w *Worker) outputDir(taskID string) (string, error) {
	dir := filepath.Join(w.cfg.DataDir, "outputs", taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure output dir: %w", err)
	}
	return dir, nil
}
