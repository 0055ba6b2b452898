// Package worker runs the claim loop: claim one queued task, execute it with
// a bound progress reporter, persist the terminal state, repeat.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"mediaqueue/config"
	"mediaqueue/ffmpeg"
	"mediaqueue/progress"
	"mediaqueue/store"
)

// Task kinds dispatched by the claim loop.
const (
	KindDemoSleep      = "demo.sleep"
	KindFFmpegProbe    = "ffmpeg.probe"
	KindFFmpegPipeline = "ffmpeg.pipeline"
	KindFFmpegSearch   = "ffmpeg.search"
)

type Worker struct {
	cfg    *config.Config
	store  *store.Store
	runner *ffmpeg.Runner
	log    *slog.Logger
	id     string
}

func New(cfg *config.Config, st *store.Store, runner *ffmpeg.Runner, log *slog.Logger, n int) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		store:  st,
		runner: runner,
		log:    log,
		id:     fmt.Sprintf("%s:%d:%d", host, os.Getpid(), n),
	}
}

// ID returns the worker identifier written into locked_by.
func (w *Worker) ID() string {
	return w.id
}

// Run loops until ctx is cancelled. A task failure never exits the loop.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", "worker", w.id)
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping", "worker", w.id)
			return
		}
		if w.RunOne(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", "worker", w.id)
			return
		case <-time.After(w.cfg.IdlePoll):
		}
	}
}

// RunOne claims and executes at most one task. Returns false when nothing
// was claimed.
func (w *Worker) RunOne(ctx context.Context) bool {
	if err := w.checkResources(); err != nil {
		w.log.Warn("deferring claim, host resources constrained", "worker", w.id, "reason", err)
		return false
	}

	task, err := w.store.ClaimNext(ctx, w.id)
	if err != nil {
		w.log.Error("claim failed", "worker", w.id, "error", err)
		return false
	}
	if task == nil {
		return false
	}

	w.log.Info("task claimed", "worker", w.id, "task", task.ID, "kind", task.Kind)
	w.execute(ctx, task)
	return true
}

// execute binds a reporter to the claimed task, dispatches by kind, and
// persists the terminal state. The reporter's scope ends here; nothing
// ambient can leak into the next loop iteration.
func (w *Worker) execute(ctx context.Context, task *store.Task) {
	rep := progress.NewReporter(task.ID, func(p int, stage, message string, extra map[string]any) {
		if err := w.store.ReportProgress(ctx, task.ID, p, stage, message, extra); err != nil {
			w.log.Warn("progress write failed", "task", task.ID, "error", err)
		}
	})

	result, err := w.dispatch(ctx, task, rep)
	if err != nil {
		w.log.Warn("task failed", "worker", w.id, "task", task.ID, "error", err)
		if failErr := w.store.Fail(ctx, task.ID, err.Error(), nil); failErr != nil {
			w.log.Error("terminal write failed", "task", task.ID, "error", failErr)
		}
		return
	}

	if finErr := w.store.Finish(ctx, task.ID, result, nil); finErr != nil {
		w.log.Error("terminal write failed", "task", task.ID, "error", finErr)
		return
	}
	w.log.Info("task finished", "worker", w.id, "task", task.ID)
}

func (w *Worker) dispatch(ctx context.Context, task *store.Task, rep *progress.Reporter) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task panicked", "task", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	switch task.Kind {
	case KindDemoSleep:
		var p sleepPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
		return w.runSleep(ctx, rep, p)

	case KindFFmpegProbe:
		return w.runProbe(ctx, rep)

	case KindFFmpegPipeline:
		var p ffmpeg.PipelinePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		res, err := w.runner.RunPipeline(ctx, rep, p.Label, p.Commands, p.FallbackCommands)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "label": res.Label, "attempt": res.Attempt, "history": res.History}, nil

	case KindFFmpegSearch:
		var p ffmpeg.SearchPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		res, err := w.runner.RunSearch(ctx, rep, p.Label, p.Candidates)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "label": res.Label, "chosen": res.Chosen, "result": res.Result, "attempts": res.Attempts}, nil
	}

	return nil, fmt.Errorf("unknown task kind: %s", task.Kind)
}

// checkResources verifies the host can absorb another transcode before a
// claim is attempted. Thresholds at zero disable their check.
func (w *Worker) checkResources() error {
	if w.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(0, false)
		if err != nil {
			w.log.Warn("could not read CPU usage", "error", err)
		} else if len(p) > 0 && p[0] > (100.0-w.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], w.cfg.ThrottleCPU)
		}
	}

	if w.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			w.log.Warn("could not read memory usage", "error", err)
		} else if vm.Available < uint64(w.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, w.cfg.ThrottleFreeMem)
		}
	}

	if w.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(w.cfg.DataDir)
		if err != nil {
			w.log.Warn("could not read disk usage", "dir", w.cfg.DataDir, "error", err)
		} else if d.Free < uint64(w.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, w.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
