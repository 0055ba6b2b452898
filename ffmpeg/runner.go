package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediaqueue/config"
	"mediaqueue/progress"
)

const (
	emitThrottle = 200 * time.Millisecond

	// Per-stream line retention. Lines are classified and dropped as they
	// stream past; only this many are kept, so a noisy transcode never
	// materializes its whole output in memory.
	maxKeptLines = 400

	stderrTailLines = 4
)

// Runner executes external transcoder processes.
type Runner struct {
	Bin            string
	DefaultTimeout time.Duration
	Log            *slog.Logger
}

func NewRunner(cfg *config.Config, log *slog.Logger) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("transcoder binary not found in PATH: %s", cfg.FFBin)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Bin: cfg.FFBin, DefaultTimeout: cfg.FFTimeout, Log: log}, nil
}

// StepInfo locates one command within its containing pipeline, for progress
// scaling.
type StepInfo struct {
	Index int
	Total int
}

// CommandResult is the captured output of one completed process.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"returncode"`
}

// RunCommand spawns one transcoder process and blocks until it exits. Both
// output streams are drained concurrently line by line; progress-looking
// lines are decoded and forwarded through rep. Returns TimeoutError when the
// wall-clock budget expires and ExitError on non-zero exit.
func (r *Runner) RunCommand(ctx context.Context, spec CommandSpec, step StepInfo, rep *progress.Reporter, stepCtx map[string]any) (*CommandResult, error) {
	args, err := spec.ResolveArgs()
	if err != nil {
		return nil, err
	}

	timeout := r.DefaultTimeout
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}

	cmd := exec.Command(r.Bin, args...)
	if strings.TrimSpace(spec.Cwd) != "" {
		cmd.Dir = spec.Cwd
	}
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			if k == "" {
				continue
			}
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	em := &emitter{
		rep:          rep,
		step:         step,
		durationHint: spec.DurationHintSeconds,
		cmdStr:       r.Bin + " " + strings.Join(args, " "),
		stepCtx:      stepCtx,
	}
	sink := &lineSink{
		em:     em,
		stdout: newTailBuffer(maxKeptLines),
		stderr: newTailBuffer(maxKeptLines),
	}

	em.start()

	if r.Log != nil {
		r.Log.Debug("executing transcoder", "task", rep.TaskID(), "command", em.cmdStr)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sink.drain(stdoutPipe, false)
	}()
	go func() {
		defer wg.Done()
		sink.drain(stderrPipe, true)
	}()

	// The watchdog measures the timeout from process start on the monotonic
	// clock and kills on expiry or caller cancellation.
	var timedOut atomic.Bool
	waitDone := make(chan struct{})
	go func() {
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-waitDone:
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-expired:
			timedOut.Store(true)
			_ = cmd.Process.Kill()
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	if timedOut.Load() {
		return nil, &TimeoutError{After: timeout}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &CommandResult{
		Stdout: sink.stdout.String(),
		Stderr: sink.stderr.String(),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait transcoder: %w", waitErr)
		}
		return nil, &ExitError{Code: exitErr.ExitCode(), StderrTail: sink.stderr.Tail(stderrTailLines)}
	}

	res.ExitCode = cmd.ProcessState.ExitCode()
	return res, nil
}

// lineSink serializes line handling across the two stream readers and routes
// each line to the matching grammar.
type lineSink struct {
	mu      sync.Mutex
	em      *emitter
	stdout  *tailBuffer
	stderr  *tailBuffer
	kvBlock map[string]string
	kvRaw   []string
}

func (s *lineSink) drain(r io.Reader, isStderr bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanCRLFLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.handleLine(line, isStderr)
	}
}

func (s *lineSink) handleLine(line string, isStderr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isStderr {
		s.stderr.add(line)
	} else {
		s.stdout.add(line)
	}

	if isMachineKVLine(line) {
		key, value, _ := strings.Cut(line, "=")
		if s.kvBlock == nil {
			s.kvBlock = make(map[string]string)
		}
		s.kvBlock[key] = strings.TrimSpace(value)
		s.kvRaw = append(s.kvRaw, line)
		// "progress=..." terminates one block.
		if key == "progress" {
			if parsed := parseMachineBlock(s.kvBlock, s.kvRaw); parsed != nil {
				s.em.emit(parsed)
			}
			s.kvBlock = nil
			s.kvRaw = nil
		}
		return
	}

	if parsed := parseClassicLine(line); parsed != nil {
		s.em.emit(parsed)
	}
}

// scanCRLFLines splits on both \n and \r; ffmpeg rewrites its status line
// with bare carriage returns.
func scanCRLFLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// emitter turns parsed progress into reporter calls, throttled to one per
// emitThrottle unless the raw text changed.
type emitter struct {
	rep          *progress.Reporter
	step         StepInfo
	durationHint float64
	cmdStr       string
	stepCtx      map[string]any
	lastEmit     time.Time
	lastRaw      string
}

func (e *emitter) basePct() int {
	return int(float64(e.step.Index) / float64(max(1, e.step.Total)) * 100)
}

func (e *emitter) start() {
	e.report(e.basePct(), fmt.Sprintf("[%d/%d] start", e.step.Index+1, max(1, e.step.Total)), nil)
}

func (e *emitter) emit(p *ParsedProgress) {
	now := time.Now()
	if now.Sub(e.lastEmit) < emitThrottle && p.Raw == e.lastRaw {
		return
	}
	e.lastEmit = now
	e.lastRaw = p.Raw

	pct := e.basePct()
	if p.TimeSeconds != nil && e.durationHint > 0 {
		within := *p.TimeSeconds / e.durationHint * 100
		if within < 0 {
			within = 0
		}
		if within > 99 {
			within = 99
		}
		span := 100 / max(1, e.step.Total)
		pct = min(99, pct+int(within/100*float64(max(1, span))))
	}

	e.report(pct, fmt.Sprintf("[%d/%d] running", e.step.Index+1, max(1, e.step.Total)), map[string]any{
		"raw":         p.Raw,
		"frame":       p.Frame,
		"fps":         p.FPS,
		"timeSeconds": p.TimeSeconds,
		"speed":       p.Speed,
		"totalSizeKb": p.TotalSizeKB,
		"bitrateKbps": p.BitrateKbps,
	})
}

func (e *emitter) report(pct int, message string, prog map[string]any) {
	ctx := map[string]any{
		"jobId":   e.rep.TaskID(),
		"step":    e.step.Index,
		"steps":   e.step.Total,
		"command": e.cmdStr,
		"status":  "running",
	}
	for k, v := range e.stepCtx {
		ctx[k] = v
	}
	if prog != nil {
		ctx["progress"] = prog
	}
	e.rep.Report(pct, "ffmpeg", message, map[string]any{"ffmpeg": ctx})
}

// tailBuffer retains the newest lines up to a limit.
type tailBuffer struct {
	limit int
	lines []string
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) add(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:b.limit]
	}
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}

// Tail returns the last n retained lines joined by newlines.
func (b *tailBuffer) Tail(n int) string {
	if n <= 0 || len(b.lines) == 0 {
		return ""
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	return strings.Join(b.lines[len(b.lines)-n:], "\n")
}
