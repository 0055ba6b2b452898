package ffmpeg

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaqueue/progress"
)

// reportRecorder captures reporter calls for assertions. The runner invokes
// the sink from its stream-reader goroutines.
type reportRecorder struct {
	mu     sync.Mutex
	events []reportEvent
}

type reportEvent struct {
	progress int
	stage    string
	message  string
	extra    map[string]any
}

func (r *reportRecorder) sink(p int, stage, message string, extra map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, reportEvent{progress: p, stage: stage, message: message, extra: extra})
}

func (r *reportRecorder) all() []reportEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportEvent(nil), r.events...)
}

func (r *reportRecorder) withMessage(substr string) []reportEvent {
	var out []reportEvent
	for _, ev := range r.all() {
		if strings.Contains(ev.message, substr) {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRunner() (*Runner, *reportRecorder, *progress.Reporter) {
	rec := &reportRecorder{}
	rep := progress.NewReporter("task-1", rec.sink)
	return &Runner{Bin: "sh", DefaultTimeout: 10 * time.Second}, rec, rep
}

func shSpec(script string) CommandSpec {
	return CommandSpec{Args: []string{"-c", script}}
}

func TestRunCommandCapturesOutput(t *testing.T) {
	r, _, rep := newTestRunner()

	res, err := r.RunCommand(context.Background(), shSpec("echo out; echo err 1>&2"), StepInfo{Index: 0, Total: 1}, rep, nil)
	require.NoError(t, err)
	assert.Equal(t, "out", res.Stdout)
	assert.Equal(t, "err", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunCommandClassicProgress(t *testing.T) {
	r, rec, rep := newTestRunner()

	spec := shSpec(`printf 'frame=  120 fps= 30 time=00:00:05.00 bitrate= 900.0kbits/s\n' 1>&2`)
	spec.DurationHintSeconds = 10

	_, err := r.RunCommand(context.Background(), spec, StepInfo{Index: 0, Total: 1}, rep, nil)
	require.NoError(t, err)

	running := rec.withMessage("running")
	require.Len(t, running, 1)
	ev := running[0]
	assert.Equal(t, 50, ev.progress)
	assert.Equal(t, "ffmpeg", ev.stage)

	ffctx, ok := ev.extra["ffmpeg"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "task-1", ffctx["jobId"])

	prog, ok := ffctx["progress"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, prog["raw"], "frame=")
	frame, ok := prog["frame"].(*int64)
	require.True(t, ok)
	require.NotNil(t, frame)
	assert.Equal(t, int64(120), *frame)
}

func TestRunCommandMachineProgress(t *testing.T) {
	r, rec, rep := newTestRunner()

	spec := shSpec(`printf 'frame=10\nfps=25.0\nout_time_ms=5000000\nprogress=end\n'`)
	spec.DurationHintSeconds = 10

	_, err := r.RunCommand(context.Background(), spec, StepInfo{Index: 0, Total: 1}, rep, nil)
	require.NoError(t, err)

	running := rec.withMessage("running")
	require.Len(t, running, 1)
	assert.Equal(t, 50, running[0].progress)
}

func TestRunCommandThrottlesIdenticalLines(t *testing.T) {
	r, rec, rep := newTestRunner()

	// Two identical status lines inside the throttle window collapse to one
	// emission; a changed line always gets through.
	spec := shSpec(`printf 'frame=1 fps=1\nframe=1 fps=1\nframe=2 fps=1\n' 1>&2`)

	_, err := r.RunCommand(context.Background(), spec, StepInfo{Index: 0, Total: 1}, rep, nil)
	require.NoError(t, err)

	assert.Len(t, rec.withMessage("running"), 2)
}

func TestRunCommandStepScaledProgress(t *testing.T) {
	r, rec, rep := newTestRunner()

	// Second of four steps: base 25%, halfway through the hint adds half of
	// the 25% span.
	spec := shSpec(`printf 'frame=1 time=00:00:05.00\n' 1>&2`)
	spec.DurationHintSeconds = 10

	_, err := r.RunCommand(context.Background(), spec, StepInfo{Index: 1, Total: 4}, rep, nil)
	require.NoError(t, err)

	running := rec.withMessage("running")
	require.Len(t, running, 1)
	assert.Equal(t, 37, running[0].progress)
	assert.Equal(t, "[2/4] running", running[0].message)
}

func TestRunCommandExitError(t *testing.T) {
	r, _, rep := newTestRunner()

	_, err := r.RunCommand(context.Background(), shSpec("echo boom 1>&2; exit 3"), StepInfo{Index: 0, Total: 1}, rep, nil)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.StderrTail, "boom")
}

func TestRunCommandTimeout(t *testing.T) {
	r, _, rep := newTestRunner()

	spec := shSpec("sleep 5")
	spec.TimeoutMs = 100

	start := time.Now()
	_, err := r.RunCommand(context.Background(), spec, StepInfo{Index: 0, Total: 1}, rep, nil)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.After)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunCommandContextCancel(t *testing.T) {
	r, _, rep := newTestRunner()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.RunCommand(ctx, shSpec("sleep 5"), StepInfo{Index: 0, Total: 1}, rep, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCommandBadSpec(t *testing.T) {
	r, _, rep := newTestRunner()
	_, err := r.RunCommand(context.Background(), CommandSpec{}, StepInfo{Index: 0, Total: 1}, rep, nil)
	assert.Error(t, err)
}

func TestScanCRLFLines(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("a\rbb\nccc\rdddd"))
	sc.Split(scanCRLFLines)

	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"a", "bb", "ccc", "dddd"}, got)
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(3)
	for _, line := range []string{"1", "2", "3", "4", "5"} {
		b.add(line)
	}
	assert.Equal(t, "3\n4\n5", b.String())
	assert.Equal(t, "4\n5", b.Tail(2))
	assert.Equal(t, "3\n4\n5", b.Tail(10))
	assert.Equal(t, "", b.Tail(0))
	assert.Equal(t, "", newTailBuffer(3).Tail(2))
}
