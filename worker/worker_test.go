package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaqueue/config"
	"mediaqueue/ffmpeg"
	"mediaqueue/store"
)

func newTestWorker(t *testing.T) (*Worker, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:   dir,
		DBPath:    filepath.Join(dir, "queue.db"),
		IdlePoll:  10 * time.Millisecond,
		FFBin:     "sh",
		FFTimeout: 10 * time.Second,
	}
	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &ffmpeg.Runner{Bin: "sh", DefaultTimeout: 10 * time.Second, Log: log}
	return New(cfg, st, runner, log, 0), st
}

func TestRunOneEmptyQueue(t *testing.T) {
	w, _ := newTestWorker(t)
	assert.False(t, w.RunOne(context.Background()))
}

func TestSleepTaskRoundTrip(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	id, err := st.Enqueue(ctx, KindDemoSleep, "smoke", sleepPayload{Seconds: 0.05, Steps: 2})
	require.NoError(t, err)

	require.True(t, w.RunOne(ctx))

	task, err := st.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, w.ID(), task.LockedBy)
	assert.Greater(t, task.Seq, int64(0))

	var result map[string]any
	require.NoError(t, json.Unmarshal(task.Result, &result))
	artifact, ok := result["artifactPath"].(string)
	require.True(t, ok)
	assert.FileExists(t, artifact)
}

func TestUnknownKindFailsTask(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	id, err := st.Enqueue(ctx, "no.such.kind", "", nil)
	require.NoError(t, err)

	require.True(t, w.RunOne(ctx))

	task, err := st.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "unknown task kind")
}

func TestMalformedPipelineFailsTask(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	id, err := st.Enqueue(ctx, KindFFmpegPipeline, "", ffmpeg.PipelinePayload{})
	require.NoError(t, err)

	require.True(t, w.RunOne(ctx))

	task, err := st.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "no commands")
}

func TestPipelineTaskFallback(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	payload := ffmpeg.PipelinePayload{
		Label:            "fixture",
		Commands:         []ffmpeg.CommandSpec{{Args: []string{"-c", "exit 1"}}},
		FallbackCommands: []ffmpeg.CommandSpec{{Args: []string{"-c", "echo rescued"}}},
	}
	id, err := st.Enqueue(ctx, KindFFmpegPipeline, payload.Label, payload)
	require.NoError(t, err)

	require.True(t, w.RunOne(ctx))

	task, err := st.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, task.Status)

	var result map[string]any
	require.NoError(t, json.Unmarshal(task.Result, &result))
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "fallback", result["attempt"])
}

func TestSearchTaskPicksWorkingCandidate(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	encodeCount := func(v int) *int { return &v }
	payload := ffmpeg.SearchPayload{
		Label: "hunt",
		Candidates: []ffmpeg.Candidate{
			{Label: "broken", EncodeCount: encodeCount(0), Commands: []ffmpeg.CommandSpec{{Args: []string{"-c", "exit 1"}}}},
			{Label: "works", EncodeCount: encodeCount(1), Commands: []ffmpeg.CommandSpec{{Args: []string{"-c", "echo ok"}}}},
		},
	}
	id, err := st.Enqueue(ctx, KindFFmpegSearch, payload.Label, payload)
	require.NoError(t, err)

	require.True(t, w.RunOne(ctx))

	task, err := st.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, task.Status)

	var result struct {
		OK     bool `json:"ok"`
		Chosen struct {
			Label string `json:"label"`
		} `json:"chosen"`
	}
	require.NoError(t, json.Unmarshal(task.Result, &result))
	assert.True(t, result.OK)
	assert.Equal(t, "works", result.Chosen.Label)
}

func TestTimedOutPipelineFailsTask(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	payload := ffmpeg.PipelinePayload{
		Commands: []ffmpeg.CommandSpec{{Args: []string{"-c", "sleep 5"}, TimeoutMs: 100}},
	}
	id, err := st.Enqueue(ctx, KindFFmpegPipeline, "", payload)
	require.NoError(t, err)

	require.True(t, w.RunOne(ctx))

	task, err := st.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "timeout")
}

func TestResourceGateDefersClaim(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	// An impossible free-memory floor keeps the worker from claiming.
	w.cfg.ThrottleFreeMem = 1 << 62

	id, err := st.Enqueue(ctx, KindDemoSleep, "", sleepPayload{Seconds: 0, Steps: 1})
	require.NoError(t, err)

	assert.False(t, w.RunOne(ctx))

	task, err := st.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, task.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	w, _ := newTestWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
