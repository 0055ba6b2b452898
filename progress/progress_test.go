package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporterClampsProgress(t *testing.T) {
	var got []int
	rep := NewReporter("t1", func(p int, stage, message string, extra map[string]any) {
		got = append(got, p)
	})

	rep.Report(-10, "running", "", nil)
	rep.Report(42, "running", "", nil)
	rep.Report(300, "running", "", nil)

	assert.Equal(t, []int{0, 42, 100}, got)
}

func TestReporterForwardsFields(t *testing.T) {
	var (
		gotStage, gotMessage string
		gotExtra             map[string]any
	)
	rep := NewReporter("t1", func(p int, stage, message string, extra map[string]any) {
		gotStage, gotMessage, gotExtra = stage, message, extra
	})

	rep.Report(50, "ffmpeg", "halfway", map[string]any{"k": "v"})

	assert.Equal(t, "ffmpeg", gotStage)
	assert.Equal(t, "halfway", gotMessage)
	require.NotNil(t, gotExtra)
	assert.Equal(t, "v", gotExtra["k"])
}

func TestReporterNilSafety(t *testing.T) {
	var rep *Reporter
	assert.NotPanics(t, func() {
		rep.Report(50, "running", "dropped", nil)
	})
	assert.Equal(t, "unknown", rep.TaskID())

	unbound := NewReporter("", nil)
	assert.NotPanics(t, func() {
		unbound.Report(50, "running", "dropped", nil)
	})
	assert.Equal(t, "unknown", unbound.TaskID())
}

func TestReporterTaskID(t *testing.T) {
	rep := NewReporter("abc123", nil)
	assert.Equal(t, "abc123", rep.TaskID())
}
