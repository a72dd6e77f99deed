package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowCheck struct{ task.Echo }

func (slowCheck) Validate(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type brokenCheck struct{ task.Echo }

func (brokenCheck) Validate(context.Context) error { return errors.New("model weights not found") }

func testRegistry() *task.Registry {
	r := task.NewRegistry()
	r.Register("echo", func(map[string]string) (task.Logic, error) { return task.Echo{}, nil })
	r.Register("slow", func(map[string]string) (task.Logic, error) { return slowCheck{}, nil })
	r.Register("broken", func(map[string]string) (task.Logic, error) { return brokenCheck{}, nil })
	return r
}

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.ValidationTimeout = time.Second
	s.PipelinePollInterval = 10 * time.Millisecond
	s.TaskPollInterval = 10 * time.Millisecond
	s.DrainGrace = 2 * time.Second
	return s
}

// twoStage is extract (sequential, .txt -> .json) feeding summarize
// (concurrent, .json -> .md).
func twoStage(t *testing.T, idle time.Duration) *config.PipelineSpec {
	t.Helper()
	in := t.TempDir()
	spec, err := config.Build([]*config.TaskSpec{
		{Name: "extract", Logic: "echo", InputExt: ".txt", OutputExt: ".json"},
		{Name: "summarize", Kind: config.KindConcurrent, Concurrency: 2, Logic: "echo",
			DependsOn: "extract", InputExt: ".json", OutputExt: ".md"},
	}, config.Options{
		InputDir:    in,
		OutputDir:   t.TempDir(),
		IdleTimeout: idle,
		Settings:    testSettings(),
	})
	require.NoError(t, err)
	return spec
}

func writeInput(t *testing.T, spec *config.PipelineSpec, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(spec.InputDir, name), []byte(content), 0o644))
}

func startPipeline(t *testing.T, spec *config.PipelineSpec) (*Pipeline, <-chan error) {
	t.Helper()
	p, err := New(spec, Deps{Registry: testRegistry()})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	return p, done
}

func waitFor(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "missing %s", path)
}

func TestPipeline_FilesFlowDownTheTreeAndSignalDrains(t *testing.T) {
	// Arrange
	spec := twoStage(t, 0)
	writeInput(t, spec, "a.txt", "alpha")
	writeInput(t, spec, "b.txt", "beta")
	p, done := startPipeline(t, spec)

	// Act
	waitFor(t, filepath.Join(spec.OutputDir, "summarize", "a.md"))
	waitFor(t, filepath.Join(spec.OutputDir, "summarize", "b.md"))
	rec, err := fsstate.ReadPID(p.Layout().PIDFile())
	require.NoError(t, err)
	require.NotNil(t, rec)
	p.signals <- syscall.SIGTERM

	// Assert
	var err2 error
	select {
	case err2 = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain")
	}
	var sigErr *SignalError
	require.ErrorAs(t, err2, &sigErr)
	assert.Equal(t, 143, sigErr.ExitCode())
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.NoFileExists(t, p.Layout().PIDFile())
	assert.FileExists(t, p.Layout().SpecFile())

	out, err := os.ReadFile(filepath.Join(spec.OutputDir, "summarize", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(out))
}

func TestPipeline_IdleTimeoutClosesPipeline(t *testing.T) {
	spec := twoStage(t, 100*time.Millisecond)
	writeInput(t, spec, "a.txt", "alpha")
	_, done := startPipeline(t, spec)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not close itself")
	}
	assert.FileExists(t, filepath.Join(spec.OutputDir, "summarize", "a.md"))
}

func TestPipeline_StartValidation(t *testing.T) {
	testCases := map[string]struct {
		logic   string
		wantErr error
		wantMsg string
	}{
		"unknown logic": {logic: "nope", wantErr: task.ErrUnknownLogic},
		"check fails":   {logic: "broken", wantMsg: "model weights not found"},
		"check hangs":   {logic: "slow", wantErr: task.ErrValidationTimeout},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			// Arrange
			spec := twoStage(t, 0)
			spec.Settings.ValidationTimeout = 50 * time.Millisecond
			spec.Task("summarize").Logic = tc.logic
			reg := testRegistry()
			// The unknown case must get past New, which resolves logic too.
			reg.Register("nope", func(map[string]string) (task.Logic, error) { return task.Echo{}, nil })
			p, err := New(spec, Deps{Registry: reg})
			require.NoError(t, err)
			if tc.logic == "nope" {
				p.deps.Registry = testRegistry()
			}

			// Act
			err = p.Start(context.Background())

			// Assert
			require.Error(t, err)
			assert.Contains(t, err.Error(), "task 'summarize'")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			if tc.wantMsg != "" {
				assert.Contains(t, err.Error(), tc.wantMsg)
			}
			assert.NoFileExists(t, p.Layout().PIDFile(), "nothing is written on a failed start")
		})
	}
}

func TestPipeline_RefusesSecondStart(t *testing.T) {
	spec := twoStage(t, 0)
	layout := fsstate.NewLayout(spec.OutputDir)
	require.NoError(t, os.MkdirAll(layout.StateDir(), 0o755))
	// The test runner's parent process is certainly alive.
	require.NoError(t, fsstate.WriteJSONAtomic(layout.PIDFile(), fsstate.PIDRecord{PID: os.Getppid()}))
	p, err := New(spec, Deps{Registry: testRegistry()})
	require.NoError(t, err)

	err = p.Start(context.Background())

	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPipeline_RefusesSecondStartBeforeValidating(t *testing.T) {
	// Arrange: validation would hang for the whole timeout.
	spec := twoStage(t, 0)
	spec.Settings.ValidationTimeout = 5 * time.Second
	spec.Task("summarize").Logic = "slow"
	layout := fsstate.NewLayout(spec.OutputDir)
	require.NoError(t, os.MkdirAll(layout.StateDir(), 0o755))
	require.NoError(t, fsstate.WriteJSONAtomic(layout.PIDFile(), fsstate.PIDRecord{PID: os.Getppid()}))
	p, err := New(spec, Deps{Registry: testRegistry()})
	require.NoError(t, err)

	// Act
	start := time.Now()
	err = p.Start(context.Background())

	// Assert
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPipeline_DistributedTaskNeedsQueue(t *testing.T) {
	spec := twoStage(t, 0)
	s := spec.Task("summarize")
	s.Kind = config.KindDistributed
	s.MaxWorkers = 2

	_, err := New(spec, Deps{Registry: testRegistry()})

	assert.ErrorContains(t, err, "need a queue")
}

func TestStatus(t *testing.T) {
	// Arrange: run once to completion, with one file failing.
	spec := twoStage(t, 100*time.Millisecond)
	writeInput(t, spec, "a.txt", "alpha")
	writeInput(t, spec, "b.txt", "beta")
	writeInput(t, spec, "c.txt", "gamma")
	require.NoError(t, fsstate.WriteFailure(mustDirs(t, spec.Task("extract")), filepath.Join(spec.InputDir, "c.txt"), "corrupt"))
	_, done := startPipeline(t, spec)
	require.NoError(t, <-done)

	// Act
	report, err := Status(spec.OutputDir)

	// Assert
	require.NoError(t, err)
	assert.False(t, report.Running)
	require.Len(t, report.Tasks, 2)
	assert.Equal(t, "extract", report.Tasks[0].Task)
	assert.Equal(t, 2, report.Tasks[0].Succeeded)
	assert.Equal(t, 1, report.Tasks[0].Failed)
	assert.Equal(t, 2, report.Tasks[1].Succeeded)
	assert.Equal(t, Totals{Succeeded: 4, Failed: 1}, report.Total)

	var text bytes.Buffer
	require.NoError(t, report.WriteText(&text))
	assert.Contains(t, text.String(), "Pipeline not running")
	assert.Contains(t, text.String(), "summarize")

	var js bytes.Buffer
	require.NoError(t, report.WriteJSON(&js))
	assert.Contains(t, js.String(), `"succeeded": 4`)

	var dot bytes.Buffer
	require.NoError(t, report.WriteDOT(&dot))
	assert.Contains(t, dot.String(), "digraph")
	assert.Contains(t, dot.String(), `"extract" -> "summarize"`)
	assert.Contains(t, strings.ToLower(dot.String()), "#e74c3c", "extract has a failure")
	assert.Contains(t, strings.ToLower(dot.String()), "#2ecc71", "summarize succeeded")
}

func mustDirs(t *testing.T, ts *config.TaskSpec) fsstate.Dirs {
	t.Helper()
	d, err := ts.Dirs()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(d.OutputDir, 0o755))
	return d
}

func TestStatus_NoPipeline(t *testing.T) {
	_, err := Status(t.TempDir())

	assert.ErrorIs(t, err, ErrNoPipeline)
}

func TestStop(t *testing.T) {
	t.Run("no record", func(t *testing.T) {
		_, err := Stop(t.TempDir(), false)
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("stale record is removed", func(t *testing.T) {
		layout := fsstate.NewLayout(t.TempDir())
		require.NoError(t, os.MkdirAll(layout.StateDir(), 0o755))
		require.NoError(t, fsstate.WriteJSONAtomic(layout.PIDFile(), fsstate.PIDRecord{PID: 1 << 22}))

		_, err := Stop(layout.Root, false)

		assert.ErrorIs(t, err, ErrNotRunning)
		assert.NoFileExists(t, layout.PIDFile())
	})
}

func TestIdleTracker(t *testing.T) {
	start := time.Unix(0, 0)
	tr := newIdleTracker(time.Minute, start)

	assert.False(t, tr.observe(start.Add(30*time.Second), nil, "1/1"))
	assert.False(t, tr.observe(start.Add(80*time.Second), nil, "1/1"), "the first fingerprint counts as activity")
	assert.True(t, tr.observe(start.Add(91*time.Second), nil, "1/1"))
	assert.False(t, tr.observe(start.Add(92*time.Second), nil, "2/5"), "a new input resets the window")
}
