package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	err := Execute(context.Background(), args, out)
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "want *ExitError, got %T: %v", err, err)
	return exitErr.Code
}

// frozenPipeline leaves behind what a finished pipeline run leaves in its
// output directory: the frozen spec and one processed file.
func frozenPipeline(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(in, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.txt"), []byte("a"), 0o644))
	spec, err := config.Build([]*config.TaskSpec{
		{Name: "shout", Logic: "echo", InputExt: ".txt", OutputExt: ".loud"},
		{Name: "sign", Logic: "echo", DependsOn: "shout", InputExt: ".loud", OutputExt: ".signed"},
	}, config.Options{InputDir: in, OutputDir: out})
	require.NoError(t, err)
	layout := fsstate.NewLayout(out)
	require.NoError(t, os.MkdirAll(layout.StateDir(), 0o755))
	require.NoError(t, os.MkdirAll(layout.TaskOutputDir("shout"), 0o755))
	require.NoError(t, fsstate.WriteJSONAtomic(layout.SpecFile(), spec))
	require.NoError(t, os.WriteFile(filepath.Join(layout.TaskOutputDir("shout"), "a.loud"), []byte("A"), 0o644))
	return out
}

func TestExecute_Usage(t *testing.T) {
	testCases := map[string]struct {
		args     []string
		wantCode int
		wantMsg  string
	}{
		"unknown flag": {
			args:     []string{"run", "--this-is-not-a-valid-flag"},
			wantCode: 2,
			wantMsg:  "unknown flag: --this-is-not-a-valid-flag",
		},
		"missing run arguments": {
			args:     []string{"run", "pipeline.hcl"},
			wantCode: 2,
			wantMsg:  "run expects CONFIG INPUT_DIR OUTPUT_DIR, got 1 argument(s)",
		},
		"bad log format": {
			args:     []string{"status", "out", "--log-format", "xml"},
			wantCode: 2,
			wantMsg:  "invalid log-format",
		},
		"bad queue": {
			args:     []string{"status", "out", "--queue", "pbs"},
			wantCode: 2,
			wantMsg:  "invalid queue",
		},
		"negative idle timeout": {
			args:     []string{"run", "p.hcl", "in", "out", "--idle-timeout", "-1s"},
			wantCode: 2,
			wantMsg:  "must not be negative",
		},
		"worker without identity": {
			args:     []string{"worker", "--spec", "pipeline.json", "--task", "sign"},
			wantCode: 2,
			wantMsg:  "worker-id",
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			// Act
			_, err := execute(t, tc.args...)

			// Assert
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, exitCode(t, err))
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestExecute_Help(t *testing.T) {
	out, err := execute(t, "--help")

	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "status")
	assert.NotContains(t, out, "worker", "job commands are hidden")
}

func TestExecute_Status(t *testing.T) {
	out := frozenPipeline(t)

	t.Run("text exits 1 when not running", func(t *testing.T) {
		text, err := execute(t, "status", out)
		assert.Equal(t, 1, exitCode(t, err))
		assert.Contains(t, text, "Pipeline not running")
		assert.Contains(t, text, "shout")
	})

	t.Run("json", func(t *testing.T) {
		text, err := execute(t, "status", out, "--json")
		assert.Equal(t, 1, exitCode(t, err))
		assert.Contains(t, text, `"running": false`)
	})

	t.Run("no pipeline", func(t *testing.T) {
		_, err := execute(t, "status", t.TempDir())
		assert.Equal(t, 1, exitCode(t, err))
		assert.Contains(t, err.Error(), "no pipeline found")
	})
}

func TestExecute_Graph(t *testing.T) {
	out := frozenPipeline(t)

	dot, err := execute(t, "graph", out)

	require.NoError(t, err)
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, `"shout" -> "sign"`)
}

func TestExecute_StopNotRunning(t *testing.T) {
	_, err := execute(t, "stop", frozenPipeline(t))

	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, err.Error(), "not running")
}

func TestToExitError(t *testing.T) {
	testCases := map[string]struct {
		err      error
		wantCode int
	}{
		"signal":    {err: &pipeline.SignalError{Signal: syscall.SIGINT}, wantCode: 130},
		"config":    {err: config.ErrInvalid, wantCode: 2},
		"other":     {err: errors.New("disk full"), wantCode: 1},
		"duplicate": {err: pipeline.ErrAlreadyRunning, wantCode: 1},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.wantCode, toExitError(tc.err).Code)
		})
	}
}
