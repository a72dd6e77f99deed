package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testOptions(t *testing.T) Options {
	t.Helper()
	root := t.TempDir()
	return Options{InputDir: filepath.Join(root, "in"), OutputDir: filepath.Join(root, "out")}
}

const hclPipeline = `
task "transcribe" {
  kind        = "distributed"
  depends_on  = "convert"
  input_ext   = ".wav"
  output_ext  = ".txt"
  logic       = "command"
  params = {
    program = "whisper"
    retries = 3
    home    = env("DIRFLOW_TEST_HOME")
  }
  min_workers = 1
  max_workers = 4

  resources {
    cpus           = 2
    memory         = "8G"
    time           = "02:00:00"
    setup_commands = ["module load ffmpeg"]
  }
}

task "convert" {
  kind        = "concurrent"
  input_ext   = ".mp4"
  output_ext  = ".wav"
  logic       = "command"
  concurrency = 4

  filters {
    min_age    = "30s"
    pattern    = "^clip"
    companion  = ".json"
    script     = "test -d"
    sort_by    = "mtime"
    reverse    = true
    max_batch  = 2
    max_staged = 8
  }
}

task "summarize" {
  depends_on = "transcribe"
  input_ext  = ".txt"
  logic      = "echo"
}
`

func TestHCLLoader_LoadPipeline(t *testing.T) {
	// Arrange
	t.Setenv("DIRFLOW_TEST_HOME", "/home/test")
	path := writeConfig(t, "pipeline.hcl", hclPipeline)
	opts := testOptions(t)

	// Act
	spec, err := LoadPipeline(context.Background(), path, opts)

	// Assert
	require.NoError(t, err)
	require.Len(t, spec.Tasks, 3)
	assert.Equal(t, "convert", spec.Tasks[0].Name, "root must come first")
	assert.Equal(t, "transcribe", spec.Tasks[1].Name)
	assert.Equal(t, "summarize", spec.Tasks[2].Name)

	convert := spec.Task("convert")
	assert.Equal(t, KindConcurrent, convert.Kind)
	assert.Equal(t, 4, convert.Concurrency)
	assert.Equal(t, 30*time.Second, convert.Filters.MinAge)
	assert.Equal(t, "^clip", convert.Filters.Pattern)
	assert.Equal(t, Filters{
		MinAge: 30 * time.Second, Pattern: "^clip", Companion: ".json", Script: "test -d",
		SortBy: "mtime", Reverse: true, MaxBatch: 2, MaxStaged: 8,
	}, convert.Filters)
	dirs, err := convert.Dirs()
	require.NoError(t, err)
	assert.Len(t, dirs.Filters, 3)
	assert.Len(t, dirs.Gates, 1)
	assert.Equal(t, fsstate.Order{By: fsstate.SortByMtime, Reverse: true}, dirs.Order)
	assert.Equal(t, fsstate.Limits{MaxBatch: 2, MaxStaged: 8}, dirs.Limits)
	assert.Equal(t, spec.InputDir, convert.InputDir)

	transcribe := spec.Task("transcribe")
	assert.Equal(t, map[string]string{"program": "whisper", "retries": "3", "home": "/home/test"}, transcribe.Params)
	assert.Equal(t, convert.OutputDir, transcribe.InputDir)
	require.NotNil(t, transcribe.Resources)
	assert.Equal(t, 2, transcribe.Resources.CPUs)
	assert.Equal(t, []string{"module load ffmpeg"}, transcribe.Resources.SetupCommands)

	summarize := spec.Task("summarize")
	assert.Equal(t, KindSequential, summarize.Kind, "kind defaults to sequential")
	assert.Equal(t, DefaultOutputExt, summarize.OutputExt)
	assert.Equal(t, filepath.Join(spec.OutputDir, "summarize"), summarize.OutputDir)
	assert.Equal(t, DefaultSettings(), spec.Settings)
}

func TestYAMLLoader_LoadPipeline(t *testing.T) {
	path := writeConfig(t, "pipeline.yaml", `
tasks:
  - name: shout
    kind: sequential
    input_ext: .txt
    output_ext: .loud
    logic: echo
    params:
      uppercase: true
    filters:
      min_size: 1
      sort_by: size
      max_staged: 4
  - name: wrap
    depends_on: shout
    input_ext: .loud
    logic: echo
    params:
      prefix: "<"
      suffix: ">"
`)

	spec, err := LoadPipeline(context.Background(), path, testOptions(t))

	require.NoError(t, err)
	require.Len(t, spec.Tasks, 2)
	assert.Equal(t, "shout", spec.Root().Name)
	assert.Equal(t, map[string]string{"uppercase": "true"}, spec.Tasks[0].Params)
	assert.Equal(t, Filters{MinSize: 1, SortBy: "size", MaxStaged: 4}, spec.Tasks[0].Filters)
	assert.Equal(t, []*TaskSpec{spec.Tasks[1]}, spec.Children("shout"))
}

func TestYAMLLoader_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "pipeline.yml", "tasks:\n  - name: a\n    input_ext: .txt\n    logic: echo\n    concurency: 3\n")

	_, err := LoadPipeline(context.Background(), path, testOptions(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoaderFor_UnsupportedFormat(t *testing.T) {
	_, err := LoaderFor("pipeline.toml")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestHCLLoader_InvalidSyntax(t *testing.T) {
	path := writeConfig(t, "broken.hcl", `task "a" {`)

	_, err := NewHCLLoader().Load(context.Background(), path)

	assert.ErrorIs(t, err, ErrInvalid)
}

func TestBuild_Validation(t *testing.T) {
	task := func(name, parent, in, out string) *TaskSpec {
		return &TaskSpec{Name: name, DependsOn: parent, InputExt: in, OutputExt: out, Logic: "echo"}
	}

	testCases := map[string]struct {
		tasks   []*TaskSpec
		wantMsg string
	}{
		"empty": {
			wantMsg: "no tasks",
		},
		"two roots": {
			tasks:   []*TaskSpec{task("a", "", ".txt", ".x"), task("b", "", ".txt", ".y")},
			wantMsg: "exactly one root",
		},
		"unknown parent": {
			tasks:   []*TaskSpec{task("a", "", ".txt", ".x"), task("b", "zzz", ".x", ".y")},
			wantMsg: "unknown task 'zzz'",
		},
		"extension mismatch": {
			tasks:   []*TaskSpec{task("a", "", ".txt", ".x"), task("b", "a", ".y", ".z")},
			wantMsg: "extension mismatch",
		},
		"cycle": {
			tasks: []*TaskSpec{
				task("root", "", ".txt", ".x"),
				task("a", "b", ".x", ".x"),
				task("b", "a", ".x", ".x"),
			},
			wantMsg: "not a tree",
		},
		"duplicate": {
			tasks:   []*TaskSpec{task("a", "", ".txt", ".x"), task("a", "a", ".x", ".y")},
			wantMsg: "duplicate task name",
		},
		"marker extension reserved": {
			tasks:   []*TaskSpec{task("a", "", ".txt", ".err")},
			wantMsg: "reserved for failure markers",
		},
		"extension without dot": {
			tasks:   []*TaskSpec{task("a", "", "txt", ".x")},
			wantMsg: "must start with '.'",
		},
		"unknown kind": {
			tasks:   []*TaskSpec{{Name: "a", Kind: "gpu", InputExt: ".txt", Logic: "echo"}},
			wantMsg: "unknown kind",
		},
		"distributed without workers": {
			tasks:   []*TaskSpec{{Name: "a", Kind: KindDistributed, InputExt: ".txt", Logic: "echo"}},
			wantMsg: "max_workers",
		},
		"min above max": {
			tasks:   []*TaskSpec{{Name: "a", Kind: KindDistributed, InputExt: ".txt", Logic: "echo", MinWorkers: 3, MaxWorkers: 2}},
			wantMsg: "min_workers",
		},
		"bad pattern": {
			tasks:   []*TaskSpec{{Name: "a", InputExt: ".txt", Logic: "echo", Filters: Filters{Pattern: "("}}},
			wantMsg: "filters",
		},
		"unknown sort key": {
			tasks:   []*TaskSpec{{Name: "a", InputExt: ".txt", Logic: "echo", Filters: Filters{SortBy: "age"}}},
			wantMsg: "sort_by",
		},
		"negative batch": {
			tasks:   []*TaskSpec{{Name: "a", InputExt: ".txt", Logic: "echo", Filters: Filters{MaxBatch: -1}}},
			wantMsg: "max_batch",
		},
		"companion is the input": {
			tasks:   []*TaskSpec{{Name: "a", InputExt: ".txt", Logic: "echo", Filters: Filters{Companion: ".txt"}}},
			wantMsg: "companion",
		},
		"path in name": {
			tasks:   []*TaskSpec{task("../a", "", ".txt", ".x")},
			wantMsg: "path separators",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(tc.tasks, testOptions(t))

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestBuild_SameInputAndOutputRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := Build([]*TaskSpec{{Name: "a", InputExt: ".txt", Logic: "echo"}}, Options{InputDir: dir, OutputDir: dir})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSettings_Override(t *testing.T) {
	env := map[string]string{
		"DIRFLOW_TASK_POLL_INTERVAL": "1",
		"DIRFLOW_CLIENT_HOURS":       "2",
		"DIRFLOW_SCALE_INTERVAL":     "500ms",
		"DIRFLOW_SCALE_WAIT_COUNT":   "3",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	s, err := DefaultSettings().Override(lookup)

	require.NoError(t, err)
	assert.Equal(t, time.Second, s.TaskPollInterval)
	assert.Equal(t, 2*time.Hour, s.ClientLifetime)
	assert.Equal(t, 500*time.Millisecond, s.ScaleInterval)
	assert.Equal(t, 3, s.ScaleWaitCount)
	assert.Equal(t, 60*time.Second, s.ValidationTimeout, "untouched values keep their default")
}

func TestSettings_OverrideRejectsGarbage(t *testing.T) {
	testCases := map[string]map[string]string{
		"not a duration": {"DIRFLOW_TASK_POLL_INTERVAL": "soon"},
		"zero":           {"DIRFLOW_SCALE_INTERVAL": "0"},
		"bad count":      {"DIRFLOW_SCALE_WAIT_COUNT": "many"},
	}
	for name, env := range testCases {
		t.Run(name, func(t *testing.T) {
			lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
			_, err := DefaultSettings().Override(lookup)
			assert.Error(t, err)
		})
	}
}

func TestLoadPipeline_Directory(t *testing.T) {
	// Arrange: one task per file, in both formats.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.hcl"), []byte(`
task "shout" {
  input_ext  = ".txt"
  output_ext = ".loud"
  logic      = "echo"
}
`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "children"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "children", "wrap.yaml"), []byte(`
tasks:
  - name: wrap
    depends_on: shout
    input_ext: .loud
    logic: echo
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a config"), 0o644))

	// Act
	spec, err := LoadPipeline(context.Background(), dir, testOptions(t))

	// Assert
	require.NoError(t, err)
	require.Len(t, spec.Tasks, 2)
	assert.Equal(t, "shout", spec.Root().Name)
	assert.Equal(t, "wrap", spec.Tasks[1].Name)
}

func TestLoadPipeline_EmptyDirectory(t *testing.T) {
	_, err := LoadPipeline(context.Background(), t.TempDir(), testOptions(t))

	assert.ErrorIs(t, err, ErrInvalid)
}
