package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/distributed"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/runner"
)

// ErrNoPipeline is returned when an output directory was never used by a
// pipeline.
var ErrNoPipeline = errors.New("no pipeline found")

// Totals aggregates file counts across tasks.
type Totals struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Report is the status of a pipeline as seen from its output directory.
type Report struct {
	OutputDir string          `json:"output_dir"`
	Running   bool            `json:"running"`
	PID       int             `json:"pid,omitempty"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	Tasks     []runner.Status `json:"tasks"`
	Total     Totals          `json:"total"`

	spec *config.PipelineSpec
}

// Status reads the pipeline state of outputDir. File counts come from disk;
// running counts and pool sizes come from the live records when the pipeline
// is running.
func Status(outputDir string) (*Report, error) {
	root, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	layout := fsstate.NewLayout(root)
	spec, err := config.ReadSpec(layout.SpecFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoPipeline, root)
		}
		return nil, err
	}

	report := &Report{OutputDir: root, spec: spec}
	rec, err := fsstate.ReadPID(layout.PIDFile())
	if err != nil {
		return nil, err
	}
	live := make(map[string]runner.Status)
	if rec != nil && fsstate.Alive(rec.PID) {
		report.Running = true
		report.PID = rec.PID
		report.StartedAt = rec.StartedAt
		var statuses []runner.Status
		if err := fsstate.ReadJSON(layout.StatusFile(), &statuses); err == nil {
			for _, s := range statuses {
				live[s.Task] = s
			}
		}
	}

	for _, t := range spec.Tasks {
		s, err := taskStatus(layout, t, live[t.Name], report.Running)
		if err != nil {
			return nil, err
		}
		report.Tasks = append(report.Tasks, s)
		report.Total.Pending += s.Pending
		report.Total.Running += s.Running
		report.Total.Succeeded += s.Succeeded
		report.Total.Failed += s.Failed
	}
	return report, nil
}

func taskStatus(layout fsstate.Layout, t *config.TaskSpec, live runner.Status, running bool) (runner.Status, error) {
	dirs, err := t.Dirs()
	if err != nil {
		return runner.Status{}, err
	}
	snap, err := fsstate.Scan(dirs)
	if err != nil {
		return runner.Status{}, fmt.Errorf("task '%s': %w", t.Name, err)
	}
	s := runner.Status{
		Task:         t.Name,
		Kind:         t.Kind,
		Pending:      len(snap.Eligible),
		Succeeded:    snap.Succeeded,
		Failed:       snap.Failed,
		LastActivity: live.LastActivity,
		Stopped:      !running || live.Stopped,
		Error:        live.Error,
	}
	if running {
		s.Running = live.Running
		s.Workers = live.Workers
		s.Backlog = live.Backlog
		if t.Kind == config.KindDistributed {
			// The client's snapshot is fresher than the last status write.
			if pool, err := distributed.PathsFor(layout, t.Name).ReadPool(); err == nil && pool != nil {
				s.Running = pool.InFlight
				s.Workers = pool.Size
				s.Backlog = pool.Backlog
			}
		}
	}
	if s.Pending -= s.Running; s.Pending < 0 {
		s.Pending = 0
	}
	return s, nil
}

// WriteText renders r as a table.
func (r *Report) WriteText(w io.Writer) error {
	if r.Running {
		fmt.Fprintf(w, "Pipeline running (pid %d, since %s)\n\n", r.PID, r.StartedAt.Local().Format(time.DateTime))
	} else {
		fmt.Fprintf(w, "Pipeline not running\n\n")
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tKIND\tPENDING\tRUNNING\tSUCCEEDED\tFAILED\tWORKERS")
	for _, s := range r.Tasks {
		workers := "-"
		if s.Kind == config.KindDistributed {
			workers = fmt.Sprint(s.Workers)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", s.Task, s.Kind, s.Pending, s.Running, s.Succeeded, s.Failed, workers)
	}
	fmt.Fprintf(tw, "TOTAL\t\t%d\t%d\t%d\t%d\t\n", r.Total.Pending, r.Total.Running, r.Total.Succeeded, r.Total.Failed)
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, s := range r.Tasks {
		if s.Error != "" {
			fmt.Fprintf(w, "\ntask %s stopped: %s\n", s.Task, s.Error)
		}
	}
	return nil
}

// WriteJSON renders r as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
