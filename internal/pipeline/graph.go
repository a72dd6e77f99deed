package pipeline

import (
	"fmt"
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/specialistvlad/dirflow/internal/runner"
	"gopkg.in/go-playground/colors.v1"
)

// statusColor picks a task's fill colour: red with failures, amber with
// work left, green when everything it has seen succeeded, grey when idle
// and empty.
func statusColor(s runner.Status) (string, error) {
	var c *colors.RGBColor
	var err error
	switch {
	case s.Failed > 0:
		c, err = colors.RGB(231, 76, 60)
	case s.Pending > 0 || s.Running > 0:
		c, err = colors.RGB(241, 196, 15)
	case s.Succeeded > 0:
		c, err = colors.RGB(46, 204, 113)
	default:
		c, err = colors.RGB(189, 195, 199)
	}
	if err != nil {
		return "", fmt.Errorf("status colour: %w", err)
	}
	return c.ToHEX().String(), nil
}

// WriteDOT renders the task tree as a Graphviz digraph, each task labelled
// with its counts and coloured by status.
func (r *Report) WriteDOT(w io.Writer) error {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, s := range r.Tasks {
		fill, err := statusColor(s)
		if err != nil {
			return err
		}
		label := fmt.Sprintf("%s (%s)\\npending %d  running %d\\nsucceeded %d  failed %d",
			s.Task, s.Kind, s.Pending, s.Running, s.Succeeded, s.Failed)
		if err := g.AddVertex(s.Task,
			graph.VertexAttribute("label", label),
			graph.VertexAttribute("shape", "box"),
			graph.VertexAttribute("style", "filled"),
			graph.VertexAttribute("fillcolor", fill),
		); err != nil {
			return fmt.Errorf("add task '%s': %w", s.Task, err)
		}
	}
	for _, t := range r.spec.Tasks {
		if t.DependsOn == "" {
			continue
		}
		if err := g.AddEdge(t.DependsOn, t.Name, graph.EdgeAttribute("label", t.InputExt)); err != nil {
			return fmt.Errorf("link '%s' -> '%s': %w", t.DependsOn, t.Name, err)
		}
	}
	return draw.DOT(g, w, draw.GraphAttribute("rankdir", "LR"))
}
