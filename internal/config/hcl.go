package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
)

// HCLLoader reads pipelines written as HCL `task` blocks.
type HCLLoader struct{}

// NewHCLLoader creates a new HCL configuration loader.
func NewHCLLoader() *HCLLoader {
	return &HCLLoader{}
}

type hclRoot struct {
	Tasks  []*hclTask `hcl:"task,block"`
	Remain hcl.Body   `hcl:",remain"`
}

type hclTask struct {
	Name        string         `hcl:"name,label"`
	Kind        string         `hcl:"kind,optional"`
	DependsOn   string         `hcl:"depends_on,optional"`
	InputExt    string         `hcl:"input_ext"`
	OutputExt   string         `hcl:"output_ext,optional"`
	Logic       string         `hcl:"logic"`
	Params      hcl.Expression `hcl:"params,optional"`
	Concurrency int            `hcl:"concurrency,optional"`
	MinWorkers  int            `hcl:"min_workers,optional"`
	MaxWorkers  int            `hcl:"max_workers,optional"`
	Resources   *hclResources  `hcl:"resources,block"`
	Filters     *hclFilters    `hcl:"filters,block"`
}

type hclResources struct {
	Account       string   `hcl:"account,optional"`
	CPUs          int      `hcl:"cpus,optional"`
	GPUs          int      `hcl:"gpus,optional"`
	Memory        string   `hcl:"memory,optional"`
	Time          string   `hcl:"time,optional"`
	Options       []string `hcl:"options,optional"`
	SetupCommands []string `hcl:"setup_commands,optional"`
}

type hclFilters struct {
	MinSize   int64  `hcl:"min_size,optional"`
	MaxSize   int64  `hcl:"max_size,optional"`
	MinAge    string `hcl:"min_age,optional"`
	Pattern   string `hcl:"pattern,optional"`
	Companion string `hcl:"companion,optional"`
	Script    string `hcl:"script,optional"`
	SortBy    string `hcl:"sort_by,optional"`
	Reverse   bool   `hcl:"reverse,optional"`
	MaxBatch  int    `hcl:"max_batch,optional"`
	MaxStaged int    `hcl:"max_staged,optional"`
}

// Load parses path and translates every task block.
func (l *HCLLoader) Load(ctx context.Context, path string) ([]*TaskSpec, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path", path)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to parse HCL file %s: %w", ErrInvalid, path, diags)
	}

	var root hclRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to decode HCL file %s: %w", ErrInvalid, path, diags)
	}

	evalCtx := paramsEvalContext()
	tasks := make([]*TaskSpec, 0, len(root.Tasks))
	for _, t := range root.Tasks {
		spec, err := translateTask(ctx, t, evalCtx)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, spec)
	}
	logger.Debug("HCL loading complete.", "tasks", len(tasks))
	return tasks, nil
}

func translateTask(ctx context.Context, t *hclTask, evalCtx *hcl.EvalContext) (*TaskSpec, error) {
	spec := &TaskSpec{
		Name:        t.Name,
		Kind:        Kind(t.Kind),
		DependsOn:   t.DependsOn,
		InputExt:    t.InputExt,
		OutputExt:   t.OutputExt,
		Logic:       t.Logic,
		Concurrency: t.Concurrency,
		MinWorkers:  t.MinWorkers,
		MaxWorkers:  t.MaxWorkers,
	}

	if isExprDefined(ctx, t.Params, "params") {
		params, err := decodeParams(t.Params, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("%w: task '%s': %w", ErrInvalid, t.Name, err)
		}
		spec.Params = params
	}

	if r := t.Resources; r != nil {
		spec.Resources = &Resources{
			Account:       r.Account,
			CPUs:          r.CPUs,
			GPUs:          r.GPUs,
			Memory:        r.Memory,
			Time:          r.Time,
			Options:       r.Options,
			SetupCommands: r.SetupCommands,
		}
	}

	if f := t.Filters; f != nil {
		spec.Filters = Filters{
			MinSize:   f.MinSize,
			MaxSize:   f.MaxSize,
			Pattern:   f.Pattern,
			Companion: f.Companion,
			Script:    f.Script,
			SortBy:    f.SortBy,
			Reverse:   f.Reverse,
			MaxBatch:  f.MaxBatch,
			MaxStaged: f.MaxStaged,
		}
		if f.MinAge != "" {
			age, err := time.ParseDuration(f.MinAge)
			if err != nil {
				return nil, fmt.Errorf("%w: task '%s': filters.min_age: %w", ErrInvalid, t.Name, err)
			}
			spec.Filters.MinAge = age
		}
	}
	return spec, nil
}

// isExprDefined reports whether an optional attribute was actually written.
// gohcl fills omitted optional expressions with a zero-width placeholder, so a
// nil check is not enough.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	defined := r.End.Byte > r.Start.Byte
	ctxlog.FromContext(ctx).Debug("Checking if HCL attribute was explicitly defined.", "attribute", attrName, "hcl_range", r.String(), "is_defined", defined)
	return defined
}

// decodeParams evaluates the params object and converts every value to a
// string, so `retries = 3` and `retries = "3"` are equivalent.
func decodeParams(expr hcl.Expression, evalCtx *hcl.EvalContext) (map[string]string, error) {
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("params: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("params must be an object, got %s", val.Type().FriendlyName())
	}

	params := make(map[string]string, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		key := k.AsString()
		if v.IsNull() {
			continue
		}
		s, err := convert.Convert(v, cty.String)
		if err != nil {
			return nil, fmt.Errorf("params.%s: %w", key, err)
		}
		if !s.IsKnown() {
			return nil, fmt.Errorf("params.%s: value is not known", key)
		}
		params[key] = s.AsString()
	}
	return params, nil
}

// paramsEvalContext exposes env("NAME") inside params expressions.
func paramsEvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})
