package task

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
)

// Outcome is what happened to one file.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "retry"
	}
}

// Instance is a set-up logic bound to its read-only context. One Instance
// serves every file of a runner (or of a remote worker).
type Instance struct {
	logic Logic
	tc    *Context
}

// Start runs the logic's Setup, if any, and freezes the context.
func Start(ctx context.Context, logic Logic, params map[string]string) (*Instance, error) {
	b := NewBuilder(params)
	if s, ok := logic.(Setupper); ok {
		if err := s.Setup(ctx, b); err != nil {
			return nil, fmt.Errorf("task setup: %w", err)
		}
	}
	return &Instance{logic: logic, tc: b.Freeze()}, nil
}

// Context returns the frozen setup context.
func (i *Instance) Context() *Context { return i.tc }

// Stop runs the logic's Teardown, if any.
func (i *Instance) Stop(ctx context.Context) error {
	if t, ok := i.logic.(Teardowner); ok {
		if err := t.Teardown(ctx, i.tc); err != nil {
			return fmt.Errorf("task teardown: %w", err)
		}
	}
	return nil
}

// Process runs the logic on input and settles it on disk: the output is
// renamed into place on success, a failure marker is written on a permanent
// error, and nothing is written on a transient one. The returned error is
// the logic's error (nil on success) or an infrastructure error.
func (i *Instance) Process(ctx context.Context, d fsstate.Dirs, input string) (Outcome, error) {
	logger := ctxlog.FromContext(ctx).With("file", d.Stem(input))
	start := time.Now()

	var runErr error
	writeErr := fsstate.WriteAtomic(d.OutputPath(input), func(tmpPath string) error {
		if runErr = i.run(ctx, input, tmpPath); runErr != nil {
			return runErr
		}
		// CreateTemp leaves the file owner-only.
		return os.Chmod(tmpPath, 0o644)
	})
	if runErr == nil && writeErr != nil {
		// The logic succeeded but the artifact could not be committed.
		logger.Warn("Could not commit output, will retry.", "error", writeErr)
		return Retry, writeErr
	}
	if runErr == nil {
		logger.Debug("File processed.", "duration", time.Since(start))
		return Succeeded, nil
	}

	if ctx.Err() != nil || Classify(runErr) == ClassTransient {
		logger.Warn("File processing failed, will retry.", "error", runErr)
		return Retry, runErr
	}

	logger.Error("File processing failed permanently.", "error", runErr)
	if err := fsstate.WriteFailure(d, input, Diagnostic(runErr)); err != nil {
		return Retry, fmt.Errorf("write failure marker: %w", err)
	}
	return Failed, runErr
}

func (i *Instance) run(ctx context.Context, input, output string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanentf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return i.logic.Run(ctx, i.tc, input, output)
}
