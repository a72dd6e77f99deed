package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Factory builds a Logic from the task's params.
type Factory func(params map[string]string) (Logic, error)

// Module is the interface that built-in logic packages implement to be
// registered.
type Module interface {
	Register(r *Registry)
}

// Registry maps logic names used in pipeline configs to Go factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding every built-in logic.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, m := range builtinModules {
		m.Register(r)
	}
	return r
}

// Register adds a factory. Registering the same name twice is a programming
// error and panics.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("task logic with name '%s' already registered", name))
	}
	slog.Debug("Registering task logic.", "name", name)
	r.factories[name] = f
}

// Names lists the registered logic names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownLogic is returned by New for a name that was never registered.
var ErrUnknownLogic = errors.New("unknown task logic")

// New resolves name and builds the logic.
func (r *Registry) New(name string, params map[string]string) (Logic, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w '%s' (registered: %v)", ErrUnknownLogic, name, r.Names())
	}
	logic, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("build task logic '%s': %w", name, err)
	}
	return logic, nil
}

// ErrValidationTimeout is returned by Validate when the logic did not finish
// its own check in time.
var ErrValidationTimeout = errors.New("task validation timed out")

// Validate resolves name and runs the logic's own check, if any, bounded by
// ctx. A deadline hit is reported as ErrValidationTimeout.
func (r *Registry) Validate(ctx context.Context, name string, params map[string]string) error {
	logic, err := r.New(name, params)
	if err != nil {
		return err
	}
	v, ok := logic.(Validator)
	if !ok {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- v.Validate(ctx) }()
	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return ErrValidationTimeout
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrValidationTimeout
		}
		return ctx.Err()
	}
}
