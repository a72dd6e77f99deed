package task

import "context"

// Logic is the per-file processing contract. Run reads input and writes its
// result to output, which is a temporary path; the runner renames it into
// place only when Run returns nil. Run must treat tc as read-only.
type Logic interface {
	Run(ctx context.Context, tc *Context, input, output string) error
}

// Setupper is implemented by logics that need one-time initialisation.
type Setupper interface {
	Setup(ctx context.Context, b *Builder) error
}

// Teardowner is implemented by logics that release resources at shutdown.
type Teardowner interface {
	Teardown(ctx context.Context, tc *Context) error
}

// Validator is implemented by logics that can check, before the pipeline
// starts, that they are loadable and executable.
type Validator interface {
	Validate(ctx context.Context) error
}

// Func adapts a plain function to Logic.
type Func func(ctx context.Context, tc *Context, input, output string) error

// Run calls f.
func (f Func) Run(ctx context.Context, tc *Context, input, output string) error {
	return f(ctx, tc, input, output)
}
