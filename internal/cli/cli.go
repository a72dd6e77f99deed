package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/specialistvlad/dirflow/internal/app"
	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/pipeline"
	"github.com/spf13/cobra"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// globals are the persistent flags shared by every command.
type globals struct {
	logLevel  string
	logFormat string
	queue     string
}

func (g *globals) appConfig() *app.Config {
	return &app.Config{LogLevel: g.logLevel, LogFormat: g.logFormat, QueueKind: g.queue}
}

// Execute runs the dirflow command line with args, writing command output
// and logs to outW. Help requests return nil.
func Execute(ctx context.Context, args []string, outW io.Writer) error {
	root := NewRootCommand(outW)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return toExitError(err)
}

// toExitError maps domain errors onto exit codes.
func toExitError(err error) *ExitError {
	var sigErr *pipeline.SignalError
	switch {
	case errors.As(err, &sigErr):
		return &ExitError{Code: sigErr.ExitCode(), Message: err.Error()}
	case errors.Is(err, config.ErrInvalid):
		return &ExitError{Code: 2, Message: err.Error()}
	case strings.HasPrefix(err.Error(), "unknown command"), strings.HasPrefix(err.Error(), "required flag"):
		return &ExitError{Code: 2, Message: err.Error()}
	default:
		return &ExitError{Code: 1, Message: err.Error()}
	}
}

// NewRootCommand builds the dirflow command tree.
func NewRootCommand(outW io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "dirflow",
		Short: "Filesystem-driven file processing pipelines",
		Long: `dirflow runs a tree of tasks over a directory of files. Each task turns
files of one extension into files of another; a file's state is nothing
but the presence of its output or its .err marker, so a stopped pipeline
resumes where it left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.validate()
		},
	}
	root.SetOut(outW)
	root.SetErr(outW)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError("%s", err.Error())
	})

	defaultQueue := os.Getenv(config.EnvPrefix + "QUEUE")
	if defaultQueue == "" {
		defaultQueue = "auto"
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	flags.StringVar(&g.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	flags.StringVar(&g.queue, "queue", defaultQueue, "Queueing system for distributed tasks: 'slurm', 'local' or 'auto'.")

	root.AddCommand(
		newRunCommand(g),
		newStatusCommand(),
		newStopCommand(),
		newGraphCommand(),
		newClientCommand(g),
		newWorkerCommand(g),
	)
	return root
}

func (g *globals) validate() error {
	g.logFormat = strings.ToLower(g.logFormat)
	if g.logFormat != "text" && g.logFormat != "json" {
		return usageError("invalid log-format: must be 'text' or 'json'")
	}
	g.logLevel = strings.ToLower(g.logLevel)
	switch g.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	switch strings.ToLower(g.queue) {
	case "slurm", "local", "auto":
	default:
		return usageError("invalid queue: must be 'slurm', 'local' or 'auto'")
	}
	return nil
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(names ...string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != len(names) {
			return usageError("%s expects %s, got %d argument(s)", cmd.Name(), strings.Join(names, " "), len(args))
		}
		return nil
	}
}
