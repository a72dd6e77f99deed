package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/specialistvlad/dirflow/internal/ctxlog"
)

// ExitTempFail is the exit status (EX_TEMPFAIL) a command uses to ask for a
// retry instead of a failure marker.
const ExitTempFail = 75

// commandModule registers "command", which runs an external program once per
// file. Params: program (required), args (whitespace-separated; the
// placeholders {input} and {output} are substituted).
type commandModule struct{}

func (m *commandModule) Register(r *Registry) {
	r.Register("command", NewCommand)
}

// Command is the built-in "command" logic.
type Command struct {
	Program string
	Args    []string
	// Grace is how long the process group gets between SIGTERM and SIGKILL
	// when the run is cancelled.
	Grace time.Duration
}

// NewCommand builds a Command from task params.
func NewCommand(params map[string]string) (Logic, error) {
	program := strings.TrimSpace(params["program"])
	if program == "" {
		return nil, errors.New("command: 'program' param is required")
	}
	return &Command{
		Program: program,
		Args:    strings.Fields(params["args"]),
		Grace:   5 * time.Second,
	}, nil
}

// Validate checks that the program resolves on PATH.
func (c *Command) Validate(context.Context) error {
	if _, err := exec.LookPath(c.Program); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	return nil
}

func (c *Command) Run(ctx context.Context, _ *Context, input, output string) error {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		a = strings.ReplaceAll(a, "{input}", input)
		args[i] = strings.ReplaceAll(a, "{output}", output)
	}

	cmd := exec.CommandContext(ctx, c.Program, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid targets the whole group the program may have spawned.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = c.Grace
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	ctxlog.FromContext(ctx).Debug("Running command.", "program", c.Program, "args", args)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return Transient(ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if exitErr.ExitCode() == ExitTempFail {
			return Transientf("%s exited with status %d: %s", c.Program, ExitTempFail, msg)
		}
		return Permanentf("%s exited with status %d: %s", c.Program, exitErr.ExitCode(), msg)
	}
	// Start failures (missing binary, fork limits) are environmental.
	return Transient(fmt.Errorf("run %s: %w", c.Program, err))
}
