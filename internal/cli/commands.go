package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/specialistvlad/dirflow/internal/app"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/pipeline"
	"github.com/spf13/cobra"
)

func newRunCommand(g *globals) *cobra.Command {
	var (
		idleTimeout time.Duration
		background  bool
		healthPort  int
	)
	cmd := &cobra.Command{
		Use:   "run CONFIG INPUT_DIR OUTPUT_DIR",
		Short: "Run a pipeline in the foreground, or detached with --background",
		Args:  exactArgs("CONFIG", "INPUT_DIR", "OUTPUT_DIR"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := app.NewRunConfig(app.RunConfig{
				ConfigPath:      args[0],
				InputDir:        args[1],
				OutputDir:       args[2],
				IdleTimeout:     idleTimeout,
				HealthcheckPort: healthPort,
			})
			if err != nil {
				return usageError("%s", err.Error())
			}
			if background {
				return runBackground(cmd, g, rc)
			}
			return app.NewApp(cmd.OutOrStdout(), g.appConfig(), nil).Run(cmd.Context(), rc)
		},
	}
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "Stop after this long without activity. 0 runs until stopped.")
	cmd.Flags().BoolVar(&background, "background", false, "Detach from the terminal; logs go to OUTPUT_DIR/.dirflow/pipeline.log.")
	cmd.Flags().IntVar(&healthPort, "healthcheck-port", 0, "Port for the HTTP health check and status server. 0 is disabled.")
	return cmd
}

// runBackground re-executes run without --background in a new session.
func runBackground(cmd *cobra.Command, g *globals, rc *app.RunConfig) error {
	layout := fsstate.NewLayout(rc.OutputDir)
	if rec, err := fsstate.ReadPID(layout.PIDFile()); err == nil && rec != nil && fsstate.Alive(rec.PID) {
		return &ExitError{Code: 1, Message: fmt.Sprintf("%s (pid %d)", pipeline.ErrAlreadyRunning, rec.PID)}
	}
	args := []string{
		"run", rc.ConfigPath, rc.InputDir, rc.OutputDir,
		"--idle-timeout", rc.IdleTimeout.String(),
		"--healthcheck-port", strconv.Itoa(rc.HealthcheckPort),
		"--log-level", g.logLevel,
		"--log-format", g.logFormat,
		"--queue", g.queue,
	}
	pid, err := pipeline.Background(rc.OutputDir, args)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pipeline started in the background (pid %d), logging to %s\n", pid, layout.LogFile())
	return nil
}

func newStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status OUTPUT_DIR",
		Short: "Show per-task file counts; exits 1 when the pipeline is not running",
		Args:  exactArgs("OUTPUT_DIR"),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := pipeline.Status(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				err = report.WriteJSON(cmd.OutOrStdout())
			} else {
				err = report.WriteText(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if !report.Running {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON.")
	return cmd
}

func newStopCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop OUTPUT_DIR",
		Short: "Stop the pipeline writing to OUTPUT_DIR",
		Args:  exactArgs("OUTPUT_DIR"),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := pipeline.Stop(args[0], force)
			if err != nil {
				return err
			}
			sig := syscall.SIGTERM
			if force {
				sig = syscall.SIGKILL
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to pipeline (pid %d)\n", sig, pid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Kill the pipeline without draining (SIGKILL).")
	return cmd
}

func newGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph OUTPUT_DIR",
		Short: "Print the task tree with its status as a Graphviz digraph",
		Args:  exactArgs("OUTPUT_DIR"),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := pipeline.Status(args[0])
			if err != nil {
				return err
			}
			return report.WriteDOT(cmd.OutOrStdout())
		},
	}
}

// jobContext cancels on SIGINT and SIGTERM; queueing systems stop jobs with
// SIGTERM.
func jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func newClientCommand(g *globals) *cobra.Command {
	cc := &app.ClientConfig{}
	cmd := &cobra.Command{
		Use:    "client",
		Short:  "Run the client job of a distributed task",
		Hidden: true,
		Args:   exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cc.Generation < 1 {
				return usageError("--generation must be at least 1")
			}
			ctx, stop := jobContext(cmd.Context())
			defer stop()
			return app.NewApp(cmd.OutOrStdout(), g.appConfig(), nil).RunClient(ctx, cc)
		},
	}
	cmd.Flags().StringVar(&cc.SpecPath, "spec", "", "Frozen pipeline spec written by the orchestrator.")
	cmd.Flags().StringVar(&cc.Task, "task", "", "Distributed task to serve.")
	cmd.Flags().IntVar(&cc.Generation, "generation", 1, "Client generation.")
	cmd.Flags().BoolVar(&cc.Handoff, "handoff", false, "Take over from the previous generation.")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newWorkerCommand(g *globals) *cobra.Command {
	wc := &app.WorkerConfig{}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker job of a distributed task",
		Hidden: true,
		Args:   exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := jobContext(cmd.Context())
			defer stop()
			err := app.NewApp(cmd.OutOrStdout(), g.appConfig(), nil).RunWorker(ctx, wc)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&wc.SpecPath, "spec", "", "Frozen pipeline spec written by the orchestrator.")
	cmd.Flags().StringVar(&wc.Task, "task", "", "Distributed task to work on.")
	cmd.Flags().StringVar(&wc.WorkerID, "worker-id", "", "Identity assigned by the client.")
	cmd.Flags().IntVar(&wc.Generation, "generation", 1, "Client generation that requested this worker.")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("worker-id")
	return cmd
}
