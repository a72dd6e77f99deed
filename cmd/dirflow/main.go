package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/specialistvlad/dirflow/internal/cli"
)

// main is the entrypoint for the dirflow application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Message != "" {
				fmt.Fprintln(os.Stderr, exitErr.Message)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(outW io.Writer, args []string) (err error) {
	// A panic in a task logic's Setup must still leave a clean exit message.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dirflow panicked: %v", r)
		}
	}()
	return cli.Execute(context.Background(), args, outW)
}
