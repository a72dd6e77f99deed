// Package pipeline starts, supervises and reports on a tree of task runners.
//
// # Why Pipeline Exists
//
// Runners only know their own task. Something has to validate every task
// before anything starts, wire one runner per task, own the process-level
// records that other commands use to find a running pipeline, and turn
// termination signals into an orderly drain.
//
// # How It Works
//
// Start validates every task logic in parallel under the validation timeout,
// refuses to start next to a live pipeline on the same output directory,
// then writes the pid record and a frozen copy of the pipeline spec under the
// state directory. Run starts all runners at once and polls them: it
// refreshes status.json for other processes, closes the pipeline after the
// idle timeout, and on a signal stops admission and waits up to the drain
// grace before giving up on in-flight work.
//
// Status, Stop and Graph work from the output directory alone, so they can
// run in any process.
package pipeline
