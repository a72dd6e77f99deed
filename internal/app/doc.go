// Package app wires the dirflow processes together. It turns parsed command
// line input into a running pipeline, a distributed client job or a worker
// job, each with its own isolated logger.
//
// # Why App Exists
//
// The CLI should only parse flags and map errors to exit codes, and the
// pipeline, runner and distributed packages should not know where their
// configuration came from. App sits between them: it builds the logger,
// loads or reads the pipeline spec, picks the queueing system and hands
// everything to the package that does the work.
//
// # How It Works
//
// NewApp builds the logger and the task logic registry. Run loads a pipeline
// config, starts the orchestrator and, when asked, the health and status
// server. RunClient and RunWorker read the pipeline frozen by a running
// orchestrator, so every job of a pipeline sees exactly the tasks and
// tunables it was started with.
package app
