// Package runner drives one task of a pipeline.
//
// # Why Runner Exists
//
// Every task, whatever its execution model, follows the same loop: poll the
// input directory, work out which files are eligible from what is on disk,
// hand them to the task logic and settle each one with an atomic output or a
// failure marker. The runner package owns that loop and the two in-process
// execution models built on it:
//
//   - Sequential processes one file at a time in name order.
//   - Concurrent keeps at most C files in flight, admitting the next eligible
//     file as soon as a slot frees up.
//
// The distributed execution model lives in its own package but satisfies the
// same Runner interface.
//
// # Cancellation
//
// Cancelling the context passed to Run stops admission only. Files already
// in flight run to completion under a context detached from the caller; the
// pipeline decides how long to wait for them before exiting.
package runner
