// Package fsstate implements the filesystem state protocol shared by every
// task runner.
//
// The filesystem is the only shared state of a pipeline. A file's state is
// never stored anywhere; it is derived on every poll from what exists on
// disk:
//
//   - Succeeded: <output_dir>/<stem><output_ext> exists.
//   - Failed:    <output_dir>/<stem>.err exists.
//   - Pending:   neither exists, and the input passes the task's filters.
//
// Every artifact is written under a temporary name in its destination
// directory and renamed into place, so no observer ever sees a partial file.
// Temporary names start with TempPrefix; they are hidden from scans and swept
// when a runner starts.
package fsstate
