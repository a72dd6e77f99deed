// Package task defines the contract between a runner and the per-file logic
// it executes, the registry that resolves a logic by name, and the built-in
// logics compiled into the binary.
//
// A logic is set up once per runner (or once per remote worker), producing a
// read-only Context. Run is then called once per input file with a temporary
// output path; the caller renames that path into place only if Run succeeds.
// Errors returned by Run are classified by the logic itself with Transient or
// Permanent; unclassified errors are permanent.
package task
