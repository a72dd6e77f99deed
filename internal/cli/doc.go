// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates cobra commands into calls on the app and pipeline packages.
//
// Every failure leaves this package as an *ExitError: 2 for bad usage, 1
// when a pipeline is missing or could not run, and 128+N when a running
// pipeline was drained by signal N.
package cli
