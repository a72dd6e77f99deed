// Package distributed runs a task across remote workers obtained from a
// cluster queueing system.
//
// # Why Distributed Exists
//
// Some task logic needs more than one host can offer, be it GPUs or sheer
// throughput. A distributed task keeps the same per-file contract as the
// local runners but executes Run inside worker jobs submitted to the queue.
//
// # How It Works
//
// Three kinds of process cooperate, and the shared filesystem is the only
// state they have in common:
//
//   - The pipeline process runs a Runner. It submits one long-lived client
//     job, resubmits it if it dies, and releases every job on stop.
//   - The client job hosts the Coordinator behind a socket.io endpoint. It
//     scans the task's input directory, keeps the worker Pool sized to the
//     backlog and hands one file at a time to each idle worker. Before its
//     own wall-clock limit runs out it submits a successor and hands off
//     through an atomic ledger file.
//   - Worker jobs run the task logic. Each registers with the current
//     client, pulls assignments and writes outputs and failure markers
//     directly with the atomic-write protocol.
//
// # Records
//
// Every client generation writes client.json (address and job id) and
// refreshes pool.json on each scaling check, under the task's state
// directory. An expiring client writes handoff-<generation>.json for its
// successor.
package distributed
