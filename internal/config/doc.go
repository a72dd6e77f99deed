// Package config defines the format-agnostic pipeline model and the loaders
// that produce it.
//
// A pipeline is a rooted tree of tasks. Loaders (HCL and YAML) only decode
// task definitions; Build validates the tree, resolves every task's input and
// output directories, and orders the tasks root-first. The resulting
// PipelineSpec is the single source of truth for the runners and is never
// mutated after the pipeline starts.
package config
