// Package provider implements the execution back-end abstraction
// (spec.md §4.7): a task's compute is spawned, polled, and killed through
// a narrow interface so the scheduler never knows whether a task ran as a
// local subprocess or an HPC batch job.
package provider

import "context"

// JobID identifies one in-flight unit of work to whichever Provider
// spawned it. Its shape is provider-specific: a PID string for the local
// process provider, a scheduler job id for the HPC batch provider.
type JobID string

// JobSpec is everything a Provider needs to start one task's compute.
// ArgsBlob/KwargsBlob already have every embedded future substituted by
// pkg/resolver — the provider never resolves dependencies itself.
type JobSpec struct {
	TaskID     int64
	Kind       string // types.TaskKind
	AppName    string
	CodeBlob   []byte
	ArgsBlob   []byte
	KwargsBlob []byte
	WorkDir    string
}

// Status is a point-in-time snapshot a Provider reports on Poll.
type Status struct {
	Done      bool
	Errno     int
	Out       string
	Err       string
	ResultRaw []byte // raw JSON payload for the result cache, if Done and Errno == 0
}

// Provider is satisfied by every execution back-end (spec.md §4.7:
// "providers are interchangeable; the scheduler depends only on this
// contract").
type Provider interface {
	// Spawn launches spec's compute and returns a handle to track it.
	Spawn(ctx context.Context, spec JobSpec) (JobID, error)
	// Poll reports whether the job named by id has finished, and its
	// outcome if so. Poll never blocks waiting for completion.
	Poll(ctx context.Context, id JobID) (Status, error)
	// Kill terminates an in-flight job. Killing an already-finished job
	// is not an error.
	Kill(ctx context.Context, id JobID) error
}
