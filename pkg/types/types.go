// Package types holds the shared vocabulary of the task-execution engine:
// task records, queue metadata, and the state machine they move through.
package types

import "time"

// TaskKind distinguishes a native-function task from a shell-command task.
type TaskKind string

const (
	// PythonApp tasks return a value produced by a native callable.
	PythonApp TaskKind = "python_app"
	// BashApp tasks execute an argv and capture stdout.
	BashApp TaskKind = "bash_app"
)

// TaskState is a node in the task record's lifecycle DAG:
//
//	WAITING -> PENDING -> RUNNING -> {SUCCEEDED, FAILED, KILLED}
//	RUNNING -> UNKNOWN (liveness lost)
type TaskState string

const (
	Waiting   TaskState = "WAITING"
	Pending   TaskState = "PENDING"
	Running   TaskState = "RUNNING"
	Succeeded TaskState = "SUCCEEDED"
	Failed    TaskState = "FAILED"
	Killed    TaskState = "KILLED"
	Unknown   TaskState = "UNKNOWN"
)

// Terminal reports whether a state ends the record's lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case Succeeded, Failed, Killed:
		return true
	default:
		return false
	}
}

// QueueState is ACTIVE (claiming) or PAUSED (not claiming).
type QueueState string

const (
	QueueActive QueueState = "ACTIVE"
	QueuePaused QueueState = "PAUSED"
)

// Distinguished errno values the scheduler/provider assign on top of a
// worker's own exit code.
const (
	ErrnoOK              = 0
	ErrnoProviderLaunch  = 90
	ErrnoProviderTimeout = 91
	ErrnoWorkerLost      = 92
)

// MaxCapturedStream bounds how much of stdout/stderr a record retains.
const MaxCapturedStream = 1 << 20 // 1 MiB

// TaskRecord is the persistent representation of one unit of work. The
// Queue Store exclusively owns TaskRecord values; callers never mutate a
// record fetched via Get/List/NextPending in place — all writes go through
// the store's Append/Transition/NextPending/PromoteReady/Retry operations.
type TaskRecord struct {
	ID      int64
	AppName string
	Kind    TaskKind

	// CodeBlob is the source text of the callable ("bash_app:<name>" for
	// a BASH_APP). No environment version inventory is recorded. It is
	// stored even when the task is "named" (fingerprint aliasing, see
	// spec.md §4.2); a named task's fingerprint does not include it.
	CodeBlob []byte

	// ArgsBlob/KwargsBlob are the canonical serialization of positional
	// and named arguments, with placeholders at each embedded-future
	// substitution site (see pkg/resolver).
	ArgsBlob   []byte
	KwargsBlob []byte

	DepIDs []int64

	Fingerprint string

	State TaskState
	Errno int

	Out []byte
	Err []byte

	// ResultRef is the fingerprint key into the Result Cache. Set if and
	// only if State == Succeeded.
	ResultRef string

	// JobID is the provider-issued worker identifier, set once dispatched.
	JobID string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// DepsSatisfied reports whether every id in depIDs resolves to Succeeded.
func DepsSatisfied(depIDs []int64, resolved map[int64]TaskState) bool {
	for _, id := range depIDs {
		if resolved[id] != Succeeded {
			return false
		}
	}
	return true
}

// QueueInfo describes a named, persistent queue.
type QueueInfo struct {
	Name    string
	BaseDir string
	State   QueueState
}
