package types

import "fmt"

// EnqueueError is raised to the caller of a Task Manager call: an invalid
// callable, unserializable arguments, or a cyclic dependency.
type EnqueueError struct {
	Reason string
	Err    error
}

func (e *EnqueueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("enqueue: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("enqueue: %s", e.Reason)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// TaskFailed is returned by Future.Result when the backing record reached
// FAILED or KILLED. Err carries the captured stderr.
type TaskFailed struct {
	TaskID int64
	State  TaskState
	Errno  int
	Err    string
}

func (e *TaskFailed) Error() string {
	return fmt.Sprintf("task %d %s (errno %d): %s", e.TaskID, e.State, e.Errno, e.Err)
}

// StoreUnavailable is surfaced to CLIs when the queue file is missing or
// locked by another manager.
type StoreUnavailable struct {
	Queue string
	Err   error
}

func (e *StoreUnavailable) Error() string {
	return fmt.Sprintf("queue %q unavailable: %v", e.Queue, e.Err)
}

func (e *StoreUnavailable) Unwrap() error { return e.Err }

// ProviderError indicates a worker could not be launched. The scheduler
// marks the record FAILED with a distinguished errno and continues.
type ProviderError struct {
	TaskID int64
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: task %d: %v", e.TaskID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CacheCorrupt indicates a cached result file exists but could not be
// read. resultcache.Get returns it; Future.Result and the scheduler pass
// it on as an error, and nothing converts it into a cache miss or re-runs
// the task.
type CacheCorrupt struct {
	Fingerprint string
	Err         error
}

func (e *CacheCorrupt) Error() string {
	return fmt.Sprintf("cache entry %s corrupt: %v", e.Fingerprint, e.Err)
}

func (e *CacheCorrupt) Unwrap() error { return e.Err }
