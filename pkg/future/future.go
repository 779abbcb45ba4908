// Package future implements the client-side Future Handle (spec.md §4.6):
// a lightweight, serializable reference to a task's eventual result that
// blocks on Result()/Out() until the underlying task reaches a terminal
// state.
package future

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/desipipe/pkg/types"
)

// Querier is the minimal view of the queue a Future needs: look up a
// task's current state by id. pkg/queuestore.Store satisfies this.
type Querier interface {
	Get(ctx context.Context, queue string, taskID int64) (*types.TaskRecord, error)
}

// CacheReader is the minimal view of the result cache a Future needs to
// fetch a succeeded task's payload.
type CacheReader interface {
	Get(fingerprint string) ([]byte, error)
}

// Future is a client handle identifying one task. It carries the
// fingerprint it was issued against so that Result() can detect the rare
// case where the record it eventually observes belongs to a different
// run than the one the caller enqueued (spec.md §4.6: "expected_fingerprint
// guards against stale handles after a queue reset").
type Future struct {
	queue              string
	taskID             int64
	expectedFingerprint string

	store Querier
	cache CacheReader

	pollInterval time.Duration
}

// New constructs a Future for a just-enqueued task.
func New(store Querier, cache CacheReader, queue string, taskID int64, expectedFingerprint string) *Future {
	return &Future{
		queue:               queue,
		taskID:              taskID,
		expectedFingerprint: expectedFingerprint,
		store:               store,
		cache:               cache,
		pollInterval:        time.Second,
	}
}

// TaskID satisfies pkg/resolver.FutureLike, letting a Future be embedded
// directly in another task's arguments.
func (f *Future) TaskID() int64 { return f.taskID }

// Queue returns the name of the queue this future's task was enqueued on.
func (f *Future) Queue() string { return f.queue }

// ExpectedFingerprint returns the fingerprint this future was issued
// against.
func (f *Future) ExpectedFingerprint() string { return f.expectedFingerprint }

// State blocks until the task reaches a terminal state (or ctx is
// cancelled), polling the queue store with a delay that starts at a tenth
// of pollInterval and doubles after each poll up to pollInterval, and
// returns the terminal TaskRecord.
func (f *Future) State(ctx context.Context) (*types.TaskRecord, error) {
	delay := f.pollInterval / 10
	if delay <= 0 {
		delay = f.pollInterval
	}

	for {
		rec, err := f.store.Get(ctx, f.queue, f.taskID)
		if err != nil {
			return nil, err
		}
		if rec.Fingerprint != "" && rec.Fingerprint != f.expectedFingerprint {
			return nil, fmt.Errorf("future: task %d fingerprint changed since enqueue (stale handle)", f.taskID)
		}
		if rec.State.Terminal() {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > f.pollInterval {
			delay = f.pollInterval
		}
	}
}

// Result blocks until the task succeeds or fails, returning the
// deserialized JSON payload from the result cache on success, or a
// *types.TaskFailed error otherwise.
func (f *Future) Result(ctx context.Context) (interface{}, error) {
	rec, err := f.State(ctx)
	if err != nil {
		return nil, err
	}
	if rec.State != types.Succeeded {
		return nil, &types.TaskFailed{
			TaskID: rec.ID,
			State:  rec.State,
			Errno:  rec.Errno,
			Err:    string(rec.Err),
		}
	}

	payload, err := f.cache.Get(rec.ResultRef)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("future: decode cached result: %w", err)
	}
	return v, nil
}

// Out blocks until the task reaches a terminal state and returns its
// captured stdout, regardless of whether the task succeeded.
func (f *Future) Out(ctx context.Context) (string, error) {
	rec, err := f.State(ctx)
	if err != nil {
		return "", err
	}
	return string(rec.Out), nil
}
