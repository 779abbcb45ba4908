// Package queuestore implements the Persistent Queue Store (spec.md §4.1):
// a single-writer, compare-and-swap task ledger backed by one embedded
// database file per queue, under <base_dir>/.desipipe/queues/<name>.db.
//
// bbolt stands in for the reference "any ACID embedded store suffices"
// choice (see DESIGN.md) — every mutation runs inside a single bolt
// transaction, giving the store the durability and isolation spec.md §4.1
// requires without a server process.
package queuestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/desipipe/pkg/log"
	"github.com/cuemby/desipipe/pkg/types"
	bolt "go.etcd.io/bbolt"
	"github.com/rs/zerolog"
)

var (
	bucketTasks = []byte("tasks")
	bucketMeta  = []byte("meta")
)

var keyQueueState = []byte("queue_state")

// ErrCASConflict is returned by Transition when a task's current state no
// longer matches the expected "from" state — another writer moved it
// first.
var ErrCASConflict = fmt.Errorf("queuestore: compare-and-swap conflict")

// ErrNotFound is returned when a task id has no record.
var ErrNotFound = fmt.Errorf("queuestore: task not found")

// Store is a single queue's persistent ledger. A process holds at most one
// writer per queue at a time (spec.md §4.1's "single-writer" invariant);
// bbolt itself serializes Update transactions, so concurrent goroutines in
// the same process are already safe — callers across processes coordinate
// via the manager's singleton lock (pkg/manager).
type Store struct {
	name   string
	path   string
	db     *bolt.DB
	logger zerolog.Logger
}

// openTimeout bounds how long Open/OpenReadOnly wait on bbolt's flock
// before giving up — long enough to ride out a brief contending writer,
// short enough that a CLI invocation fails fast rather than hanging.
const openTimeout = 5 * time.Second

// Open returns the Store for queue name rooted at baseDir, creating the
// database file and its buckets if they don't exist. bbolt takes an
// exclusive lock on the file for as long as the returned Store stays
// open, so Open is for callers that mutate the ledger — the manager loop
// and the CLI's pause/resume/retry commands.
func Open(baseDir, name string) (*Store, error) {
	dir := filepath.Join(baseDir, ".desipipe", "queues")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queuestore: create queue dir: %w", err)
	}
	path := filepath.Join(dir, name+".db")

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, &types.StoreUnavailable{Queue: name, Err: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTasks); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if meta.Get(keyQueueState) == nil {
			if err := meta.Put(keyQueueState, []byte(types.QueueActive)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &types.StoreUnavailable{Queue: name, Err: err}
	}

	return &Store{
		name:   name,
		path:   path,
		db:     db,
		logger: log.WithQueue(name),
	}, nil
}

// OpenReadOnly returns a Store for an already-existing queue using
// bbolt's shared-lock read-only mode: unlike Open's exclusive lock,
// bbolt lets any number of ReadOnly handles coexist, so two `desipipe
// tasks`/`desipipe queues` invocations (or an open future.Get call)
// never contend with each other the way two writers would. Every method
// that mutates the ledger returns bbolt's own read-only error if called
// on a Store opened this way, since the underlying *bolt.DB rejects
// Update transactions outright. Callers that need to write — pause,
// resume, retry — still need Open.
func OpenReadOnly(baseDir, name string) (*Store, error) {
	path := filepath.Join(baseDir, ".desipipe", "queues", name+".db")

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return nil, &types.StoreUnavailable{Queue: name, Err: err}
	}

	return &Store{
		name:   name,
		path:   path,
		db:     db,
		logger: log.WithQueue(name),
	}, nil
}

// Name returns the queue name this store serves.
func (s *Store) Name() string { return s.name }

// Path returns the database file's filesystem path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// Append inserts rec as a new record, assigning it the next sequential
// task id and CreatedAt timestamp. rec.State must already be WAITING or
// PENDING depending on whether it has unresolved dependencies.
func (s *Store) Append(_ context.Context, rec *types.TaskRecord) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)

		seq, _ := tasks.NextSequence()
		id = int64(seq)

		rec.ID = id
		rec.CreatedAt = time.Now().UTC()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tasks.Put(idKey(id), data)
	})
	if err != nil {
		return 0, &types.StoreUnavailable{Queue: s.name, Err: err}
	}

	s.logger.Debug().Int64("task_id", id).Str("state", string(rec.State)).Msg("appended task")
	return id, nil
}

// Get returns the current record for taskID.
func (s *Store) Get(_ context.Context, _ string, taskID int64) (*types.TaskRecord, error) {
	var rec types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(idKey(taskID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every record in the queue, ordered by task id.
func (s *Store) List(_ context.Context) ([]*types.TaskRecord, error) {
	var recs []*types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, &types.StoreUnavailable{Queue: s.name, Err: err}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// Transition performs a compare-and-swap state change: it loads taskID,
// verifies its current state equals from, applies mutate (which must set
// the new State and any other fields the transition implies, e.g.
// StartedAt/FinishedAt/Out/Err/ResultRef), and writes the result back in
// the same bolt transaction. Returns ErrCASConflict if the record's state
// had already moved away from from.
func (s *Store) Transition(_ context.Context, taskID int64, from types.TaskState, mutate func(*types.TaskRecord)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		data := tasks.Get(idKey(taskID))
		if data == nil {
			return ErrNotFound
		}
		var rec types.TaskRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.State != from {
			return ErrCASConflict
		}
		mutate(&rec)
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return tasks.Put(idKey(taskID), out)
	})
	if err != nil && err != ErrCASConflict && err != ErrNotFound {
		return &types.StoreUnavailable{Queue: s.name, Err: err}
	}
	return err
}

// NextPending atomically claims the lowest-id task currently PENDING,
// moving it to RUNNING and stamping StartedAt, then returns it. It returns
// nil, nil when no task is eligible — callers poll via Watch rather than
// spin.
func (s *Store) NextPending(_ context.Context) (*types.TaskRecord, error) {
	var claimed *types.TaskRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		c := tasks.Cursor()

		var bestID []byte
		var best types.TaskRecord
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.State != types.Pending {
				continue
			}
			if bestID == nil || rec.ID < best.ID {
				bestID = append([]byte(nil), k...)
				best = rec
			}
		}
		if bestID == nil {
			return nil
		}

		best.State = types.Running
		best.StartedAt = time.Now().UTC()
		data, err := json.Marshal(&best)
		if err != nil {
			return err
		}
		if err := tasks.Put(bestID, data); err != nil {
			return err
		}
		claimed = &best
		return nil
	})
	if err != nil {
		return nil, &types.StoreUnavailable{Queue: s.name, Err: err}
	}
	return claimed, nil
}

// PromoteReady scans WAITING tasks and moves any whose dependencies have
// all reached a terminal, non-failing state to PENDING, making them
// visible to NextPending. It returns the ids promoted. Called by the
// scheduler after every dependency completes.
func (s *Store) PromoteReady(_ context.Context) ([]int64, error) {
	var promoted []int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)

		states := make(map[int64]types.TaskState)
		c := tasks.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			states[rec.ID] = rec.State
		}

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.State != types.Waiting {
				continue
			}
			if anyDepFailed(rec.DepIDs, states) {
				continue
			}
			if !types.DepsSatisfied(rec.DepIDs, states) {
				continue
			}
			rec.State = types.Pending
			data, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := tasks.Put(idKey(rec.ID), data); err != nil {
				return err
			}
			promoted = append(promoted, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, &types.StoreUnavailable{Queue: s.name, Err: err}
	}
	return promoted, nil
}

func anyDepFailed(depIDs []int64, states map[int64]types.TaskState) bool {
	for _, id := range depIDs {
		switch states[id] {
		case types.Failed, types.Killed, types.Unknown:
			return true
		}
	}
	return false
}

// SetQueueState persists the queue-level PAUSED/ACTIVE flag the scheduler
// checks before claiming new work.
func (s *Store) SetQueueState(_ context.Context, state types.QueueState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyQueueState, []byte(state))
	})
	if err != nil {
		return &types.StoreUnavailable{Queue: s.name, Err: err}
	}
	return nil
}

// QueueState returns the queue-level PAUSED/ACTIVE flag.
func (s *Store) QueueState(_ context.Context) (types.QueueState, error) {
	var state types.QueueState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyQueueState)
		if v == nil {
			state = types.QueueActive
			return nil
		}
		state = types.QueueState(v)
		return nil
	})
	if err != nil {
		return "", &types.StoreUnavailable{Queue: s.name, Err: err}
	}
	return state, nil
}

// Watch returns a channel that ticks no more often than interval (floored
// at 500ms per spec.md §4.1), intended to drive a caller's poll loop
// instead of a busy spin. The returned stop function releases the ticker.
func Watch(ctx context.Context, interval time.Duration) (<-chan time.Time, func()) {
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	ch := make(chan time.Time)

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				select {
				case ch <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, ticker.Stop
}
