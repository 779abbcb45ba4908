package queuestore

import (
	"context"
	"time"

	"github.com/cuemby/desipipe/pkg/types"
)

// KillFunc terminates the in-flight worker behind a jobid, if any is
// still running. Retry calls it only when force is set and the record
// being retried is RUNNING — the local process provider and HPC batch
// provider both satisfy this through their Kill method.
type KillFunc func(ctx context.Context, jobID string) error

// Retry moves every record currently in state back to PENDING, and
// resolves spec.md §9's open question on "retry --state RUNNING": without
// force, RUNNING records are left alone since a worker may still be
// making progress; every other state is retried. With force, a RUNNING
// record is first killed via kill (when non-nil and the record has a
// JobID) before being requeued.
//
// Retrying a record clears its prior result fields (Errno/Out/Err/
// ResultRef/StartedAt/FinishedAt/JobID) but keeps its fingerprint and
// dependency list untouched — the Task Manager layer is what changes the
// fingerprint, by re-deriving it from edited source (spec.md §4.2).
func (s *Store) Retry(ctx context.Context, state types.TaskState, force bool, kill KillFunc) ([]int64, error) {
	candidates, err := s.recordsInState(state)
	if err != nil {
		return nil, err
	}

	var retried []int64
	for _, id := range candidates {
		// A record currently in RUNNING is, by definition, not yet known
		// dead — retrying it without --force would race an active
		// worker. Liveness-lost records already carry UNKNOWN, which has
		// its own (always-eligible) candidate set.
		if state == types.Running && !force {
			continue
		}
		if state == types.Running && force && kill != nil {
			rec, err := s.Get(ctx, s.name, id)
			if err != nil {
				return retried, err
			}
			if rec.JobID != "" {
				if err := kill(ctx, rec.JobID); err != nil {
					s.logger.Warn().Err(err).Int64("task_id", id).Msg("retry: kill before requeue failed")
				}
			}
		}

		err := s.Transition(ctx, id, state, func(rec *types.TaskRecord) {
			rec.State = types.Pending
			rec.Errno = types.ErrnoOK
			rec.Out = nil
			rec.Err = nil
			rec.ResultRef = ""
			rec.JobID = ""
			rec.StartedAt = time.Time{}
			rec.FinishedAt = time.Time{}
		})
		if err == ErrCASConflict {
			// Another writer already moved this record; skip it rather
			// than fail the whole batch.
			continue
		}
		if err != nil {
			return retried, err
		}
		retried = append(retried, id)
	}
	return retried, nil
}

func (s *Store) recordsInState(state types.TaskState) ([]int64, error) {
	recs, err := s.List(context.Background())
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, rec := range recs {
		if rec.State == state {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}
