// Package scheduler implements the Worker Scheduler (spec.md §4.6): it
// maintains a pool of size max_workers, pulls ready tasks off the queue
// store in FIFO-by-id order, dispatches each to a provider, and records
// results back into the store and the result cache.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/desipipe/pkg/events"
	"github.com/cuemby/desipipe/pkg/log"
	"github.com/cuemby/desipipe/pkg/metrics"
	"github.com/cuemby/desipipe/pkg/provider"
	"github.com/cuemby/desipipe/pkg/queuestore"
	"github.com/cuemby/desipipe/pkg/resolver"
	"github.com/cuemby/desipipe/pkg/resultcache"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// pollInterval is the scheduler's own tick — distinct from, and no
// shorter than, pkg/queuestore.Watch's floor, since both exist to avoid a
// spin loop over an embedded database file.
const pollInterval = 500 * time.Millisecond

// Scheduler drains one queue's store using one provider, honoring the
// queue's PAUSED/ACTIVE flag and a fixed concurrency cap.
type Scheduler struct {
	store      *queuestore.Store
	cache      *resultcache.Cache
	prov       provider.Provider
	maxWorkers int
	workDir    string

	logger   zerolog.Logger
	mu       sync.Mutex
	inFlight map[int64]provider.JobID // task id -> provider job handle
	stopCh   chan struct{}
	doneCh   chan struct{}

	broker     *events.Broker
	lastQState types.QueueState
	haveQState bool
}

// SetBroker wires b as the destination for this Scheduler's task lifecycle
// events. Optional: a Scheduler with no broker set simply skips publishing.
func (s *Scheduler) SetBroker(b *events.Broker) {
	s.broker = b
}

func (s *Scheduler) publish(typ events.EventType, taskID int64, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    typ,
		Queue:   s.store.Name(),
		TaskID:  taskID,
		Message: msg,
	})
}

// New returns a Scheduler ready to Start against store, using prov to
// spawn worker processes and cache to persist and read dependency
// results.
func New(store *queuestore.Store, cache *resultcache.Cache, prov provider.Provider, maxWorkers int, workDir string) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Scheduler{
		store:      store,
		cache:      cache,
		prov:       prov,
		maxWorkers: maxWorkers,
		workDir:    workDir,
		logger:     log.WithQueue(store.Name()),
		inFlight:   make(map[int64]provider.JobID),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the loop to exit and blocks until it has.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Idle reports whether there is no pending, waiting, or running work left
// — the condition the manager loop waits for before exiting an
// auto-spawned queue.
func (s *Scheduler) Idle(ctx context.Context) (bool, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	running := len(s.inFlight)
	s.mu.Unlock()
	if running > 0 {
		return false, nil
	}
	for _, r := range recs {
		switch types.TaskState(r.State) {
		case types.Waiting, types.Pending, types.Running:
			return false, nil
		}
	}
	return true, nil
}

// Running reports how many tasks currently have a provider job in flight.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		}
	}
}

// tick runs one scheduling cycle: reap completed jobs, promote
// newly-ready tasks, then fill any free worker slots.
func (s *Scheduler) tick(ctx context.Context) error {
	qstate, err := s.store.QueueState(ctx)
	if err != nil {
		return err
	}
	s.notifyQueueStateChange(qstate)

	s.reapCompleted(ctx)
	metrics.InFlightWorkers.WithLabelValues(s.store.Name()).Set(float64(s.Running()))

	if qstate == types.QueuePaused {
		return nil
	}

	promoteTimer := metrics.NewTimer()
	promoted, err := s.store.PromoteReady(ctx)
	if err != nil {
		return fmt.Errorf("promote ready tasks: %w", err)
	}
	promoteTimer.ObserveDuration(metrics.PromoteReadyDuration)
	for _, id := range promoted {
		s.publish(events.EventTaskPromoted, id, "dependencies satisfied")
	}

	return s.fillSlots(ctx)
}

// notifyQueueStateChange publishes queue.paused/queue.resumed the first
// tick after an operator flips the queue's state out from under a running
// manager — the scheduler is the only component that polls QueueState every
// cycle, so it's the natural place to detect the edge.
func (s *Scheduler) notifyQueueStateChange(qstate types.QueueState) {
	if s.haveQState && qstate != s.lastQState {
		switch qstate {
		case types.QueuePaused:
			s.publish(events.EventQueuePaused, 0, "")
		case types.QueueActive:
			s.publish(events.EventQueueResumed, 0, "")
		}
	}
	s.lastQState = qstate
	s.haveQState = true
}

func (s *Scheduler) reapCompleted(ctx context.Context) {
	s.mu.Lock()
	tasks := make(map[int64]provider.JobID, len(s.inFlight))
	for id, job := range s.inFlight {
		tasks[id] = job
	}
	s.mu.Unlock()

	for taskID, job := range tasks {
		status, err := s.prov.Poll(ctx, job)
		if err != nil {
			s.logger.Warn().Int64("task_id", taskID).Err(err).Msg("poll failed")
			continue
		}
		if !status.Done {
			continue
		}

		s.finalize(ctx, taskID, status)

		s.mu.Lock()
		delete(s.inFlight, taskID)
		s.mu.Unlock()
	}
}

func (s *Scheduler) finalize(ctx context.Context, taskID int64, status provider.Status) {
	rec, err := s.store.Get(ctx, s.store.Name(), taskID)
	if err != nil {
		s.logger.Error().Int64("task_id", taskID).Err(err).Msg("finalize: load record")
		return
	}

	if status.Errno != types.ErrnoOK {
		err := s.store.Transition(ctx, taskID, types.Running, func(r *types.TaskRecord) {
			r.State = types.Failed
			r.Errno = status.Errno
			r.Err = []byte(status.Err)
			r.Out = []byte(truncate(status.Out))
			r.FinishedAt = time.Now().UTC()
		})
		if err != nil && err != queuestore.ErrCASConflict {
			s.logger.Error().Int64("task_id", taskID).Err(err).Msg("finalize: transition to FAILED")
			return
		}
		metrics.TasksFinalizedTotal.WithLabelValues(s.store.Name(), string(types.Failed)).Inc()
		s.publish(events.EventTaskFailed, taskID, status.Err)
		return
	}

	if s.cache.Has(rec.Fingerprint) {
		metrics.CacheHitsTotal.Inc()
	} else {
		metrics.CacheMissesTotal.Inc()
		if err := s.cache.Put(rec.Fingerprint, status.ResultRaw); err != nil {
			s.logger.Error().Int64("task_id", taskID).Err(err).Msg("finalize: cache put")
		}
	}

	err = s.store.Transition(ctx, taskID, types.Running, func(r *types.TaskRecord) {
		r.State = types.Succeeded
		r.Out = []byte(truncate(status.Out))
		r.ResultRef = rec.Fingerprint
		r.FinishedAt = time.Now().UTC()
	})
	if err != nil && err != queuestore.ErrCASConflict {
		s.logger.Error().Int64("task_id", taskID).Err(err).Msg("finalize: transition to SUCCEEDED")
		return
	}
	metrics.TasksFinalizedTotal.WithLabelValues(s.store.Name(), string(types.Succeeded)).Inc()
	s.publish(events.EventTaskSucceeded, taskID, "")
}

func truncate(s string) string {
	if len(s) > types.MaxCapturedStream {
		return s[:types.MaxCapturedStream]
	}
	return s
}

func (s *Scheduler) fillSlots(ctx context.Context) error {
	s.mu.Lock()
	free := s.maxWorkers - len(s.inFlight)
	s.mu.Unlock()
	if free <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < free; i++ {
		g.Go(func() error {
			rec, err := s.store.NextPending(gctx)
			if err != nil {
				return err
			}
			if rec == nil {
				return nil
			}
			return s.dispatch(gctx, rec)
		})
	}
	return g.Wait()
}

// dispatch substitutes resolved dependency results into rec's argument
// templates and hands the materialized task to the provider.
func (s *Scheduler) dispatch(ctx context.Context, rec *types.TaskRecord) error {
	dispatchTimer := metrics.NewTimer()
	metrics.SchedulingLatency.Observe(time.Since(rec.CreatedAt).Seconds())

	argsBlob, err := s.materialize(ctx, rec.ArgsBlob)
	if err != nil {
		return s.failLaunch(ctx, rec.ID, err)
	}
	kwargsBlob, err := s.materialize(ctx, rec.KwargsBlob)
	if err != nil {
		return s.failLaunch(ctx, rec.ID, err)
	}

	jobID, err := s.prov.Spawn(ctx, provider.JobSpec{
		TaskID:     rec.ID,
		Kind:       string(rec.Kind),
		AppName:    rec.AppName,
		CodeBlob:   rec.CodeBlob,
		ArgsBlob:   argsBlob,
		KwargsBlob: kwargsBlob,
		WorkDir:    s.workDir,
	})
	if err != nil {
		return s.failLaunch(ctx, rec.ID, err)
	}

	if err := s.store.Transition(ctx, rec.ID, types.Running, func(r *types.TaskRecord) {
		r.JobID = string(jobID)
	}); err != nil {
		s.logger.Warn().Int64("task_id", rec.ID).Err(err).Msg("record job id")
	}

	s.mu.Lock()
	s.inFlight[rec.ID] = jobID
	s.mu.Unlock()

	dispatchTimer.ObserveDurationVec(metrics.TaskDispatchDuration, s.store.Name())
	metrics.TasksDispatchedTotal.WithLabelValues(s.store.Name()).Inc()
	s.publish(events.EventTaskDispatched, rec.ID, string(jobID))
	s.logger.Info().Int64("task_id", rec.ID).Str("job_id", string(jobID)).Msg("dispatched task")
	return nil
}

func (s *Scheduler) failLaunch(ctx context.Context, taskID int64, cause error) error {
	err := s.store.Transition(ctx, taskID, types.Running, func(r *types.TaskRecord) {
		r.State = types.Failed
		r.Errno = types.ErrnoProviderLaunch
		r.Err = []byte(cause.Error())
		r.FinishedAt = time.Now().UTC()
	})
	if err != nil && err != queuestore.ErrCASConflict {
		return err
	}
	s.logger.Warn().Int64("task_id", taskID).Err(cause).Msg("task failed to launch")
	s.publish(events.EventTaskFailed, taskID, cause.Error())
	return nil
}

// materialize resolves an ArgNode-template blob into concrete JSON bytes
// ready for the provider, fetching every referenced dependency's cached
// result first.
func (s *Scheduler) materialize(ctx context.Context, blob []byte) ([]byte, error) {
	node, err := resolver.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("decode argument template: %w", err)
	}

	needed := resolver.CollectFutureIDs(node)
	resolved := make(map[int64]interface{}, len(needed))
	for _, depID := range needed {
		depRec, err := s.store.Get(ctx, s.store.Name(), depID)
		if err != nil {
			return nil, fmt.Errorf("load dependency %d: %w", depID, err)
		}
		payload, err := s.cache.Get(depRec.ResultRef)
		if err != nil {
			return nil, fmt.Errorf("load cached result for dependency %d: %w", depID, err)
		}
		var v interface{}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode cached result for dependency %d: %w", depID, err)
		}
		resolved[depID] = v
	}

	v, err := resolver.Substitute(node, resolved)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
