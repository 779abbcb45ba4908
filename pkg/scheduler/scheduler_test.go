package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/desipipe/pkg/provider"
	"github.com/cuemby/desipipe/pkg/queuestore"
	"github.com/cuemby/desipipe/pkg/resolver"
	"github.com/cuemby/desipipe/pkg/resultcache"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	spawned  map[int64]provider.JobID
	statuses map[provider.JobID]provider.Status
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{spawned: make(map[int64]provider.JobID), statuses: make(map[provider.JobID]provider.Status)}
}

func (p *fakeProvider) Spawn(_ context.Context, spec provider.JobSpec) (provider.JobID, error) {
	id := provider.JobID(string(rune('a' + spec.TaskID)))
	p.spawned[spec.TaskID] = id
	p.statuses[id] = provider.Status{Done: true, Errno: types.ErrnoOK, ResultRaw: spec.ArgsBlob}
	return id, nil
}

func (p *fakeProvider) Poll(_ context.Context, id provider.JobID) (provider.Status, error) {
	return p.statuses[id], nil
}

func (p *fakeProvider) Kill(_ context.Context, id provider.JobID) error { return nil }

func newTestScheduler(t *testing.T) (*Scheduler, *queuestore.Store, *resultcache.Cache, *fakeProvider) {
	t.Helper()
	dir := t.TempDir()
	store, err := queuestore.Open(dir, "default")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache, err := resultcache.Open(dir)
	require.NoError(t, err)

	prov := newFakeProvider()
	s := New(store, cache, prov, 2, t.TempDir())
	return s, store, cache, prov
}

func TestTickDispatchesPendingTask(t *testing.T) {
	s, store, _, prov := newTestScheduler(t)
	ctx := context.Background()

	node, _, err := resolver.Lift(map[string]interface{}{"n": 1.0})
	require.NoError(t, err)
	blob, err := resolver.Marshal(node)
	require.NoError(t, err)

	id, err := store.Append(ctx, &types.TaskRecord{
		State:       types.Pending,
		Fingerprint: "fp-1",
		ArgsBlob:    blob,
		KwargsBlob:  blob,
	})
	require.NoError(t, err)

	require.NoError(t, s.tick(ctx))

	_, spawned := prov.spawned[id]
	assert.True(t, spawned)

	rec, err := store.Get(ctx, "default", id)
	require.NoError(t, err)
	assert.Equal(t, types.Running, rec.State)
}

func TestTickFinalizesCompletedTaskAsSucceeded(t *testing.T) {
	s, store, cache, _ := newTestScheduler(t)
	ctx := context.Background()

	node, _, err := resolver.Lift(map[string]interface{}{})
	require.NoError(t, err)
	blob, err := resolver.Marshal(node)
	require.NoError(t, err)

	id, err := store.Append(ctx, &types.TaskRecord{
		State:       types.Pending,
		Fingerprint: "fp-2",
		ArgsBlob:    blob,
		KwargsBlob:  blob,
	})
	require.NoError(t, err)

	require.NoError(t, s.tick(ctx)) // dispatch
	require.NoError(t, s.tick(ctx)) // reap (fakeProvider reports done immediately)

	rec, err := store.Get(ctx, "default", id)
	require.NoError(t, err)
	assert.Equal(t, types.Succeeded, rec.State)
	assert.True(t, cache.Has("fp-2"))
}

func TestTickRespectsPausedQueue(t *testing.T) {
	s, store, _, prov := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, store.SetQueueState(ctx, types.QueuePaused))

	id, err := store.Append(ctx, &types.TaskRecord{State: types.Pending, ArgsBlob: []byte("{}"), KwargsBlob: []byte("{}")})
	require.NoError(t, err)

	require.NoError(t, s.tick(ctx))

	_, spawned := prov.spawned[id]
	assert.False(t, spawned, "a paused queue must not dispatch new work")
}

func TestMaterializeSubstitutesDependencyResult(t *testing.T) {
	s, store, cache, _ := newTestScheduler(t)
	ctx := context.Background()

	depID, err := store.Append(ctx, &types.TaskRecord{
		State:       types.Succeeded,
		Fingerprint: "dep-fp",
		ResultRef:   "dep-fp",
	})
	require.NoError(t, err)
	require.NoError(t, cache.Put("dep-fp", []byte(`7`)))

	node, deps, err := resolver.Lift(map[string]interface{}{"x": fakeDep{id: depID}})
	require.NoError(t, err)
	require.Equal(t, []int64{depID}, deps)

	blob, err := resolver.Marshal(node)
	require.NoError(t, err)

	out, err := s.materialize(ctx, blob)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, 7.0, decoded["x"])
}

type fakeDep struct{ id int64 }

func (d fakeDep) TaskID() int64 { return d.id }

func TestIdleReportsTrueWhenQueueEmpty(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	idle, err := s.Idle(context.Background())
	require.NoError(t, err)
	assert.True(t, idle)
}

func TestStartStopLoop(t *testing.T) {
	s, store, _, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	_, err := store.List(context.Background())
	require.NoError(t, err)
}
