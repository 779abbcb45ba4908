package manager

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/desipipe/pkg/provider"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct{}

func (fakeProvider) Spawn(_ context.Context, spec provider.JobSpec) (provider.JobID, error) {
	return provider.JobID("job"), nil
}

func (fakeProvider) Poll(_ context.Context, _ provider.JobID) (provider.Status, error) {
	return provider.Status{Done: true, Errno: types.ErrnoOK, ResultRaw: []byte(`{}`)}, nil
}

func (fakeProvider) Kill(_ context.Context, _ provider.JobID) error { return nil }

func TestNewRefusesSecondManagerOnSameQueue(t *testing.T) {
	dir := t.TempDir()

	m1, err := New(Config{BaseDir: dir, Queue: "default", MaxWorkers: 1, Provider: fakeProvider{}, WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer m1.shutdown()

	_, err = New(Config{BaseDir: dir, Queue: "default", MaxWorkers: 1, Provider: fakeProvider{}, WorkDir: t.TempDir()})
	assert.Error(t, err, "a second manager on the same queue must be refused")
}

func TestRunExitsWhenQueueDrains(t *testing.T) {
	dir := t.TempDir()

	m, err := New(Config{BaseDir: dir, Queue: "default", MaxWorkers: 2, Provider: fakeProvider{}, WorkDir: t.TempDir()})
	require.NoError(t, err)

	_, err = m.store.Append(context.Background(), &types.TaskRecord{State: types.Pending, ArgsBlob: []byte("{}"), KwargsBlob: []byte("{}")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = m.Run(ctx)
	require.NoError(t, err, "Run should return nil once the queue drains, not a context deadline error")
}

func TestRunExitsOnContextCancel(t *testing.T) {
	dir := t.TempDir()

	m, err := New(Config{BaseDir: dir, Queue: "default", MaxWorkers: 1, Provider: fakeProvider{}, WorkDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = m.Run(ctx)
	assert.NoError(t, err)
}

func TestNewHealthServerServesLiveAndMetrics(t *testing.T) {
	srv := newHealthServer("127.0.0.1:0")

	live := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, live)
	assert.Equal(t, 200, w.Code)

	metricsReq := httptest.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, metricsReq)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "desipipe_")
}

func TestRunStartsAndClosesHTTPListener(t *testing.T) {
	dir := t.TempDir()

	m, err := New(Config{BaseDir: dir, Queue: "default", MaxWorkers: 1, Provider: fakeProvider{}, WorkDir: t.TempDir(), HTTPAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NotNil(t, m.httpSrv, "Config.HTTPAddr must build an http.Server")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = m.Run(ctx)
	assert.NoError(t, err, "a closed Config.HTTPAddr listener must not fail Run")
}

func TestShouldExitPausedWithNoInFlight(t *testing.T) {
	dir := t.TempDir()

	m, err := New(Config{BaseDir: dir, Queue: "default", MaxWorkers: 1, Provider: fakeProvider{}, WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer m.shutdown()

	ctx := context.Background()
	_, err = m.store.Append(ctx, &types.TaskRecord{State: types.Waiting, DepIDs: []int64{999}})
	require.NoError(t, err)
	require.NoError(t, m.store.SetQueueState(ctx, types.QueuePaused))

	exit, err := m.shouldExit(ctx)
	require.NoError(t, err)
	assert.True(t, exit, "a paused queue with nothing in-flight must exit even with stranded WAITING work")
}
