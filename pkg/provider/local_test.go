package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorkerScript returns a shell script path standing in for
// cmd/desipipe-worker: it reads its --result flag and writes a canned
// success result, letting the tests exercise Spawn/Poll without building
// the real worker binary.
func fakeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestLocalProcessProviderSpawnAndPollSuccess(t *testing.T) {
	script := fakeWorkerScript(t, `
while [ "$1" != "--result" ]; do shift; done
shift
echo '{"errno":0,"out":"hi","err":"","result_raw":[49]}' > "$1"
`)
	p := NewLocalProcessProvider(script)
	ctx := context.Background()

	id, err := p.Spawn(ctx, JobSpec{TaskID: 1, WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := p.Poll(ctx, id)
		return err == nil && s.Done
	}, 2*time.Second, 10*time.Millisecond)

	status, err := p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Errno)
	assert.Equal(t, "hi", status.Out)
}

func TestLocalProcessProviderPollNonBlockingBeforeCompletion(t *testing.T) {
	script := fakeWorkerScript(t, "sleep 0.3\n")
	p := NewLocalProcessProvider(script)
	ctx := context.Background()

	id, err := p.Spawn(ctx, JobSpec{TaskID: 2, WorkDir: t.TempDir()})
	require.NoError(t, err)

	status, err := p.Poll(ctx, id)
	require.NoError(t, err)
	assert.False(t, status.Done)
}

func TestLocalProcessProviderMissingResultFileIsReportedAsError(t *testing.T) {
	script := fakeWorkerScript(t, "exit 0\n")
	p := NewLocalProcessProvider(script)
	ctx := context.Background()

	id, err := p.Spawn(ctx, JobSpec{TaskID: 3, WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := p.Poll(ctx, id)
		return s.Done
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := p.Poll(ctx, id)
	assert.NotEqual(t, 0, status.Errno)
}

func TestLocalProcessProviderKillTerminatesRunningJob(t *testing.T) {
	script := fakeWorkerScript(t, "sleep 5\n")
	p := NewLocalProcessProvider(script)
	ctx := context.Background()

	id, err := p.Spawn(ctx, JobSpec{TaskID: 4, WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, p.Kill(ctx, id))

	require.Eventually(t, func() bool {
		s, _ := p.Poll(ctx, id)
		return s.Done
	}, 2*time.Second, 10*time.Millisecond)
}
