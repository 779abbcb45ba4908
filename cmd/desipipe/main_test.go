package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/cuemby/desipipe/pkg/queuestore"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout runs fn with os.Stdout replaced by a pipe and returns
// whatever it wrote. cobra's table-printing commands go through
// fmt.Printf directly rather than cmd.OutOrStdout(), mirroring the
// teacher's own table-printing style, so tests intercept the real
// file descriptor instead of a cobra writer.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func newCmdWithFlags(cmd *cobra.Command, baseDir string, flags map[string]string) *cobra.Command {
	cmd.SetContext(context.Background())
	cmd.Flags().Set("base-dir", baseDir)
	for k, v := range flags {
		cmd.Flags().Set(k, v)
	}
	return cmd
}

func withBaseDirFlag(cmd *cobra.Command) *cobra.Command {
	if cmd.Flags().Lookup("base-dir") == nil {
		cmd.Flags().String("base-dir", "", "")
	}
	return cmd
}

func TestPauseThenResumeRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := queuestore.Open(dir, "demo")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	pause := withBaseDirFlag(pauseCmd)
	pause.Flags().Set("queue", "demo")
	out := captureStdout(t, func() {
		require.NoError(t, newCmdWithFlags(pause, dir, nil).RunE(pause, nil))
	})
	assert.Contains(t, out, "paused")

	store, err = queuestore.Open(dir, "demo")
	require.NoError(t, err)
	state, err := store.QueueState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.QueuePaused, state)
	require.NoError(t, store.Close())

	resume := withBaseDirFlag(resumeCmd)
	resume.Flags().Set("queue", "demo")
	resume.Flags().Set("spawn", "false")
	out = captureStdout(t, func() {
		require.NoError(t, newCmdWithFlags(resume, dir, nil).RunE(resume, nil))
	})
	assert.Contains(t, out, "resumed")

	store, err = queuestore.Open(dir, "demo")
	require.NoError(t, err)
	state, err = store.QueueState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.QueueActive, state)
	require.NoError(t, store.Close())
}

func TestQueuesListsCountsByState(t *testing.T) {
	dir := t.TempDir()
	store, err := queuestore.Open(dir, "alpha")
	require.NoError(t, err)
	_, err = store.Append(context.Background(), &types.TaskRecord{State: types.Pending})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), &types.TaskRecord{State: types.Succeeded})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	list := withBaseDirFlag(queuesCmd)
	list.Flags().Set("queue", "*")
	out := captureStdout(t, func() {
		require.NoError(t, newCmdWithFlags(list, dir, nil).RunE(list, nil))
	})
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "ACTIVE")
}

func TestTasksFiltersByState(t *testing.T) {
	dir := t.TempDir()
	store, err := queuestore.Open(dir, "beta")
	require.NoError(t, err)
	_, err = store.Append(context.Background(), &types.TaskRecord{AppName: "sum", State: types.Pending})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), &types.TaskRecord{AppName: "done", State: types.Succeeded})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	list := withBaseDirFlag(tasksCmd)
	list.Flags().Set("queue", "beta")
	list.Flags().Set("state", "SUCCEEDED")
	out := captureStdout(t, func() {
		require.NoError(t, newCmdWithFlags(list, dir, nil).RunE(list, nil))
	})
	assert.Contains(t, out, "done")
	assert.NotContains(t, out, "sum")
}

// TestTasksCmdWorksAlongsideAnotherOpenReader exercises the scenario the
// read-only open path exists for: `tasksCmd` calls
// queuestore.OpenReadOnly, which must succeed even while another handle
// (standing in for a second inspection CLI, or a long-lived query a
// manager-adjacent process holds open) is already reading the same file.
func TestTasksCmdWorksAlongsideAnotherOpenReader(t *testing.T) {
	dir := t.TempDir()
	store, err := queuestore.Open(dir, "zeta")
	require.NoError(t, err)
	_, err = store.Append(context.Background(), &types.TaskRecord{AppName: "concurrent", State: types.Pending})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reader, err := queuestore.OpenReadOnly(dir, "zeta")
	require.NoError(t, err)
	defer reader.Close()

	list := withBaseDirFlag(tasksCmd)
	list.Flags().Set("queue", "zeta")
	out := captureStdout(t, func() {
		require.NoError(t, newCmdWithFlags(list, dir, nil).RunE(list, nil))
	})
	assert.Contains(t, out, "concurrent")
}

func TestRetryCmdRequeuesFailedTasks(t *testing.T) {
	dir := t.TempDir()
	store, err := queuestore.Open(dir, "gamma")
	require.NoError(t, err)
	_, err = store.Append(context.Background(), &types.TaskRecord{State: types.Failed, Errno: 1})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	retry := withBaseDirFlag(retryCmd)
	retry.Flags().Set("queue", "gamma")
	retry.Flags().Set("state", "FAILED")
	retry.Flags().Set("force", "false")
	out := captureStdout(t, func() {
		require.NoError(t, newCmdWithFlags(retry, dir, nil).RunE(retry, nil))
	})
	assert.Contains(t, out, "retried 1 task")
}

func TestDeletePreviewDoesNotRemoveFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := queuestore.Open(dir, "delta")
	require.NoError(t, err)
	path := store.Path()
	require.NoError(t, store.Close())

	del := withBaseDirFlag(deleteCmd)
	del.Flags().Set("queue", "delta")
	del.Flags().Set("force", "false")
	out := captureStdout(t, func() {
		require.NoError(t, newCmdWithFlags(del, dir, nil).RunE(del, nil))
	})
	assert.Contains(t, out, "would delete 1 queue")
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "preview must not remove the queue file")
}

func TestDeleteForceRemovesMatchingQueues(t *testing.T) {
	dir := t.TempDir()
	store, err := queuestore.Open(dir, "epsilon")
	require.NoError(t, err)
	path := store.Path()
	require.NoError(t, store.Close())

	del := withBaseDirFlag(deleteCmd)
	del.Flags().Set("queue", "epsilon")
	del.Flags().Set("force", "true")
	out := captureStdout(t, func() {
		require.NoError(t, newCmdWithFlags(del, dir, nil).RunE(del, nil))
	})
	assert.Contains(t, out, "deleted queue")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
