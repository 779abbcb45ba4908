package main

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/desipipe/pkg/taskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBashAppCapturesStdout(t *testing.T) {
	argv, err := json.Marshal([]string{"echo", "-n", "pi ~ 3.1421"})
	require.NoError(t, err)

	result := runBashApp(specFile{ArgsBlob: argv})
	assert.Equal(t, 0, result.Errno)
	assert.Equal(t, "pi ~ 3.1421", result.Out)

	var payload string
	require.NoError(t, json.Unmarshal(result.ResultRaw, &payload))
	assert.Equal(t, "pi ~ 3.1421", payload)
}

func TestRunBashAppNonZeroExit(t *testing.T) {
	argv, err := json.Marshal([]string{"sh", "-c", "exit 7"})
	require.NoError(t, err)

	result := runBashApp(specFile{ArgsBlob: argv})
	assert.Equal(t, 7, result.Errno)
	assert.NotEmpty(t, result.Err)
}

func TestRunPythonAppInvokesRegisteredHandler(t *testing.T) {
	taskmanager.RegisterHandler("worker_test.double", func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		return args[0].(float64) * 2, nil
	})

	argsBlob, err := json.Marshal([]interface{}{21.0})
	require.NoError(t, err)

	result := runPythonApp(specFile{AppName: "worker_test.double", ArgsBlob: argsBlob})
	assert.Equal(t, 0, result.Errno)

	var out float64
	require.NoError(t, json.Unmarshal(result.ResultRaw, &out))
	assert.Equal(t, 42.0, out)
}

func TestRunPythonAppUnknownHandler(t *testing.T) {
	result := runPythonApp(specFile{AppName: "does.not.exist"})
	assert.NotEqual(t, 0, result.Errno)
	assert.Contains(t, result.Err, "no handler registered")
}

func TestRunPythonAppRecoversFromPanic(t *testing.T) {
	taskmanager.RegisterHandler("worker_test.panics", func(args []interface{}, _ map[string]interface{}) (interface{}, error) {
		panic("boom")
	})

	result := runPythonApp(specFile{AppName: "worker_test.panics"})
	assert.Equal(t, 1, result.Errno)
	assert.Contains(t, result.Err, "boom")
}
