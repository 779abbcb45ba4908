package catalog

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
description: calibration constants per detector and run
id: calib
filetype: hdf5
path: /data/calib/det{detector}/run{run:04d}.h5
author: ops
options:
  detector: [a, b, c]
  run: range(1, 4)
---
description: raw waveform capture
id: waveform
filetype: raw
path: /data/raw/${DATA_ROOT}/wave_{channel}.bin
options:
  channel: [0, 1]
`

func TestLoadParsesMultipleEntries(t *testing.T) {
	cat, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, cat.Entries, 2)

	e, ok := cat.Get("calib")
	require.True(t, ok)
	assert.Equal(t, "hdf5", e.FileType)
	assert.Equal(t, "ops", e.Author)
}

func TestFindMatchesByKeyword(t *testing.T) {
	cat, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	found := cat.Find("waveform")
	require.Len(t, found, 1)
	assert.Equal(t, "waveform", found[0].ID)
}

func TestExpandProducesCartesianProduct(t *testing.T) {
	cat, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	e, ok := cat.Get("calib")
	require.True(t, ok)

	paths, err := e.Expand(nil)
	require.NoError(t, err)
	assert.Len(t, paths, 9) // 3 detectors x 3 runs

	sort.Strings(paths)
	assert.Contains(t, paths, "/data/calib/deta/run0001.h5")
	assert.Contains(t, paths, "/data/calib/detc/run0003.h5")
}

func TestExpandHonorsFilters(t *testing.T) {
	cat, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	e, ok := cat.Get("calib")
	require.True(t, ok)

	paths, err := e.Expand(map[string][]string{"detector": {"b"}})
	require.NoError(t, err)
	assert.Len(t, paths, 3)
	for _, p := range paths {
		assert.Contains(t, p, "detb")
	}
}

func TestFormatPathExpandsEnvironment(t *testing.T) {
	t.Setenv("DATA_ROOT", "site1")

	cat, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	e, ok := cat.Get("waveform")
	require.True(t, ok)

	paths, err := e.Expand(nil)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, p := range paths {
		assert.Contains(t, p, "/data/raw/site1/wave_")
	}
}
