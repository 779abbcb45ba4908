package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFuture struct{ id int64 }

func (f fakeFuture) TaskID() int64 { return f.id }

func TestLiftScalarTree(t *testing.T) {
	node, deps, err := Lift(map[string]interface{}{
		"n": float64(3),
		"items": []interface{}{"a", "b"},
	})
	require.NoError(t, err)
	assert.Empty(t, deps)
	assert.Equal(t, KindMap, node.Kind)
	assert.Equal(t, KindList, node.Map["items"].Kind)
}

func TestLiftCollectsFutureDeps(t *testing.T) {
	v := map[string]interface{}{
		"a": fakeFuture{id: 7},
		"b": []interface{}{fakeFuture{id: 9}, fakeFuture{id: 7}},
	}
	node, deps, err := Lift(v)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 9}, deps, "deps are ordered by first sight and deduplicated")
	assert.Equal(t, KindFuture, node.Map["a"].Kind)
	assert.Equal(t, int64(7), node.Map["a"].FutureTaskID)
}

func TestSubstituteReplacesFutureNodes(t *testing.T) {
	node, _, err := Lift(map[string]interface{}{
		"x": fakeFuture{id: 1},
		"y": "literal",
	})
	require.NoError(t, err)

	out, err := Substitute(node, map[int64]interface{}{1: 42.0})
	require.NoError(t, err)

	m := out.(map[string]interface{})
	assert.Equal(t, 42.0, m["x"])
	assert.Equal(t, "literal", m["y"])
}

func TestSubstituteMissingDepErrors(t *testing.T) {
	node := ArgNode{Kind: KindFuture, FutureTaskID: 5}
	_, err := Substitute(node, map[int64]interface{}{})
	assert.Error(t, err)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	node, _, err := Lift(map[string]interface{}{"a": fakeFuture{id: 3}, "b": 1.0})
	require.NoError(t, err)

	blob, err := Marshal(node)
	require.NoError(t, err)

	got, err := Unmarshal(blob)
	require.NoError(t, err)
	assert.Equal(t, node.Map["a"].FutureTaskID, got.Map["a"].FutureTaskID)
}

func TestUnmarshalEmptyBlob(t *testing.T) {
	node, err := Unmarshal(nil)
	require.NoError(t, err)
	assert.Equal(t, KindMap, node.Kind)
	assert.Empty(t, node.Map)
}

func TestDetectCycleNoCycle(t *testing.T) {
	graph := map[int64][]int64{
		1: {},
		2: {1},
		3: {2},
	}
	err := DetectCycle([]int64{3}, func(id int64) ([]int64, error) {
		return graph[id], nil
	})
	assert.NoError(t, err)
}

func TestCollectFutureIDsDeduplicatesAcrossTree(t *testing.T) {
	node, _, err := Lift(map[string]interface{}{
		"a": fakeFuture{id: 1},
		"b": []interface{}{fakeFuture{id: 2}, fakeFuture{id: 1}},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{1, 2}, CollectFutureIDs(node))
}

func TestDetectCycleFindsCycle(t *testing.T) {
	graph := map[int64][]int64{
		1: {2},
		2: {1},
	}
	err := DetectCycle([]int64{1}, func(id int64) ([]int64, error) {
		return graph[id], nil
	})
	assert.Error(t, err)
}
