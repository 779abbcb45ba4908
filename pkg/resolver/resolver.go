// Package resolver implements the Dependency Resolver (spec.md §4.5): it
// walks a task's argument tree looking for embedded futures, replaces each
// with a placeholder, and later substitutes the dependency's resolved
// value back in at dispatch time.
//
// Per DESIGN NOTES' re-architecture guidance, arguments are represented as
// a tagged-variant ArgNode rather than rewritten via runtime reflection
// over the original call: {scalar, list, map, future-ref}.
package resolver

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates an ArgNode's shape.
type Kind string

const (
	KindScalar Kind = "scalar"
	KindList   Kind = "list"
	KindMap    Kind = "map"
	KindFuture Kind = "future"
)

// ArgNode is one node of an argument tree. Exactly the field matching Kind
// is populated.
type ArgNode struct {
	Kind Kind `json:"kind"`

	Scalar interface{} `json:"scalar,omitempty"`
	List   []ArgNode   `json:"list,omitempty"`
	Map    map[string]ArgNode `json:"map,omitempty"`

	// FutureTaskID is the id of the task this node substitutes for at
	// dispatch time.
	FutureTaskID int64 `json:"future_task_id,omitempty"`
}

// FutureLike is implemented by pkg/future.Future. Kept as a narrow
// interface here so pkg/resolver has no import-time dependency on
// pkg/future.
type FutureLike interface {
	TaskID() int64
}

// Lift walks an arbitrary Go value — the decoded shape of a JSON argument,
// i.e. produced by encoding/json into map[string]interface{}, []interface{},
// and scalars — and a raw value tree containing FutureLike leaves, and
// produces an ArgNode tree plus the ordered, deduplicated list of
// dependency task ids it found.
func Lift(v interface{}) (ArgNode, []int64, error) {
	var depIDs []int64
	seen := make(map[int64]bool)
	node, err := lift(v, &depIDs, seen)
	return node, depIDs, err
}

func lift(v interface{}, depIDs *[]int64, seen map[int64]bool) (ArgNode, error) {
	switch t := v.(type) {
	case nil:
		return ArgNode{Kind: KindScalar, Scalar: nil}, nil
	case FutureLike:
		id := t.TaskID()
		if !seen[id] {
			seen[id] = true
			*depIDs = append(*depIDs, id)
		}
		return ArgNode{Kind: KindFuture, FutureTaskID: id}, nil
	case []interface{}:
		items := make([]ArgNode, len(t))
		for i, e := range t {
			n, err := lift(e, depIDs, seen)
			if err != nil {
				return ArgNode{}, err
			}
			items[i] = n
		}
		return ArgNode{Kind: KindList, List: items}, nil
	case map[string]interface{}:
		fields := make(map[string]ArgNode, len(t))
		for k, e := range t {
			n, err := lift(e, depIDs, seen)
			if err != nil {
				return ArgNode{}, err
			}
			fields[k] = n
		}
		return ArgNode{Kind: KindMap, Map: fields}, nil
	default:
		return ArgNode{Kind: KindScalar, Scalar: v}, nil
	}
}

// Substitute rebuilds the concrete value tree, replacing each future node
// with the already-deserialized result of its dependency. resolved must
// contain every FutureTaskID the tree references; a missing entry is a
// caller bug (the scheduler only dispatches once every dep is SUCCEEDED).
func Substitute(node ArgNode, resolved map[int64]interface{}) (interface{}, error) {
	switch node.Kind {
	case KindScalar:
		return node.Scalar, nil
	case KindFuture:
		v, ok := resolved[node.FutureTaskID]
		if !ok {
			return nil, fmt.Errorf("resolver: no resolved value for task %d", node.FutureTaskID)
		}
		return v, nil
	case KindList:
		out := make([]interface{}, len(node.List))
		for i, n := range node.List {
			v, err := Substitute(n, resolved)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case KindMap:
		out := make(map[string]interface{}, len(node.Map))
		for k, n := range node.Map {
			v, err := Substitute(n, resolved)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("resolver: unknown node kind %q", node.Kind)
	}
}

// CollectFutureIDs returns every FutureTaskID referenced anywhere in node,
// deduplicated. The scheduler uses this at dispatch time to know which
// dependency results it must load before calling Substitute.
func CollectFutureIDs(node ArgNode) []int64 {
	var ids []int64
	seen := make(map[int64]bool)
	var walk func(n ArgNode)
	walk = func(n ArgNode) {
		switch n.Kind {
		case KindFuture:
			if !seen[n.FutureTaskID] {
				seen[n.FutureTaskID] = true
				ids = append(ids, n.FutureTaskID)
			}
		case KindList:
			for _, c := range n.List {
				walk(c)
			}
		case KindMap:
			for _, c := range n.Map {
				walk(c)
			}
		}
	}
	walk(node)
	return ids
}

// Marshal/Unmarshal let the scheduler and task manager persist an ArgNode
// tree as a TaskRecord's ArgsBlob/KwargsBlob.
func Marshal(node ArgNode) ([]byte, error) { return json.Marshal(node) }

func Unmarshal(blob []byte) (ArgNode, error) {
	if len(blob) == 0 {
		return ArgNode{Kind: KindMap, Map: map[string]ArgNode{}}, nil
	}
	var node ArgNode
	if err := json.Unmarshal(blob, &node); err != nil {
		return ArgNode{}, err
	}
	return node, nil
}

// DetectCycle walks the transitive dependency closure of newDepIDs using
// depsOf (typically backed by the queue store) and reports an error if it
// ever revisits a node already on the current path — a defensive check
// satisfying spec.md §4.4's "circular dependencies are rejected at
// enqueue" even though, by construction, a future can only reference a
// task id that was already appended, making a true cycle unreachable
// through normal use.
func DetectCycle(newDepIDs []int64, depsOf func(id int64) ([]int64, error)) error {
	visiting := make(map[int64]bool)
	var walk func(id int64) error
	walk = func(id int64) error {
		if visiting[id] {
			return fmt.Errorf("resolver: cyclic dependency detected at task %d", id)
		}
		visiting[id] = true
		defer delete(visiting, id)

		deps, err := depsOf(id)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if err := walk(d); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range newDepIDs {
		if err := walk(id); err != nil {
			return err
		}
	}
	return nil
}
