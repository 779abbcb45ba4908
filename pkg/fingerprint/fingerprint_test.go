package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStableUnderKeyReordering(t *testing.T) {
	id := Identity{CodeBlob: []byte("def f(x): return x + 1\n")}

	a := Compute(id, []byte(`{"a":1,"b":2}`), []byte(`{}`), nil)
	b := Compute(id, []byte(`{"b":2,"a":1}`), []byte(`{}`), nil)

	assert.Equal(t, a, b, "argument field order must not change the fingerprint")
}

func TestComputeChangesWithCodeBlob(t *testing.T) {
	args := []byte(`{"seed":1}`)

	a := Compute(Identity{CodeBlob: []byte("def f(): return 1.0\n")}, args, nil, nil)
	b := Compute(Identity{CodeBlob: []byte("def f(): return 1.0  # note\n")}, args, nil, nil)

	assert.NotEqual(t, a, b, "a comment edit must invalidate the fingerprint")
}

func TestComputeNamedIgnoresCodeBlob(t *testing.T) {
	args := []byte(`{"seed":1}`)

	a := Compute(Identity{Named: true, Name: "fraction"}, args, nil, nil)
	b := Compute(Identity{Named: true, Name: "fraction", CodeBlob: []byte("anything")}, args, nil, nil)

	require.Equal(t, a, b, "named identity must ignore CodeBlob entirely")
}

func TestComputeIncludesDependencyOrder(t *testing.T) {
	id := Identity{CodeBlob: []byte("def g(a,b): return a+b\n")}
	args := []byte(`{}`)

	a := Compute(id, args, nil, []string{"dep1", "dep2"})
	b := Compute(id, args, nil, []string{"dep2", "dep1"})

	assert.NotEqual(t, a, b, "dependency order participates in the fingerprint")
}
