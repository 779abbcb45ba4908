// Package fingerprint computes the content-addressed key a Task Record is
// cached under (spec.md §4.2): a deterministic digest of the callable's
// identity, its resolved arguments, and its dependencies' fingerprints.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Identity is either a callable's normalized source (CodeBlob) or, when the
// task is "named" for cache aliasing, a bare app name. Exactly one of
// CodeBlob or Name is populated; Named reports which.
type Identity struct {
	Named    bool
	Name     string
	CodeBlob []byte
}

// Compute implements spec.md §4.2's four-step algorithm:
//  1. identity: app_name if named, else the normalized code_blob
//  2. canonical args+kwargs, with embedded futures already substituted by
//     their referent's fingerprint (done by the caller before this call —
//     see pkg/resolver)
//  3. ordered dependency fingerprints
//  4. SHA-256 over the concatenation, hex-encoded
func Compute(id Identity, argsBlob, kwargsBlob []byte, depFingerprints []string) string {
	h := sha256.New()

	if id.Named {
		h.Write([]byte("name:"))
		h.Write([]byte(id.Name))
	} else {
		h.Write([]byte("code:"))
		h.Write(id.CodeBlob)
	}

	h.Write([]byte{0})
	h.Write(canonicalize(argsBlob))
	h.Write([]byte{0})
	h.Write(canonicalize(kwargsBlob))

	h.Write([]byte{0})
	for _, df := range depFingerprints {
		h.Write([]byte(df))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize re-marshals a JSON blob through a generic interface{} so
// that map keys are sorted before hashing, giving the same fingerprint for
// semantically identical argument trees serialized in different field
// orders. Non-JSON or empty input is hashed as-is.
func canonicalize(blob []byte) []byte {
	if len(blob) == 0 {
		return blob
	}
	var v interface{}
	if err := json.Unmarshal(blob, &v); err != nil {
		return blob
	}
	out, err := json.Marshal(sortedCopy(v))
	if err != nil {
		return blob
	}
	return out
}

// sortedCopy recursively copies the map[string]interface{} and
// []interface{} nodes of a decoded JSON value, inserting map keys in
// sorted order; any other value is returned unchanged. encoding/json
// already sorts map[string] keys on Marshal, so the copy does not change
// the output.
func sortedCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			out[k] = sortedCopy(t[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return v
	}
}
