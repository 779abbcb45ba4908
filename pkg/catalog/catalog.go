// Package catalog reads the file-catalog YAML format described in
// spec.md §6: a stream of entries, each describing a family of files
// through a path template and a set of named options, so a task can ask
// for "the calibration file for detector 3, run 17" instead of hardcoding
// a path.
//
// The catalog is a read-only wire-format consumer — it has no storage
// backend of its own, matching spec.md §6's "external collaborator,
// specified only as consumed by user tasks."
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one family of files sharing a path template.
type Entry struct {
	Description string             `yaml:"description"`
	ID          string             `yaml:"id"`
	FileType    string             `yaml:"filetype"`
	Path        string             `yaml:"path"`
	Author      string             `yaml:"author,omitempty"`
	Options     map[string]yaml.Node `yaml:"options,omitempty"`
}

// Catalog is a parsed file-catalog document.
type Catalog struct {
	Entries []Entry
}

// Load reads and parses a file-catalog YAML stream from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a file-catalog YAML document from raw bytes.
func Parse(data []byte) (*Catalog, error) {
	var entries []Entry
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("catalog: decode entry: %w", err)
		}
		if e.ID == "" && e.Path == "" {
			continue
		}
		entries = append(entries, e)
	}
	return &Catalog{Entries: entries}, nil
}

// Find returns entries whose description or id contains keyword
// (case-insensitive substring match).
func (c *Catalog) Find(keyword string) []Entry {
	keyword = strings.ToLower(keyword)
	var out []Entry
	for _, e := range c.Entries {
		if strings.Contains(strings.ToLower(e.Description), keyword) ||
			strings.Contains(strings.ToLower(e.ID), keyword) {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the entry with the given id.
func (c *Catalog) Get(id string) (Entry, bool) {
	for _, e := range c.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Expand produces every path the entry's options describe, formatted
// through its path template. An option value may be a scalar, a list of
// scalars, or a "range(start,stop[,step])" specifier; Expand takes the
// Cartesian product across all option fields. filters, if non-empty,
// restricts each field to the given allowed values (as strings) before
// the product is taken.
func (e Entry) Expand(filters map[string][]string) ([]string, error) {
	fields := make([]string, 0, len(e.Options))
	values := make([][]string, 0, len(e.Options))

	for name, node := range e.Options {
		vals, err := decodeOptionValues(node)
		if err != nil {
			return nil, fmt.Errorf("catalog: option %q: %w", name, err)
		}
		if allowed, ok := filters[name]; ok {
			vals = intersect(vals, allowed)
		}
		fields = append(fields, name)
		values = append(values, vals)
	}

	var paths []string
	var walk func(i int, chosen map[string]string)
	walk = func(i int, chosen map[string]string) {
		if i == len(fields) {
			paths = append(paths, formatPath(e.Path, chosen))
			return
		}
		for _, v := range values[i] {
			chosen[fields[i]] = v
			walk(i+1, chosen)
		}
	}
	walk(0, map[string]string{})
	return paths, nil
}

func intersect(vals, allowed []string) []string {
	allow := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allow[a] = true
	}
	var out []string
	for _, v := range vals {
		if allow[v] {
			out = append(out, v)
		}
	}
	return out
}

// decodeOptionValues turns one options-map value — a YAML scalar, a
// sequence, or a "range(start,stop[,step])" string — into its list of
// string representations.
func decodeOptionValues(node yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, c := range node.Content {
			out = append(out, c.Value)
		}
		return out, nil
	case yaml.ScalarNode:
		if strings.HasPrefix(node.Value, "range(") && strings.HasSuffix(node.Value, ")") {
			return expandRange(node.Value)
		}
		return []string{node.Value}, nil
	default:
		return nil, fmt.Errorf("unsupported option value kind %v", node.Kind)
	}
}

// expandRange parses "range(start,stop[,step])" Python-style: stop is
// exclusive, step defaults to 1.
func expandRange(spec string) ([]string, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(spec, "range("), ")")
	parts := strings.Split(inner, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid range spec %q", spec)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid range start in %q: %w", spec, err)
	}
	stop, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid range stop in %q: %w", spec, err)
	}
	step := 1
	if len(parts) == 3 {
		step, err = strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid range step in %q: %w", spec, err)
		}
	}
	if step == 0 {
		return nil, fmt.Errorf("range step must be non-zero in %q", spec)
	}

	var out []string
	if step > 0 {
		for v := start; v < stop; v += step {
			out = append(out, strconv.Itoa(v))
		}
	} else {
		for v := start; v > stop; v += step {
			out = append(out, strconv.Itoa(v))
		}
	}
	return out, nil
}

// formatPath substitutes each {name} or {name:fmt} field in template
// with its chosen value, applying fmt as a strconv/fmt-style numeric
// format directive when present (e.g. "{run:04d}" zero-pads to 4 digits).
// It then expands any ${NAME} references against the process
// environment, matching spec.md §6's "path templates ... expand ${NAME}
// from the environment at read time."
func formatPath(template string, chosen map[string]string) string {
	out := template
	for name, value := range chosen {
		out = substituteField(out, name, value)
	}
	return os.Expand(out, os.Getenv)
}

func substituteField(template, name, value string) string {
	var b strings.Builder
	for i := 0; i < len(template); {
		if template[i] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}
		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		end += i
		field := template[i+1 : end]
		fieldName, format, hasFormat := strings.Cut(field, ":")
		if fieldName != name {
			b.WriteString(template[i : end+1])
			i = end + 1
			continue
		}
		if hasFormat {
			b.WriteString(applyFormat(value, format))
		} else {
			b.WriteString(value)
		}
		i = end + 1
	}
	return b.String()
}

// applyFormat supports the zero-padded integer width directives
// ("02d", "04d", ...) that spec.md's examples rely on; a width without
// the leading 0 ("4d") zero-pads the same way. Any other format spec, or
// a non-integer value, passes the value through unchanged.
func applyFormat(value, format string) string {
	if !strings.HasSuffix(format, "d") {
		return value
	}
	widthStr := strings.TrimSuffix(format, "d")
	widthStr = strings.TrimPrefix(widthStr, "0")
	width, err := strconv.Atoi(widthStr)
	if err != nil || width <= 0 {
		return value
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return value
	}
	return fmt.Sprintf("%0*d", width, n)
}
