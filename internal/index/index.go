// Package index implements the stream index: an in-memory inverted
// lookup from measurement properties to stream ids, held as a
// fixed-depth arena over an ordered property schema.
package index

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/model"
)

var (
	// ErrSchemaMismatch is returned when a stream is missing one of the
	// schema properties.
	ErrSchemaMismatch = errors.New("stream does not match the index schema")
	// ErrUnknownStream is returned when a stream id was never inserted.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrInvalidSelection is returned when a selection names a property
	// value that does not exist.
	ErrInvalidSelection = errors.New("invalid selection")
)

// Entry is one indexed stream: its id plus the opaque payload stored
// alongside it.
type Entry struct {
	ID      int
	Payload string
}

// Selection is one page of values for the first schema property the
// caller left unconstrained.
type Selection struct {
	// Property is the open property the items belong to. Empty when
	// every schema property was already constrained.
	Property string
	// Total counts all values matching the term, not only this page.
	Total int
	Items []model.SelectionItem
}

type edgeKey struct {
	level  int32
	parent int32
	value  interface{}
}

type node struct {
	level    int32
	value    interface{}
	children []int32
	entries  []Entry
}

// Index holds streams in a flat node table. Edges are addressed by
// (level, parent, value) and each full-depth node keeps a contiguous
// list of its stream entries, so traversal is index-based rather than
// pointer-chasing.
//
// An Index is not synchronized; callers that mutate and read
// concurrently must add their own locking.
type Index struct {
	keys    []string
	nodes   []node
	edges   map[edgeKey]int32
	records map[int][]interface{}
}

// New returns an empty Index over the given property schema. The
// schema order is the selection order.
func New(keys []string) *Index {
	return &Index{
		keys:    append([]string(nil), keys...),
		nodes:   make([]node, 1),
		edges:   map[edgeKey]int32{},
		records: map[int][]interface{}{},
	}
}

// Schema returns the ordered property names.
func (ix *Index) Schema() []string {
	return append([]string(nil), ix.keys...)
}

// Len returns the number of indexed streams.
func (ix *Index) Len() int { return len(ix.records) }

// Insert adds a stream to the index. Every schema property must be
// present. Inserting an id that is already indexed is a no-op.
func (ix *Index) Insert(id int, properties map[string]interface{}, payload string) error {
	if _, ok := ix.records[id]; ok {
		return nil
	}

	values := make([]interface{}, len(ix.keys))
	for i, k := range ix.keys {
		v, ok := properties[k]
		if !ok {
			return errors.Wrapf(ErrSchemaMismatch, "stream %d is missing property %q", id, k)
		}
		values[i] = normalize(v)
	}

	cur := int32(0)
	for i, v := range values {
		key := edgeKey{level: int32(i), parent: cur, value: v}
		next, ok := ix.edges[key]
		if !ok {
			next = int32(len(ix.nodes))
			ix.nodes = append(ix.nodes, node{level: int32(i + 1), value: v})
			ix.edges[key] = next
			ix.nodes[cur].children = append(ix.nodes[cur].children, next)
		}
		cur = next
	}

	ix.nodes[cur].entries = append(ix.nodes[cur].entries, Entry{ID: id, Payload: payload})
	ix.records[id] = values
	return nil
}

// Properties returns the schema properties of a known stream.
func (ix *Index) Properties(id int) (map[string]interface{}, error) {
	values, ok := ix.records[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStream, "stream %d", id)
	}

	properties := make(map[string]interface{}, len(ix.keys))
	for i, k := range ix.keys {
		properties[k] = values[i]
	}
	return properties, nil
}

// Lookup returns every stream matching the given properties. Absent
// properties are wildcards; present ones must match exactly, with the
// strings "true" and "false" standing in for the booleans when the
// literal string is not an edge. Results follow schema then insertion
// order.
func (ix *Index) Lookup(properties map[string]interface{}) []Entry {
	var found []Entry
	ix.collect(0, properties, &found)
	return found
}

func (ix *Index) collect(n int32, properties map[string]interface{}, found *[]Entry) {
	nd := &ix.nodes[n]
	if int(nd.level) == len(ix.keys) {
		*found = append(*found, nd.entries...)
		return
	}

	if v, ok := properties[ix.keys[nd.level]]; ok {
		child, ok := ix.child(nd.level, n, v)
		if !ok {
			return
		}
		ix.collect(child, properties, found)
		return
	}

	for _, child := range nd.children {
		ix.collect(child, properties, found)
	}
}

// ListSelection pages through the values available for the first
// schema property that selected leaves open. Selected is consumed in
// schema order up to the first missing property; anything after the
// gap is ignored. When every property is constrained the result is
// empty: stream ids are only handed out by Lookup.
func (ix *Index) ListSelection(selected map[string]interface{}, term string, page, pageSize int) (Selection, error) {
	cur := int32(0)
	open := ""
	for i, k := range ix.keys {
		v, ok := selected[k]
		if !ok {
			open = k
			break
		}
		child, found := ix.child(int32(i), cur, v)
		if !found {
			return Selection{}, errors.Wrapf(ErrInvalidSelection, "property %q has no value %v", k, v)
		}
		cur = child
	}
	if open == "" {
		return Selection{}, nil
	}

	values := make([]interface{}, 0, len(ix.nodes[cur].children))
	for _, c := range ix.nodes[cur].children {
		v := ix.nodes[c].value
		if term == "" || strings.Contains(Text(v), term) {
			values = append(values, v)
		}
	}
	sortValues(values)

	if page < 1 {
		page = 1
	}
	items := make([]model.SelectionItem, 0, pageSize)
	for i := (page - 1) * pageSize; i < len(values) && len(items) < pageSize; i++ {
		text := Text(values[i])
		items = append(items, model.SelectionItem{ID: text, Text: text})
	}

	return Selection{Property: open, Total: len(values), Items: items}, nil
}

// child resolves the edge for a constrained value, falling back to the
// boolean when the literal "true"/"false" string is not present.
func (ix *Index) child(level, parent int32, v interface{}) (int32, bool) {
	v = normalize(v)
	if c, ok := ix.edges[edgeKey{level: level, parent: parent, value: v}]; ok {
		return c, true
	}
	if s, ok := v.(string); ok {
		if b, isBool := boolForString(s); isBool {
			if c, ok := ix.edges[edgeKey{level: level, parent: parent, value: b}]; ok {
				return c, true
			}
		}
	}
	return 0, false
}

func boolForString(s string) (bool, bool) {
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// normalize collapses the dynamic types a property value can arrive
// with so equal values share one map key. JSON numbers arrive as
// float64.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) {
			return int(t)
		}
		return t
	case int64:
		return int(t)
	default:
		return v
	}
}

// sortValues orders numbers numerically and everything else by text.
func sortValues(values []interface{}) {
	sort.SliceStable(values, func(i, j int) bool {
		a, aok := number(values[i])
		b, bok := number(values[j])
		if aok && bok {
			return a < b
		}
		if aok != bok {
			return aok
		}
		return Text(values[i]) < Text(values[j])
	})
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// Text renders a property value the way selections and group
// descriptors spell it.
func Text(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
