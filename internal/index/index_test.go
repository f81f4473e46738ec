package index

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanduow/ampy/internal/model"
)

func latencyIndex(t *testing.T) *Index {
	t.Helper()

	ix := New([]string{"source", "destination", "packet_size", "family"})
	streams := []struct {
		id    int
		props map[string]interface{}
		addr  string
	}{
		{1, map[string]interface{}{"source": "akl", "destination": "www.example.com", "packet_size": "84", "family": "ipv4"}, "192.0.2.1"},
		{2, map[string]interface{}{"source": "akl", "destination": "www.example.com", "packet_size": "84", "family": "ipv6"}, "2001:db8::1"},
		{3, map[string]interface{}{"source": "akl", "destination": "www.example.com", "packet_size": "1500", "family": "ipv4"}, "192.0.2.1"},
		{4, map[string]interface{}{"source": "wlg", "destination": "www.example.com", "packet_size": "84", "family": "ipv4"}, "192.0.2.1"},
		{5, map[string]interface{}{"source": "akl", "destination": "www.test.org", "packet_size": "84", "family": "ipv4"}, "198.51.100.7"},
	}
	for _, s := range streams {
		require.NoError(t, ix.Insert(s.id, s.props, s.addr))
	}
	return ix
}

func entryIDs(entries []Entry) []int {
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name       string
		properties map[string]interface{}
		expIDs     []int
	}{
		{
			name: "Exact match returns a single stream",
			properties: map[string]interface{}{
				"source": "akl", "destination": "www.example.com", "packet_size": "84", "family": "ipv4",
			},
			expIDs: []int{1},
		},
		{
			name:       "Missing properties act as wildcards",
			properties: map[string]interface{}{"source": "akl", "destination": "www.example.com"},
			expIDs:     []int{1, 2, 3},
		},
		{
			name:       "Empty search returns everything in insertion order",
			properties: map[string]interface{}{},
			expIDs:     []int{1, 2, 3, 4, 5},
		},
		{
			name:       "Wildcard in the middle of the schema",
			properties: map[string]interface{}{"source": "akl", "packet_size": "84", "family": "ipv4"},
			expIDs:     []int{1, 5},
		},
		{
			name:       "Unknown value matches nothing",
			properties: map[string]interface{}{"source": "chc"},
			expIDs:     []int{},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ix := latencyIndex(t)
			got := ix.Lookup(test.properties)
			assert.Equal(t, test.expIDs, entryIDs(got))
		})
	}
}

func TestLookupPayload(t *testing.T) {
	ix := latencyIndex(t)

	got := ix.Lookup(map[string]interface{}{
		"source": "akl", "destination": "www.example.com", "packet_size": "84", "family": "ipv6",
	})
	require.Len(t, got, 1)
	assert.Equal(t, Entry{ID: 2, Payload: "2001:db8::1"}, got[0])
}

func TestLookupBooleanCoercion(t *testing.T) {
	ix := New([]string{"server", "caching"})
	require.NoError(t, ix.Insert(10, map[string]interface{}{"server": "web1", "caching": true}, ""))
	require.NoError(t, ix.Insert(11, map[string]interface{}{"server": "web2", "caching": "true"}, ""))

	assert.Equal(t, []int{10}, entryIDs(ix.Lookup(map[string]interface{}{"server": "web1", "caching": "true"})),
		"string true should match the boolean when the literal is absent")
	assert.Equal(t, []int{11}, entryIDs(ix.Lookup(map[string]interface{}{"server": "web2", "caching": "true"})),
		"literal string match should win")
	assert.Empty(t, ix.Lookup(map[string]interface{}{"server": "web1", "caching": "false"}))
	assert.Equal(t, []int{10}, entryIDs(ix.Lookup(map[string]interface{}{"server": "web1", "caching": true})))
}

func TestInsertMissingProperty(t *testing.T) {
	ix := New([]string{"source", "destination"})

	err := ix.Insert(1, map[string]interface{}{"source": "akl"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaMismatch))
	assert.Equal(t, 0, ix.Len())
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	ix := New([]string{"source"})
	require.NoError(t, ix.Insert(1, map[string]interface{}{"source": "akl"}, ""))
	require.NoError(t, ix.Insert(1, map[string]interface{}{"source": "akl"}, ""))

	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, []int{1}, entryIDs(ix.Lookup(nil)))
}

func TestProperties(t *testing.T) {
	ix := latencyIndex(t)

	props, err := ix.Properties(3)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"source": "akl", "destination": "www.example.com", "packet_size": "1500", "family": "ipv4",
	}, props)

	_, err = ix.Properties(99)
	assert.True(t, errors.Is(err, ErrUnknownStream))
}

func TestNumericValuesNormalized(t *testing.T) {
	ix := New([]string{"source", "port"})
	// The exporter hands numbers over as JSON floats.
	require.NoError(t, ix.Insert(1, map[string]interface{}{"source": "akl", "port": float64(443)}, ""))

	assert.Equal(t, []int{1}, entryIDs(ix.Lookup(map[string]interface{}{"source": "akl", "port": 443})))

	props, err := ix.Properties(1)
	require.NoError(t, err)
	assert.Equal(t, 443, props["port"])
}

func TestListSelection(t *testing.T) {
	ix := latencyIndex(t)

	sel, err := ix.ListSelection(map[string]interface{}{}, "", 1, 30000)
	require.NoError(t, err)
	assert.Equal(t, "source", sel.Property)
	assert.Equal(t, 2, sel.Total)
	assert.Equal(t, []model.SelectionItem{{ID: "akl", Text: "akl"}, {ID: "wlg", Text: "wlg"}}, sel.Items)

	sel, err = ix.ListSelection(map[string]interface{}{"source": "akl"}, "", 1, 30000)
	require.NoError(t, err)
	assert.Equal(t, "destination", sel.Property)
	assert.Equal(t, []model.SelectionItem{
		{ID: "www.example.com", Text: "www.example.com"},
		{ID: "www.test.org", Text: "www.test.org"},
	}, sel.Items)
}

func TestListSelectionNumericOrder(t *testing.T) {
	ix := New([]string{"source", "port"})
	for i, port := range []float64{443, 53, 8080, 80} {
		require.NoError(t, ix.Insert(i+1, map[string]interface{}{"source": "akl", "port": port}, ""))
	}

	sel, err := ix.ListSelection(map[string]interface{}{"source": "akl"}, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.SelectionItem{
		{ID: "53", Text: "53"},
		{ID: "80", Text: "80"},
		{ID: "443", Text: "443"},
		{ID: "8080", Text: "8080"},
	}, sel.Items, "ports should sort numerically, not lexically")
}

func TestListSelectionPagination(t *testing.T) {
	ix := New([]string{"destination"})
	for i, d := range []string{"a.example", "b.example", "c.example", "d.example", "e.example"} {
		require.NoError(t, ix.Insert(i+1, map[string]interface{}{"destination": d}, ""))
	}

	tests := []struct {
		name     string
		page     int
		pageSize int
		expItems []string
	}{
		{name: "First page", page: 1, pageSize: 2, expItems: []string{"a.example", "b.example"}},
		{name: "Middle page", page: 2, pageSize: 2, expItems: []string{"c.example", "d.example"}},
		{name: "Short last page", page: 3, pageSize: 2, expItems: []string{"e.example"}},
		{name: "Page past the end", page: 4, pageSize: 2, expItems: []string{}},
		{name: "Page zero treated as first", page: 0, pageSize: 2, expItems: []string{"a.example", "b.example"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sel, err := ix.ListSelection(map[string]interface{}{}, "", test.page, test.pageSize)
			require.NoError(t, err)
			assert.Equal(t, 5, sel.Total, "total should always count the full match set")

			texts := make([]string, 0, len(sel.Items))
			for _, it := range sel.Items {
				texts = append(texts, it.Text)
			}
			assert.Equal(t, test.expItems, texts)
		})
	}
}

func TestListSelectionTermFilter(t *testing.T) {
	ix := New([]string{"destination"})
	for i, d := range []string{"www.example.com", "mail.example.com", "www.test.org"} {
		require.NoError(t, ix.Insert(i+1, map[string]interface{}{"destination": d}, ""))
	}

	sel, err := ix.ListSelection(map[string]interface{}{}, "example", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sel.Total, "total should count matches after filtering")
	assert.Equal(t, []model.SelectionItem{
		{ID: "mail.example.com", Text: "mail.example.com"},
		{ID: "www.example.com", Text: "www.example.com"},
	}, sel.Items)
}

func TestListSelectionInvalidValue(t *testing.T) {
	ix := latencyIndex(t)

	_, err := ix.ListSelection(map[string]interface{}{"source": "nope"}, "", 1, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSelection))
}

func TestListSelectionRefusesLeaf(t *testing.T) {
	ix := latencyIndex(t)

	sel, err := ix.ListSelection(map[string]interface{}{
		"source": "akl", "destination": "www.example.com", "packet_size": "84", "family": "ipv4",
	}, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, Selection{}, sel, "a fully constrained selection should never leak stream ids")
}

func TestListSelectionIgnoresAfterGap(t *testing.T) {
	ix := latencyIndex(t)

	// destination is missing, so packet_size must be ignored even
	// though it was provided.
	sel, err := ix.ListSelection(map[string]interface{}{"source": "akl", "packet_size": "84"}, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "destination", sel.Property)
	assert.Equal(t, 2, sel.Total)
}
