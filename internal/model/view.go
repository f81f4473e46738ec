package model

import (
	"sort"
)

// Group is one stored view group: a descriptor that the owning
// collection can expand into query labels.
type Group struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// ViewGroups maps collection names to the groups a view contains.
type ViewGroups map[string][]Group

// Collections returns the member collection names sorted, so iterating
// a view is deterministic.
func (v ViewGroups) Collections() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GroupCount returns the total number of groups across all member
// collections.
func (v ViewGroups) GroupCount() int {
	n := 0
	for _, groups := range v {
		n += len(groups)
	}
	return n
}

// SelectionItem is one selectable value for a stream property.
type SelectionItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// SelectionPage is one page of selectable values for a stream property.
// MaxItems counts every value matching the active filter, not only the
// items on this page.
type SelectionPage struct {
	MaxItems int             `json:"maxitems"`
	Items    []SelectionItem `json:"items"`
}

// Matrix is the result of a mesh-wide query: recent data per cell
// label plus the view each cell resolves to. A cell that has no
// streams maps to view -1, a cell that could not be resolved at all is
// absent.
type Matrix struct {
	Data         map[string][]Point        `json:"data"`
	Timeouts     []string                  `json:"timeouts"`
	Sources      []string                  `json:"sources"`
	Destinations []string                  `json:"destinations"`
	Views        map[string]map[string]int `json:"views"`
}
