// Package view stores the saved views of the dashboard: named sets of
// measurement groups that describe everything drawn on one graph.
package view

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/model"
)

// ErrNotFound is returned when a view does not exist or does not carry
// the requested style.
var ErrNotFound = errors.New("view not found")

// Store resolves and mints views and their groups. A view is an
// unordered set of group ids tied to one view style; a group is a
// (collection, description) pair. Both are deduplicated, so resolving
// the same content twice yields the same id.
type Store interface {
	// Groups returns the groups of a view keyed by collection name.
	Groups(style string, viewID int) (model.ViewGroups, error)
	// GroupID returns the id of the group with the given description,
	// creating the group first if it was never seen.
	GroupID(collection, description string) (int, error)
	// ViewID returns the id of the view holding exactly the given
	// groups, creating the view first if it was never seen. An empty
	// group set maps to view 0.
	ViewID(style string, groupIDs []int) (int, error)
	// AddGroups extends a view with the described groups and returns
	// the id of the resulting view. View 0 starts from an empty set.
	AddGroups(style, collection string, viewID int, descriptions []string) (int, error)
	// RemoveGroup drops one group from a view and returns the id of
	// the resulting view, 0 when nothing remains.
	RemoveGroup(style string, viewID, groupID int) (int, error)
}

type storedGroup struct {
	collection  string
	description string
}

type storedView struct {
	style  string
	groups []int
}

// Memory is an in-process Store. Deployments backed by the dashboard
// database implement Store against it instead; Memory serves tests and
// single-process use. Ids are assigned sequentially from 1 in creation
// order.
type Memory struct {
	mu       sync.Mutex
	groups   []storedGroup
	groupIDs map[storedGroup]int
	views    []storedView
	viewIDs  map[string]int
}

// NewMemory returns a new empty in-memory view store.
func NewMemory() *Memory {
	return &Memory{
		groupIDs: map[storedGroup]int{},
		viewIDs:  map[string]int{},
	}
}

// Groups satisfies the Store interface.
func (m *Memory) Groups(style string, viewID int) (model.ViewGroups, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	view, err := m.view(style, viewID)
	if err != nil {
		return nil, err
	}

	groups := model.ViewGroups{}
	for _, id := range view.groups {
		group := m.groups[id-1]
		groups[group.collection] = append(groups[group.collection], model.Group{
			ID:          id,
			Description: group.description,
		})
	}
	for _, collection := range groups {
		sort.Slice(collection, func(i, j int) bool { return collection[i].ID < collection[j].ID })
	}
	return groups, nil
}

// GroupID satisfies the Store interface.
func (m *Memory) GroupID(collection, description string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupID(collection, description), nil
}

// ViewID satisfies the Store interface.
func (m *Memory) ViewID(style string, groupIDs []int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewID(style, groupIDs)
}

// AddGroups satisfies the Store interface.
func (m *Memory) AddGroups(style, collection string, viewID int, descriptions []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var groupIDs []int
	if viewID != 0 {
		view, err := m.view(style, viewID)
		if err != nil {
			return 0, err
		}
		groupIDs = append(groupIDs, view.groups...)
	}
	for _, description := range descriptions {
		groupIDs = append(groupIDs, m.groupID(collection, description))
	}
	return m.viewID(style, groupIDs)
}

// RemoveGroup satisfies the Store interface.
func (m *Memory) RemoveGroup(style string, viewID, groupID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	view, err := m.view(style, viewID)
	if err != nil {
		return 0, err
	}

	groupIDs := make([]int, 0, len(view.groups))
	for _, id := range view.groups {
		if id != groupID {
			groupIDs = append(groupIDs, id)
		}
	}
	return m.viewID(style, groupIDs)
}

// view returns the stored view or ErrNotFound. Callers hold the lock.
func (m *Memory) view(style string, viewID int) (storedView, error) {
	if viewID < 1 || viewID > len(m.views) {
		return storedView{}, errors.Wrapf(ErrNotFound, "view %d", viewID)
	}
	view := m.views[viewID-1]
	if view.style != style {
		return storedView{}, errors.Wrapf(ErrNotFound, "view %d does not have style %q", viewID, style)
	}
	return view, nil
}

func (m *Memory) groupID(collection, description string) int {
	key := storedGroup{collection: collection, description: description}
	if id, ok := m.groupIDs[key]; ok {
		return id
	}
	m.groups = append(m.groups, key)
	id := len(m.groups)
	m.groupIDs[key] = id
	return id
}

func (m *Memory) viewID(style string, groupIDs []int) (int, error) {
	unique := make([]int, 0, len(groupIDs))
	seen := map[int]bool{}
	for _, id := range groupIDs {
		if id < 1 || id > len(m.groups) {
			return 0, errors.Wrapf(ErrNotFound, "group %d", id)
		}
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		return 0, nil
	}
	sort.Ints(unique)

	key := viewKey(style, unique)
	if id, ok := m.viewIDs[key]; ok {
		return id, nil
	}
	m.views = append(m.views, storedView{style: style, groups: unique})
	id := len(m.views)
	m.viewIDs[key] = id
	return id, nil
}

func viewKey(style string, groupIDs []int) string {
	parts := make([]string, 0, len(groupIDs)+1)
	parts = append(parts, style)
	for _, id := range groupIDs {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, "|")
}
