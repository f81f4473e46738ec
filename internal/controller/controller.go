// Package controller implements the query orchestrator. A Controller
// owns the instantiated collections, resolves views into query labels
// through the result caches and fans data queries out to the
// collections a view spans.
package controller

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/collection"
	"github.com/wanduow/ampy/internal/index"
	"github.com/wanduow/ampy/internal/model"
	"github.com/wanduow/ampy/internal/service/cache"
	"github.com/wanduow/ampy/internal/service/log"
	"github.com/wanduow/ampy/internal/service/telemetry"
	"github.com/wanduow/ampy/internal/service/view"
)

const (
	defaultViewTTL       = 30 * time.Minute
	defaultStreamViewTTL = 30 * time.Minute
	// defaultPageSize is the selection page size when the caller does
	// not ask for one.
	defaultPageSize = 30
)

// Config is the configuration of the Controller.
type Config struct {
	// Exporter is the protocol client every query goes through.
	Exporter collection.Exporter
	// Views is the view store.
	Views view.Store
	// Sites provides the mesh members matrices are drawn over.
	Sites collection.SiteProvider
	// Collections names the kinds to serve. Defaults to every
	// registered kind.
	Collections []string
	// ViewTTL is how long resolved view groups stay cached.
	ViewTTL time.Duration
	// StreamViewTTL is how long per-stream event views stay cached.
	StreamViewTTL time.Duration
	// StreamMaxAge is how far back incremental stream refreshes look.
	StreamMaxAge time.Duration
	Logger       log.Logger
	Telemetry    *telemetry.Recorder
	Clock        clock.Clock
}

func (c *Config) defaults() error {
	if c.Exporter == nil {
		return errors.New("an exporter client is required")
	}
	if c.Views == nil {
		return errors.New("a view store is required")
	}
	if c.Sites == nil {
		c.Sites = collection.NewStaticSites(nil, nil)
	}
	if len(c.Collections) == 0 {
		c.Collections = collection.Names()
	}
	if c.ViewTTL <= 0 {
		c.ViewTTL = defaultViewTTL
	}
	if c.StreamViewTTL <= 0 {
		c.StreamViewTTL = defaultStreamViewTTL
	}
	if c.Logger == nil {
		c.Logger = log.Dummy
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}

// Controller orchestrates queries across the instantiated
// collections. It is safe for concurrent use.
type Controller struct {
	cfg    Config
	logger log.Logger

	viewGroups  *cache.Cache[model.ViewGroups]
	streamViews *cache.Cache[int]
	matrixViews *cache.Cache[int]

	mu      sync.RWMutex
	started bool
	kinds   map[string]collection.Collection
}

// New returns a new Controller. Start must be called before queries
// are served.
func New(cfg Config) (*Controller, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}

	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger,
		viewGroups: cache.New[model.ViewGroups](cache.Config{
			Name: "view_groups", DefaultTTL: cfg.ViewTTL, Clock: cfg.Clock, Telemetry: cfg.Telemetry}),
		streamViews: cache.New[int](cache.Config{
			Name: "stream_views", DefaultTTL: cfg.StreamViewTTL, Clock: cfg.Clock, Telemetry: cfg.Telemetry}),
		matrixViews: cache.New[int](cache.Config{
			Name: "matrix_views", Clock: cfg.Clock, Telemetry: cfg.Telemetry}),
		kinds: map[string]collection.Collection{},
	}, nil
}

// Start fetches the exporter's collection catalog and instantiates the
// configured collections under their catalog ids. Collections missing
// from the catalog or the registry are skipped with a warning. Calling
// Start again is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started {
		return nil
	}

	catalog, err := c.cfg.Exporter.RequestCollections(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching the collection catalog")
	}
	ids := make(map[string]int, len(catalog))
	for _, entry := range catalog {
		ids[entry.Name()] = entry.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	for _, name := range c.cfg.Collections {
		id, ok := ids[name]
		if !ok {
			c.logger.Warningf("collection %s is not in the exporter catalog", name)
			continue
		}
		col, err := collection.New(name, collection.Deps{
			ID:           id,
			Exporter:     c.cfg.Exporter,
			Views:        c.cfg.Views,
			Sites:        c.cfg.Sites,
			MatrixViews:  c.matrixViews,
			StreamMaxAge: c.cfg.StreamMaxAge,
			Logger:       c.cfg.Logger,
			Telemetry:    c.cfg.Telemetry,
			Clock:        c.cfg.Clock,
		})
		if err != nil {
			c.logger.Warningf("skipping collection %s: %s", name, err)
			continue
		}
		c.kinds[name] = col
	}
	c.started = true
	c.logger.Infof("serving %d collections", len(c.kinds))
	return nil
}

// Collections returns the names of the collections being served,
// sorted.
func (c *Controller) Collections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Controller) kind(name string) (collection.Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	col, ok := c.kinds[name]
	if !ok {
		return nil, errors.Wrapf(collection.ErrUnknownCollection, "%q", name)
	}
	return col, nil
}

// dataKind returns a collection with its stream index refreshed, which
// every query that resolves streams needs first.
func (c *Controller) dataKind(ctx context.Context, name string) (collection.Collection, error) {
	col, err := c.kind(name)
	if err != nil {
		return nil, err
	}
	if err := col.RefreshStreams(ctx); err != nil {
		return nil, err
	}
	return col, nil
}

// SelectionOptions lists the choices for the first unselected stream
// property of a collection. Selected values are given in property
// order.
func (c *Controller) SelectionOptions(ctx context.Context, name string, selected []string, term string, page, pageSize int) (map[string]model.SelectionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	col, err := c.dataKind(ctx, name)
	if err != nil {
		return nil, err
	}
	properties, err := col.SelectedProperties(selected)
	if err != nil {
		return nil, err
	}
	return col.Selections(properties, term, page, pageSize)
}

// StreamProperties returns the indexed properties of one stream of a
// collection.
func (c *Controller) StreamProperties(ctx context.Context, name string, streamID int) (map[string]interface{}, error) {
	col, err := c.dataKind(ctx, name)
	if err != nil {
		return nil, err
	}
	return col.StreamProperties(streamID)
}

// resolveView expands a view into its groups per collection. Unknown
// views resolve to no groups, so a dashboard widget degrades to an
// empty graph instead of failing the page.
func (c *Controller) resolveView(style string, viewID int) model.ViewGroups {
	key := style + "_" + strconv.Itoa(viewID)
	if groups, ok := c.viewGroups.Fetch(key); ok {
		return groups
	}

	groups, err := c.cfg.Views.Groups(style, viewID)
	if err != nil {
		c.logger.Warningf("no groups for view %d (%s): %s", viewID, style, err)
		return model.ViewGroups{}
	}
	if groups.GroupCount() > 0 {
		c.viewGroups.Store(key, groups, cache.SlideOnRead)
	}
	return groups
}

// groupLabels resolves every group of one collection into labels,
// skipping groups that fail so one bad descriptor does not take down
// the whole view.
func (c *Controller) groupLabels(col collection.Collection, groups []model.Group) []model.Label {
	var labels []model.Label
	for _, group := range groups {
		resolved, err := col.GroupLabels(group.ID, group.Description, true)
		if err != nil {
			c.logger.Warningf("skipping group %d of %s: %s", group.ID, col.Name(), err)
			continue
		}
		labels = append(labels, resolved...)
	}
	return labels
}

// HistoricData fetches aggregated history for every label of a view.
// A zero binSize picks one from the window, a negative one asks for
// raw measurements.
func (c *Controller) HistoricData(ctx context.Context, style string, viewID int, start, end time.Time, detail string, binSize int64) (map[string]model.History, error) {
	result := map[string]model.History{}
	groups := c.resolveView(style, viewID)
	for _, name := range groups.Collections() {
		col, err := c.dataKind(ctx, name)
		if err != nil {
			return nil, err
		}
		history, err := col.History(ctx, c.groupLabels(col, groups[name]), start, end, detail, binSize)
		if err != nil {
			return nil, err
		}
		for label, h := range history {
			result[label] = h
		}
	}
	return result, nil
}

// RecentData fetches one summary aggregate per label of a view over
// the trailing duration, along with the labels whose query timed out.
func (c *Controller) RecentData(ctx context.Context, style string, viewID int, duration time.Duration, detail string) (map[string][]model.Point, []string, error) {
	result := map[string][]model.Point{}
	var timeouts []string
	groups := c.resolveView(style, viewID)
	for _, name := range groups.Collections() {
		col, err := c.dataKind(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		data, timedOut, err := col.Recent(ctx, c.groupLabels(col, groups[name]), duration, detail)
		if err != nil {
			return nil, nil, err
		}
		for label, points := range data {
			result[label] = points
		}
		timeouts = append(timeouts, timedOut...)
	}
	sort.Strings(timeouts)
	return result, timeouts, nil
}

// EventView returns a view suited to graphing the series an event was
// detected on, minting one from the stream's properties if needed. The
// name may be a view style, in which case every kind drawing that
// style is searched for the stream.
func (c *Controller) EventView(ctx context.Context, name string, streamID int) (int, error) {
	key := strconv.Itoa(streamID)
	if viewID, ok := c.streamViews.Fetch(key); ok {
		return viewID, nil
	}

	for _, col := range c.styleKinds(name) {
		if err := col.RefreshStreams(ctx); err != nil {
			c.logger.Warningf("skipping %s: %s", col.Name(), err)
			continue
		}
		properties, err := col.StreamProperties(streamID)
		if err != nil {
			continue
		}

		// The group is built from the full property set, so it can
		// cover sibling streams of the event's series. That is
		// intentional.
		description, err := col.CreateGroupDescription(properties)
		if err != nil {
			return 0, errors.Wrapf(err, "no event group for stream %d", streamID)
		}
		viewID, err := c.cfg.Views.AddGroups(col.ViewStyle(), col.Name(), 0, []string{description})
		if err != nil {
			return 0, err
		}
		c.streamViews.Store(key, viewID, cache.SlideOnRead)
		return viewID, nil
	}
	return 0, errors.Wrapf(index.ErrUnknownStream, "stream %d in %s", streamID, name)
}

// styleKinds returns the kinds matching a collection name or carrying
// it as their view style, sorted by name.
func (c *Controller) styleKinds(name string) []collection.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var kinds []collection.Collection
	for _, col := range c.kinds {
		if col.Name() == name || col.ViewStyle() == name {
			kinds = append(kinds, col)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Name() < kinds[j].Name() })
	return kinds
}

// ModifyRequest describes one view modification: adding a group built
// from an ordered option list or a stream property map, or deleting a
// group by id.
type ModifyRequest struct {
	// Collection owns the group being added. Deletions only use the
	// style and view.
	Collection string `json:"collection"`
	// Style is the style of the view being modified.
	Style  string `json:"style"`
	ViewID int    `json:"view"`
	// Action is "add" or "del".
	Action string `json:"action"`
	// Options is the ordered group property values when adding, or the
	// group id when deleting.
	Options []string `json:"options"`
	// Properties is an alternative to Options when adding: a stream
	// property map the group description is derived from.
	Properties map[string]interface{} `json:"properties"`
}

// ModifyView adds a group to or removes a group from a view, returning
// the id of the resulting view. Modifications that do not change the
// view return the incoming id.
func (c *Controller) ModifyView(ctx context.Context, req ModifyRequest) (int, error) {
	switch req.Action {
	case "add":
		if len(req.Options) == 0 && len(req.Properties) == 0 {
			return req.ViewID, nil
		}
		col, err := c.kind(req.Collection)
		if err != nil {
			return 0, err
		}
		description, err := addedGroup(col, req)
		if err != nil {
			c.logger.Warningf("view %d unchanged: %s", req.ViewID, err)
			return req.ViewID, nil
		}
		viewID := req.ViewID
		if col.MaxGroups() == 1 {
			viewID = 0
		}
		return c.cfg.Views.AddGroups(req.Style, col.Name(), viewID, []string{description})
	case "del":
		if len(req.Options) == 0 {
			return req.ViewID, nil
		}
		groupID, err := strconv.Atoi(req.Options[0])
		if err != nil {
			return 0, errors.Wrapf(err, "group id %q", req.Options[0])
		}
		return c.cfg.Views.RemoveGroup(req.Style, req.ViewID, groupID)
	default:
		return req.ViewID, nil
	}
}

func addedGroup(col collection.Collection, req ModifyRequest) (string, error) {
	if len(req.Properties) > 0 {
		return col.CreateGroupDescription(req.Properties)
	}
	return col.GroupFromList(req.Options)
}

// TestTabView reports whether a view can be re-expressed in another
// collection: every group must translate and match at least one
// stream, and the whole view must fit the target's group limit. A
// view always translates to its own style.
func (c *Controller) TestTabView(ctx context.Context, style, tabCollection string, viewID int) (bool, error) {
	if style == tabCollection {
		return true, nil
	}

	tab, err := c.dataKind(ctx, tabCollection)
	if err != nil {
		return false, err
	}
	groups := c.resolveView(style, viewID)
	if groups.GroupCount() == 0 {
		return false, nil
	}
	limit := tab.MaxGroups()

	total := 0
	for _, name := range groups.Collections() {
		col, err := c.dataKind(ctx, name)
		if err != nil {
			return false, err
		}
		for _, group := range groups[name] {
			total++
			if limit > 0 && total > limit {
				return false, nil
			}

			properties, err := col.ParseGroupDescription(group.Description)
			if err != nil {
				c.logger.Warningf("unreadable group %d of %s: %s", group.ID, name, err)
				return false, nil
			}
			description, err := tab.TranslateGroup(properties)
			if err != nil {
				return false, nil
			}
			labels, err := tab.GroupLabels(0, description, true)
			if err != nil || len(labels) == 0 {
				return false, nil
			}
		}
	}
	return true, nil
}

// CreateTabView mints a view for another collection equivalent to an
// existing view, dropping the groups that cannot be translated. The
// incoming view is returned unchanged when the target is the view's
// own style.
func (c *Controller) CreateTabView(ctx context.Context, style, tabCollection string, viewID int) (int, error) {
	if style == tabCollection {
		return viewID, nil
	}

	tab, err := c.dataKind(ctx, tabCollection)
	if err != nil {
		return 0, err
	}
	groups := c.resolveView(style, viewID)

	var ids []int
	for _, name := range groups.Collections() {
		col, err := c.dataKind(ctx, name)
		if err != nil {
			return 0, err
		}
		for _, group := range groups[name] {
			properties, err := col.ParseGroupDescription(group.Description)
			if err != nil {
				c.logger.Warningf("unreadable group %d of %s: %s", group.ID, name, err)
				continue
			}
			description, err := tab.TranslateGroup(properties)
			if err != nil {
				continue
			}
			id, err := c.cfg.Views.GroupID(tab.Name(), description)
			if err != nil {
				return 0, err
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, errors.Errorf("view %d has no groups representable in %s", viewID, tabCollection)
	}
	return c.cfg.Views.ViewID(tab.ViewStyle(), ids)
}

// MatrixOptions selects what a matrix renders: the source and
// destination meshes and how cell graphs split address families.
type MatrixOptions struct {
	SourceMesh string
	DestMesh   string
	Split      string
}

// MatrixData resolves and fetches everything a mesh matrix needs:
// recent summary data per cell label plus the view behind every cell.
func (c *Controller) MatrixData(ctx context.Context, name, style string, opts MatrixOptions, duration time.Duration) (model.Matrix, error) {
	col, err := c.dataKind(ctx, name)
	if err != nil {
		return model.Matrix{}, err
	}

	matrix := model.Matrix{
		Sources:      c.cfg.Sites.Sources(opts.SourceMesh),
		Destinations: c.cfg.Sites.Destinations(opts.DestMesh),
		Views:        map[string]map[string]int{},
	}

	var labels []model.Label
	for _, source := range matrix.Sources {
		for _, destination := range matrix.Destinations {
			cell, err := col.MatrixCell(ctx, source, destination, opts.Split, style)
			if err != nil {
				c.logger.Warningf("skipping matrix cell %s to %s: %s", source, destination, err)
				continue
			}
			if matrix.Views[source] == nil {
				matrix.Views[source] = map[string]int{}
			}
			matrix.Views[source][destination] = cell.ViewID
			labels = append(labels, cell.Labels...)
		}
	}

	data, timeouts, err := col.Recent(ctx, labels, duration, "matrix")
	if err != nil {
		return model.Matrix{}, err
	}
	matrix.Data = data
	matrix.Timeouts = timeouts
	return matrix, nil
}

// RefreshAll refreshes every collection's stream index, collecting the
// failures instead of stopping at the first.
func (c *Controller) RefreshAll(ctx context.Context) error {
	var result *multierror.Error
	for _, name := range c.Collections() {
		col, err := c.kind(name)
		if err != nil {
			continue
		}
		if err := col.RefreshStreams(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
