package collection

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/exporter"
	"github.com/wanduow/ampy/internal/index"
	"github.com/wanduow/ampy/internal/model"
	"github.com/wanduow/ampy/internal/service/cache"
	"github.com/wanduow/ampy/internal/service/log"
	"github.com/wanduow/ampy/internal/service/telemetry"
)

// Aggregations a group description can carry: one series over every
// address family, one per family, or one single family.
const (
	AggregationFull   = "FULL"
	AggregationFamily = "FAMILY"
	AggregationIPv4   = "IPV4"
	AggregationIPv6   = "IPV6"
)

const (
	defaultStreamMaxAge = 5 * time.Minute
	// minRefreshEvery throttles back-to-back refresh calls.
	minRefreshEvery = 30 * time.Second
	// matrixMissTTL keeps a cell that resolved to nothing from being
	// recomputed on every matrix load, without caching the absence
	// forever.
	matrixMissTTL = 300 * time.Second
	// selectionLimit is the page size used when every value of a
	// dimension is needed at once.
	selectionLimit = 30000
	// historyBins is roughly how many points a graph window aims for.
	historyBins = 200
)

// schema describes one measurement kind. The stream properties are
// the index schema, source and destination first and the address
// family last; the group properties are the stream properties with
// the family replaced by the aggregation.
type schema struct {
	name  string
	style string

	streamProperties []string
	groupProperties  []string
	// integerProperties lists the properties whose values are numbers
	// on the wire and in the index.
	integerProperties []string
	// preferences ranks the values a matrix cell picks for the
	// properties between destination and family.
	preferences map[string][]string
	maxGroups   int
}

func (s schema) aggregationProperty() string { return s.groupProperties[len(s.groupProperties)-1] }
func (s schema) familyProperty() string      { return s.streamProperties[len(s.streamProperties)-1] }
func (s schema) cellProperties() []string    { return s.streamProperties[2 : len(s.streamProperties)-1] }

func (s schema) integer(property string) bool {
	for _, p := range s.integerProperties {
		if p == property {
			return true
		}
	}
	return false
}

// base implements Collection generically over a schema; the registered
// kinds differ only in the schema they construct it with.
type base struct {
	schema schema
	deps   Deps

	mu        sync.RWMutex
	index     *index.Index
	refreshed time.Time
}

func newBase(s schema, deps Deps) *base {
	if deps.Logger == nil {
		deps.Logger = log.Dummy
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.StreamMaxAge <= 0 {
		deps.StreamMaxAge = defaultStreamMaxAge
	}
	if deps.MatrixViews == nil {
		deps.MatrixViews = cache.New[int](cache.Config{Name: "matrix", Clock: deps.Clock, Telemetry: deps.Telemetry})
	}
	deps.Logger = deps.Logger.WithValues(map[string]interface{}{"collection": s.name})

	return &base{
		schema: s,
		deps:   deps,
		index:  index.New(s.streamProperties),
	}
}

func (b *base) Name() string      { return b.schema.name }
func (b *base) ViewStyle() string { return b.schema.style }
func (b *base) MaxGroups() int    { return b.schema.maxGroups }

// RefreshStreams satisfies the Collection interface. The first call
// fetches the whole series catalog, later calls only the series active
// within the stream max age. The index is append-only, so overlapping
// refreshes are harmless.
func (b *base) RefreshStreams(ctx context.Context) error {
	now := b.deps.Clock.Now()

	b.mu.RLock()
	refreshed := b.refreshed
	b.mu.RUnlock()
	if !refreshed.IsZero() && now.Sub(refreshed) < minRefreshEvery {
		return nil
	}

	mode, boundary := exporter.SeriesAll, int64(0)
	if !refreshed.IsZero() {
		mode = exporter.SeriesActive
		boundary = now.Add(-b.deps.StreamMaxAge).Unix()
	}

	streams, err := b.deps.Exporter.RequestSeries(ctx, b.deps.ID, mode, boundary)
	if err != nil {
		b.deps.Telemetry.IndexRefresh(b.schema.name, refreshOutcome(err), 0)
		return errors.Wrapf(err, "refreshing %s streams", b.schema.name)
	}

	b.mu.Lock()
	for _, stream := range streams {
		if err := b.index.Insert(stream.ID, stream.Properties, stream.Address); err != nil {
			b.deps.Logger.Warningf("skipping stream %d: %s", stream.ID, err)
		}
	}
	b.refreshed = now
	indexed := b.index.Len()
	b.mu.Unlock()

	b.deps.Telemetry.IndexRefresh(b.schema.name, telemetry.OutcomeSuccess, indexed)
	b.deps.Logger.Debugf("%d streams indexed after receiving %d", indexed, len(streams))
	return nil
}

func refreshOutcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, exporter.ErrConnection):
		return telemetry.OutcomeConnection
	default:
		return telemetry.OutcomeProtocol
	}
}

// StreamProperties satisfies the Collection interface.
func (b *base) StreamProperties(streamID int) (map[string]interface{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.Properties(streamID)
}

// GroupLabels satisfies the Collection interface.
func (b *base) GroupLabels(groupID int, description string, lookup bool) ([]model.Label, error) {
	properties, err := b.ParseGroupDescription(description)
	if err != nil {
		return nil, err
	}

	criteria := make(map[string]interface{}, len(properties))
	for _, property := range b.schema.groupProperties[:len(b.schema.groupProperties)-1] {
		criteria[property] = b.typedValue(property, properties[property])
	}

	name := fmt.Sprintf("group_%d", groupID)
	labels := b.splitLabels(name, groupID, criteria, properties[b.schema.aggregationProperty()], lookup)
	if lookup {
		labels = resolved(labels)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels, nil
}

// splitLabels builds the labels of one group according to its
// aggregation.
func (b *base) splitLabels(name string, groupID int, criteria map[string]interface{}, aggregation string, lookup bool) []model.Label {
	switch aggregation {
	case AggregationFull:
		return []model.Label{b.label(name, groupID, criteria, lookup)}
	case AggregationIPv4:
		return []model.Label{b.familyLabel(name, groupID, criteria, "ipv4", lookup)}
	case AggregationIPv6:
		return []model.Label{b.familyLabel(name, groupID, criteria, "ipv6", lookup)}
	default:
		return []model.Label{
			b.familyLabel(name, groupID, criteria, "ipv4", lookup),
			b.familyLabel(name, groupID, criteria, "ipv6", lookup),
		}
	}
}

func (b *base) label(name string, groupID int, criteria map[string]interface{}, lookup bool) model.Label {
	label := model.Label{Name: name, GroupID: groupID}
	if lookup {
		label.Streams = b.streamIDs(criteria)
	}
	return label
}

func (b *base) familyLabel(name string, groupID int, criteria map[string]interface{}, family string, lookup bool) model.Label {
	constrained := make(map[string]interface{}, len(criteria)+1)
	for k, v := range criteria {
		constrained[k] = v
	}
	constrained[b.schema.familyProperty()] = family
	return b.label(name+"_"+family, groupID, constrained, lookup)
}

func (b *base) streamIDs(criteria map[string]interface{}) []int {
	b.mu.RLock()
	entries := b.index.Lookup(criteria)
	b.mu.RUnlock()

	ids := make([]int, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

// resolved drops the labels that matched no stream.
func resolved(labels []model.Label) []model.Label {
	kept := labels[:0]
	for _, label := range labels {
		if len(label.Streams) > 0 {
			kept = append(kept, label)
		}
	}
	return kept
}

// ParseGroupDescription satisfies the Collection interface. A group
// description is the group properties in schema order, spelled
// key=value and joined with single spaces.
func (b *base) ParseGroupDescription(description string) (map[string]string, error) {
	parts := strings.Split(description, " ")
	if len(parts) != len(b.schema.groupProperties) {
		return nil, errors.Errorf("group description %q needs %d properties", description, len(b.schema.groupProperties))
	}

	properties := make(map[string]string, len(parts))
	for i, part := range parts {
		property := b.schema.groupProperties[i]
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] != property {
			return nil, errors.Errorf("group description %q should carry %q at position %d", description, property, i+1)
		}
		properties[property] = kv[1]
	}

	if !validAggregation(properties[b.schema.aggregationProperty()]) {
		return nil, errors.Errorf("unknown aggregation %q in group description %q", properties[b.schema.aggregationProperty()], description)
	}
	for _, property := range b.schema.integerProperties {
		if _, err := strconv.Atoi(properties[property]); err != nil {
			return nil, errors.Errorf("property %q in group description %q is not a number", property, description)
		}
	}
	return properties, nil
}

func validAggregation(aggregation string) bool {
	switch aggregation {
	case AggregationFull, AggregationFamily, AggregationIPv4, AggregationIPv6:
		return true
	}
	return false
}

// CreateGroupDescription satisfies the Collection interface.
func (b *base) CreateGroupDescription(properties map[string]interface{}) (string, error) {
	aggregationProperty := b.schema.aggregationProperty()

	values := make(map[string]string, len(properties)+1)
	for property, value := range properties {
		values[property] = index.Text(value)
	}
	if _, ok := values[aggregationProperty]; !ok {
		family, ok := values[b.schema.familyProperty()]
		if !ok {
			return "", errors.Errorf("group needs either %q or %q", aggregationProperty, b.schema.familyProperty())
		}
		values[aggregationProperty] = family
	}
	values[aggregationProperty] = strings.ToUpper(values[aggregationProperty])
	if !validAggregation(values[aggregationProperty]) {
		return "", errors.Errorf("unknown aggregation %q", values[aggregationProperty])
	}

	parts := make([]string, 0, len(b.schema.groupProperties))
	for _, property := range b.schema.groupProperties {
		value, ok := values[property]
		if !ok {
			return "", errors.Errorf("group is missing property %q", property)
		}
		if strings.ContainsAny(value, " =") {
			return "", errors.Errorf("value %q cannot appear in a group description", value)
		}
		parts = append(parts, property+"="+value)
	}
	return strings.Join(parts, " "), nil
}

// GroupFromList satisfies the Collection interface.
func (b *base) GroupFromList(values []string) (string, error) {
	if len(values) != len(b.schema.groupProperties) {
		return "", errors.Errorf("%s groups need %d values, got %d", b.schema.name, len(b.schema.groupProperties), len(values))
	}

	properties := make(map[string]interface{}, len(values))
	for i, property := range b.schema.groupProperties {
		properties[property] = values[i]
	}
	description, err := b.CreateGroupDescription(properties)
	if err != nil {
		return "", err
	}
	if _, err := b.ParseGroupDescription(description); err != nil {
		return "", err
	}
	return description, nil
}

// TranslateGroup satisfies the Collection interface. Source and
// destination carry over; for every cell property the foreign value is
// kept when this kind has streams for it, otherwise the preferred
// available value stands in.
func (b *base) TranslateGroup(properties map[string]string) (string, error) {
	values := make([]string, 0, len(b.schema.groupProperties))
	selected := map[string]interface{}{}
	for _, property := range b.schema.streamProperties[:2] {
		value, ok := properties[property]
		if !ok {
			return "", errors.Errorf("cannot translate a group without %q", property)
		}
		values = append(values, value)
		selected[property] = b.typedValue(property, value)
	}

	for _, property := range b.schema.cellProperties() {
		choice, err := b.chooseCellValue(selected, property, properties[property])
		if err != nil {
			return "", err
		}
		values = append(values, choice)
		selected[property] = b.typedValue(property, choice)
	}

	aggregation := strings.ToUpper(properties[b.schema.aggregationProperty()])
	if !validAggregation(aggregation) {
		aggregation = AggregationFamily
	}
	return b.GroupFromList(append(values, aggregation))
}

// Selections satisfies the Collection interface.
func (b *base) Selections(selected map[string]interface{}, term string, page, pageSize int) (map[string]model.SelectionPage, error) {
	criteria := make(map[string]interface{}, len(selected))
	for property, value := range selected {
		criteria[property] = value
	}

	pages := map[string]model.SelectionPage{}
	last := b.schema.familyProperty()
	for {
		listing, err := b.listSelection(criteria, term, page, pageSize)
		if err != nil {
			return nil, err
		}
		if listing.Property == "" {
			return pages, nil
		}
		pages[listing.Property] = model.SelectionPage{MaxItems: listing.Total, Items: listing.Items}

		// A dimension with a single value is not a choice; descend
		// until one offers alternatives. The term never drives the
		// descent, it only filters what is listed.
		choices := listing
		if term != "" || page != 1 {
			choices, err = b.listSelection(criteria, "", 1, 1)
			if err != nil {
				return nil, err
			}
		}
		if choices.Total != 1 || len(choices.Items) != 1 || listing.Property == last {
			return pages, nil
		}
		criteria[listing.Property] = b.typedValue(listing.Property, choices.Items[0].ID)
	}
}

// SelectedProperties satisfies the Collection interface.
func (b *base) SelectedProperties(values []string) (map[string]interface{}, error) {
	if len(values) > len(b.schema.streamProperties) {
		return nil, errors.Errorf("%s streams only have %d properties", b.schema.name, len(b.schema.streamProperties))
	}

	properties := make(map[string]interface{}, len(values))
	for i, value := range values {
		property := b.schema.streamProperties[i]
		properties[property] = b.typedValue(property, value)
	}
	return properties, nil
}

// History satisfies the Collection interface.
func (b *base) History(ctx context.Context, labels []model.Label, start, end time.Time, detail string, binSize int64) (map[string]model.History, error) {
	if binSize == 0 {
		binSize = calculateBinSize(start, end)
	}
	columns, functions := detailColumns(detail)

	request := exporter.HistoryRequest{
		Collection: b.deps.ID,
		Labels:     map[string][]int{},
		Start:      start,
		End:        end,
		BinSize:    binSize,
		Columns:    columns,
		Functions:  functions,
		GroupBy:    []string{"stream_id"},
	}
	for _, label := range labels {
		if len(label.Streams) == 0 {
			continue
		}
		request.Labels[label.Name] = label.Streams
	}

	history, err := b.deps.Exporter.RequestHistory(ctx, request)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s history", b.schema.name)
	}
	return history, nil
}

// Recent satisfies the Collection interface. The trailing window is
// fetched as one bin per label, so every label reduces to a single
// summary aggregate.
func (b *base) Recent(ctx context.Context, labels []model.Label, duration time.Duration, detail string) (map[string][]model.Point, []string, error) {
	end := b.deps.Clock.Now()
	start := end.Add(-duration)

	history, err := b.History(ctx, labels, start, end, detail, int64(duration/time.Second))
	if err != nil {
		return nil, nil, err
	}

	data := make(map[string][]model.Point, len(history))
	var timeouts []string
	for label, h := range history {
		data[label] = h.Points
		if len(h.TimedOut) > 0 {
			timeouts = append(timeouts, label)
		}
	}
	sort.Strings(timeouts)
	return data, timeouts, nil
}

// MatrixCell satisfies the Collection interface. The split only
// shapes the minted group; the cell's data labels always cover both
// address families so the matrix can render either.
func (b *base) MatrixCell(ctx context.Context, source, destination, split, style string) (MatrixCell, error) {
	split = matrixSplit(split)
	if style == "" {
		style = b.schema.style
	}

	selected := map[string]interface{}{
		b.schema.streamProperties[0]: source,
		b.schema.streamProperties[1]: destination,
	}
	var chosen []string
	for _, property := range b.schema.cellProperties() {
		choice, err := b.chooseCellValue(selected, property, "")
		if err != nil {
			b.deps.MatrixViews.Store(b.cellKey(style, source, destination, chosen, split), -1, cache.FixedTTL(matrixMissTTL))
			return MatrixCell{ViewID: -1}, nil
		}
		chosen = append(chosen, choice)
		selected[property] = b.typedValue(property, choice)
	}

	key := b.cellKey(style, source, destination, chosen, split)
	cellName := source + "_" + destination
	labels := resolved([]model.Label{
		b.familyLabel(cellName, 0, selected, "ipv4", true),
		b.familyLabel(cellName, 0, selected, "ipv6", true),
	})
	if viewID, ok := b.deps.MatrixViews.Fetch(key); ok {
		return MatrixCell{Labels: labels, ViewID: viewID}, nil
	}
	if len(labels) == 0 {
		b.deps.MatrixViews.Store(key, -1, cache.FixedTTL(matrixMissTTL))
		return MatrixCell{ViewID: -1}, nil
	}

	viewID, err := b.mintCellView(style, source, destination, chosen, split)
	if err != nil {
		b.deps.Logger.Warningf("no view for matrix cell %s: %s", key, err)
		b.deps.MatrixViews.Store(key, -1, cache.FixedTTL(matrixMissTTL))
		return MatrixCell{Labels: labels, ViewID: -1}, nil
	}
	b.deps.MatrixViews.Store(key, viewID, cache.Sticky)
	return MatrixCell{Labels: labels, ViewID: viewID}, nil
}

func (b *base) mintCellView(style, source, destination string, chosen []string, split string) (int, error) {
	values := append([]string{source, destination}, chosen...)
	description, err := b.GroupFromList(append(values, split))
	if err != nil {
		return 0, err
	}
	return b.deps.Views.AddGroups(style, b.schema.name, 0, []string{description})
}

func (b *base) cellKey(style, source, destination string, chosen []string, split string) string {
	parts := append([]string{b.schema.name, style, source, destination}, chosen...)
	return strings.Join(append(parts, split), "_")
}

// chooseCellValue picks a concrete value for one cell property: the
// wanted value when it is available, else the first available
// preference, else the smallest numeric value on offer.
func (b *base) chooseCellValue(selected map[string]interface{}, property, wanted string) (string, error) {
	listing, err := b.listSelection(selected, "", 1, selectionLimit)
	if err != nil {
		return "", err
	}
	if len(listing.Items) == 0 {
		return "", errors.Errorf("no %q values under the current selection", property)
	}

	available := make(map[string]bool, len(listing.Items))
	texts := make([]string, 0, len(listing.Items))
	for _, item := range listing.Items {
		available[item.Text] = true
		texts = append(texts, item.Text)
	}
	if wanted != "" && available[wanted] {
		return wanted, nil
	}
	for _, preference := range b.schema.preferences[property] {
		if available[preference] {
			return preference, nil
		}
	}
	if smallest := smallestValue(texts); smallest != "" {
		return smallest, nil
	}
	return "", errors.Errorf("no usable %q value under the current selection", property)
}

// smallestValue picks the numerically smallest value, skipping the
// random packet size. A non-numeric value only wins when nothing
// numeric is offered; an empty result means nothing usable was.
func smallestValue(values []string) string {
	best := ""
	bestNumber := 0
	haveNumber := false
	for _, value := range values {
		if value == "random" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			if best == "" {
				best = value
			}
			continue
		}
		if !haveNumber || n < bestNumber {
			haveNumber = true
			bestNumber = n
			best = value
		}
	}
	return best
}

// matrixSplit maps the matrix split option onto a group aggregation.
func matrixSplit(split string) string {
	switch strings.ToLower(split) {
	case "ipv4":
		return AggregationIPv4
	case "ipv6":
		return AggregationIPv6
	default:
		return AggregationFamily
	}
}

func (b *base) listSelection(selected map[string]interface{}, term string, page, pageSize int) (index.Selection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.ListSelection(selected, term, page, pageSize)
}

// typedValue converts the text form of a property value back to the
// type it is indexed under.
func (b *base) typedValue(property, value string) interface{} {
	if b.schema.integer(property) {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return value
}

// detailColumns maps a detail level to the aggregation the exporter
// runs: the matrix wants averages with jitter, full graphs want the
// smokeping-style spread.
func detailColumns(detail string) ([]string, []string) {
	switch detail {
	case "matrix":
		return []string{"median", "median", "loss"}, []string{"avg", "stddev", "avg"}
	case "basic":
		return []string{"median", "loss"}, []string{"avg", "avg"}
	default:
		return []string{"median", "loss"}, []string{"smoke", "avg"}
	}
}

// calculateBinSize picks the aggregation bin for a window so a graph
// gets on the order of historyBins points.
func calculateBinSize(start, end time.Time) int64 {
	window := int64(end.Sub(start) / time.Second)
	for _, size := range []int64{60, 300, 600, 1800, 3600, 7200, 14400} {
		if window <= size*historyBins {
			return size
		}
	}
	return 28800
}
