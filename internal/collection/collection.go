// Package collection implements the measurement kinds the engine can
// resolve: each collection couples a property schema with the stream
// index, the exporter protocol and the view store, and is registered
// under its catalog name.
package collection

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/exporter"
	"github.com/wanduow/ampy/internal/model"
)

// ErrUnknownCollection is returned when no factory is registered for a
// collection name.
var ErrUnknownCollection = errors.New("unknown collection")

// Exporter is the protocol surface a collection needs from the
// exporter client.
type Exporter interface {
	RequestCollections(ctx context.Context) ([]model.Collection, error)
	RequestSeries(ctx context.Context, collection int, mode exporter.SeriesMode, boundary int64) ([]model.Stream, error)
	RequestHistory(ctx context.Context, req exporter.HistoryRequest) (map[string]model.History, error)
}

// MatrixCell is the resolution of one source/destination cell of the
// dashboard matrix: the labels recent data is fetched for and the view
// the cell links through to. ViewID is -1 when the cell has no
// streams.
type MatrixCell struct {
	Labels []model.Label
	ViewID int
}

// Collection resolves groups, selections and matrix cells for one
// measurement kind.
type Collection interface {
	// Name returns the catalog name, module-subtype.
	Name() string
	// ViewStyle returns the view style graphs of this kind are drawn
	// with. Kinds can share a style, which makes their views
	// interchangeable.
	ViewStyle() string
	// MaxGroups returns how many groups a view of this kind may hold,
	// 0 for no limit.
	MaxGroups() int

	// RefreshStreams brings the stream index up to date with the
	// exporter's series catalog.
	RefreshStreams(ctx context.Context) error
	// StreamProperties returns the indexed properties of one stream.
	StreamProperties(streamID int) (map[string]interface{}, error)

	// GroupLabels resolves a group description into labels. With
	// lookup set each label carries its stream ids and labels without
	// any stream are dropped; without it only the label names are
	// filled in.
	GroupLabels(groupID int, description string, lookup bool) ([]model.Label, error)
	// ParseGroupDescription splits a group description into its
	// property values.
	ParseGroupDescription(description string) (map[string]string, error)
	// CreateGroupDescription builds a group description from stream
	// properties, deriving the aggregation from the address family
	// when none is given.
	CreateGroupDescription(properties map[string]interface{}) (string, error)
	// GroupFromList builds a group description from property values
	// listed in schema order.
	GroupFromList(values []string) (string, error)
	// TranslateGroup builds the closest matching group description of
	// this kind from another kind's group properties.
	TranslateGroup(properties map[string]string) (string, error)

	// Selections lists the choices for the first unconstrained schema
	// property, descending through properties that only have one.
	Selections(selected map[string]interface{}, term string, page, pageSize int) (map[string]model.SelectionPage, error)
	// SelectedProperties types a list of selected values in schema
	// order.
	SelectedProperties(values []string) (map[string]interface{}, error)

	// History fetches aggregated history for a set of labels. A zero
	// binSize picks one based on the window, a negative one asks for
	// raw measurements.
	History(ctx context.Context, labels []model.Label, start, end time.Time, detail string, binSize int64) (map[string]model.History, error)
	// Recent fetches one aggregate per label over the trailing
	// duration, along with the names of the labels that timed out.
	Recent(ctx context.Context, labels []model.Label, duration time.Duration, detail string) (map[string][]model.Point, []string, error)
	// MatrixCell resolves one cell of the source/destination matrix,
	// minting and caching the cell's view.
	MatrixCell(ctx context.Context, source, destination, split, style string) (MatrixCell, error)
}
