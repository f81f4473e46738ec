package collection

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/service/cache"
	"github.com/wanduow/ampy/internal/service/log"
	"github.com/wanduow/ampy/internal/service/telemetry"
	"github.com/wanduow/ampy/internal/service/view"
)

// Deps carries everything a collection needs to resolve queries.
type Deps struct {
	// ID is the collection's id in the exporter catalog.
	ID       int
	Exporter Exporter
	Views    view.Store
	Sites    SiteProvider
	// MatrixViews caches resolved matrix cell views across the whole
	// engine.
	MatrixViews *cache.Cache[int]
	// StreamMaxAge is how far back an incremental stream refresh asks
	// for active series.
	StreamMaxAge time.Duration
	Logger       log.Logger
	Telemetry    *telemetry.Recorder
	Clock        clock.Clock
}

// Factory builds one collection from its dependencies.
type Factory func(deps Deps) (Collection, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a collection factory available under its catalog
// name. Meant to be called from package init.
func Register(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

// New builds the collection registered under name.
func New(name string, deps Deps) (Collection, error) {
	factoryMu.RLock()
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCollection, "%q", name)
	}
	return factory(deps)
}

// Names returns the registered collection names, sorted.
func Names() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
