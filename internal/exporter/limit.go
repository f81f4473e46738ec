package exporter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/model"
)

// Requester is the request surface Limit wraps.
type Requester interface {
	RequestCollections(ctx context.Context) ([]model.Collection, error)
	RequestSeries(ctx context.Context, collection int, mode SeriesMode, boundary int64) ([]model.Stream, error)
	RequestHistory(ctx context.Context, req HistoryRequest) (map[string]model.History, error)
}

// LimitConfig configures a Limit.
type LimitConfig struct {
	// Timeout bounds every request, queueing included. 0 disables the
	// bound.
	Timeout time.Duration
	// MaxConcurrent caps the requests in flight at once. Every request
	// runs on its own exporter session, so the cap directly limits the
	// sessions held open. 0 leaves them uncapped.
	MaxConcurrent int
}

// Limit wraps a Requester with a per-request timeout and a cap on
// concurrent requests.
type Limit struct {
	next Requester
	cfg  LimitConfig
	sem  chan struct{}
}

// NewLimit returns a Limit around next.
func NewLimit(next Requester, cfg LimitConfig) *Limit {
	var sem chan struct{}
	if cfg.MaxConcurrent > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return &Limit{next: next, cfg: cfg, sem: sem}
}

// RequestCollections satisfies the Requester interface.
func (l *Limit) RequestCollections(ctx context.Context) ([]model.Collection, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	release, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.RequestCollections(ctx)
}

// RequestSeries satisfies the Requester interface.
func (l *Limit) RequestSeries(ctx context.Context, collection int, mode SeriesMode, boundary int64) ([]model.Stream, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	release, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.RequestSeries(ctx, collection, mode, boundary)
}

// RequestHistory satisfies the Requester interface.
func (l *Limit) RequestHistory(ctx context.Context, req HistoryRequest) (map[string]model.History, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	release, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.RequestHistory(ctx, req)
}

func (l *Limit) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.cfg.Timeout)
}

func (l *Limit) acquire(ctx context.Context) (func(), error) {
	if l.sem == nil {
		return func() {}, nil
	}
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for an exporter session")
	}
}
