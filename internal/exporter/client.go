// Package exporter implements the client side of the metric exporter
// protocol: length-prefixed frames carrying snappy-compressed JSON
// over TCP.
package exporter

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/wanduow/ampy/internal/model"
	"github.com/wanduow/ampy/internal/service/log"
	"github.com/wanduow/ampy/internal/service/telemetry"
)

// Defaults used when the configuration leaves a field empty.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 61234
	defaultRetryInterval = 30 * time.Second
)

// fallbackFreq stands in when a label times out before reporting any
// measurement frequency.
const fallbackFreq = 60

// Config is the configuration of the exporter client.
type Config struct {
	Host string
	Port int
	// RetryInterval is the pause between connect attempts.
	RetryInterval time.Duration
	// MaxRetries bounds the connect loop. 0 keeps retrying until the
	// exporter answers or the context is cancelled.
	MaxRetries int
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
}

// SeriesMode selects which series a RequestSeries call asks for.
type SeriesMode int

const (
	// SeriesAll fetches the whole series catalog of a collection; the
	// boundary is the lowest stream id wanted, usually 0.
	SeriesAll SeriesMode = iota
	// SeriesActive fetches only the series that reported measurements
	// since the boundary unix timestamp.
	SeriesActive
)

// HistoryRequest describes one history query. A negative BinSize asks
// for raw measurements instead of aggregated bins.
type HistoryRequest struct {
	Collection int
	Labels     map[string][]int
	Start      time.Time
	End        time.Time
	BinSize    int64
	Columns    []string
	Functions  []string
	GroupBy    []string
}

// Client talks to the metric exporter. Every request opens its own
// session and closes it once the response completes, so a Client keeps
// no connection state between calls and concurrent requests run on
// independent sessions. Once a request is on the wire the receive side
// blocks until the exporter finishes or drops the session; only the
// exporter cuts a query short.
type Client struct {
	cfg       Config
	logger    log.Logger
	telemetry *telemetry.Recorder
}

// NewClient returns a new exporter client.
func NewClient(cfg Config, logger log.Logger, rec *telemetry.Recorder) *Client {
	cfg.defaults()
	if logger == nil {
		logger = log.Dummy
	}
	return &Client{cfg: cfg, logger: logger, telemetry: rec}
}

// connect dials the exporter, waiting RetryInterval between failed
// attempts. With MaxRetries 0 it only gives up when ctx is cancelled.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	var dialer net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if c.cfg.MaxRetries > 0 && attempt >= c.cfg.MaxRetries {
			return nil, errors.Wrapf(ErrConnection, "connecting to %s: %s (%d attempts)", addr, err, attempt)
		}
		c.logger.Warningf("connection to exporter %s failed (%s), retrying in %s", addr, err, c.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrConnection, "connecting to %s: %s", addr, ctx.Err())
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

// RequestCollections fetches the collection catalog.
func (c *Client) RequestCollections(ctx context.Context) ([]model.Collection, error) {
	started := time.Now()
	collections, err := c.requestCollections(ctx)
	c.observe("collections", started, err)
	return collections, err
}

func (c *Client) requestCollections(ctx context.Context) ([]model.Collection, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeFrame(conn, msgRequestCollections, collectionsRequest{Collection: -1}); err != nil {
		return nil, err
	}

	msgType, body, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if msgType != msgCollections {
		return nil, errors.Wrapf(ErrProtocol, "wanted the collection catalog, got message %d", msgType)
	}

	var reply collectionsReply
	if err := decodePayload(body, &reply); err != nil {
		return nil, err
	}
	return reply.Collections, nil
}

// RequestSeries fetches stream descriptions for a collection,
// accumulating reply batches until the terminal one. Batches belonging
// to other collections are ignored.
func (c *Client) RequestSeries(ctx context.Context, collection int, mode SeriesMode, boundary int64) ([]model.Stream, error) {
	started := time.Now()
	streams, err := c.requestSeries(ctx, collection, mode, boundary)
	c.observe("series", started, err)
	return streams, err
}

func (c *Client) requestSeries(ctx context.Context, collection int, mode SeriesMode, boundary int64) ([]model.Stream, error) {
	reqType, replyType := msgRequestSeries, msgSeries
	if mode == SeriesActive {
		reqType, replyType = msgRequestActive, msgActiveSeries
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeFrame(conn, reqType, seriesRequest{Collection: collection, Boundary: boundary}); err != nil {
		return nil, err
	}

	var streams []model.Stream
	for {
		msgType, body, err := readFrame(conn)
		if err != nil {
			return nil, err
		}
		switch msgType {
		case msgQueryCancelled:
			return nil, errors.Wrap(ErrProtocol, "series query cancelled by the exporter")
		case replyType:
		default:
			return nil, errors.Wrapf(ErrProtocol, "wanted series, got message %d", msgType)
		}

		var reply seriesReply
		if err := decodePayload(body, &reply); err != nil {
			return nil, err
		}
		if reply.Collection != collection {
			continue
		}
		streams = append(streams, reply.Streams...)
		if !reply.More {
			return streams, nil
		}
	}
}

// RequestHistory runs one aggregation query (or a raw subscription
// when BinSize is negative) and merges the streamed fragments into one
// History per label. The call only returns once every requested label
// has sent a terminal fragment. Ranges the exporter cancels are
// recorded on the label instead of failing the call; socket failures
// drop any partial results.
func (c *Client) RequestHistory(ctx context.Context, req HistoryRequest) (map[string]model.History, error) {
	started := time.Now()
	history, err := c.requestHistory(ctx, req)
	c.observe("history", started, err)
	return history, err
}

func (c *Client) requestHistory(ctx context.Context, req HistoryRequest) (map[string]model.History, error) {
	if len(req.Labels) == 0 {
		return map[string]model.History{}, nil
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if req.BinSize < 0 {
		err = writeFrame(conn, msgRequestSubscribe, subscribeRequest{
			Collection: req.Collection,
			Labels:     req.Labels,
			Start:      req.Start.Unix(),
			End:        req.End.Unix(),
			Columns:    req.Columns,
		})
	} else {
		err = writeFrame(conn, msgRequestAggregate, aggregateRequest{
			Collection: req.Collection,
			Labels:     req.Labels,
			Start:      req.Start.Unix(),
			End:        req.End.Unix(),
			Columns:    req.Columns,
			Functions:  req.Functions,
			GroupBy:    req.GroupBy,
			BinSize:    req.BinSize,
		})
	}
	if err != nil {
		return nil, err
	}

	return c.mergeHistory(conn, req)
}

type historyState struct {
	history  model.History
	sawData  bool
	complete bool
}

func (c *Client) mergeHistory(conn net.Conn, req HistoryRequest) (map[string]model.History, error) {
	states := make(map[string]*historyState, len(req.Labels))
	for label := range req.Labels {
		states[label] = &historyState{}
	}

	remaining := len(states)
	for remaining > 0 {
		msgType, body, err := readFrame(conn)
		if err != nil {
			return nil, err
		}

		switch msgType {
		case msgSeries, msgActiveSeries:
			// Raw subscriptions describe their streams before sending
			// data; nothing to merge.

		case msgHistory:
			var reply historyReply
			if err := decodePayload(body, &reply); err != nil {
				return nil, err
			}
			if reply.Collection != req.Collection {
				continue
			}
			st, ok := states[reply.Label]
			if !ok {
				c.logger.Debugf("skipping history fragment for label %q that was never requested", reply.Label)
				continue
			}
			st.sawData = true
			if st.history.Freq == 0 && reply.BinSize != 0 {
				st.history.Freq = reply.BinSize
			}
			st.history.Points = append(st.history.Points, reply.Data...)
			if !reply.More && !st.complete {
				st.complete = true
				remaining--
			}

		case msgQueryCancelled:
			var reply cancelledReply
			if err := decodePayload(body, &reply); err != nil {
				return nil, err
			}
			if reply.Collection != req.Collection {
				continue
			}
			timedOut := model.TimeRange{
				Start: time.Unix(reply.Start, 0).UTC(),
				End:   time.Unix(reply.End, 0).UTC(),
			}
			for _, label := range reply.Labels {
				st, ok := states[label]
				if !ok {
					continue
				}
				st.history.TimedOut = append(st.history.TimedOut, timedOut)
				if !reply.More && !st.complete {
					if !st.sawData {
						st.history.Freq = fallbackFreq
					}
					st.complete = true
					remaining--
				}
			}

		default:
			return nil, errors.Wrapf(ErrProtocol, "message %d does not belong to a history request", msgType)
		}
	}

	result := make(map[string]model.History, len(states))
	for label, st := range states {
		result[label] = st.history
	}
	return result, nil
}

func (c *Client) observe(kind string, started time.Time, err error) {
	outcome := telemetry.OutcomeSuccess
	switch {
	case errors.Is(err, ErrConnection):
		outcome = telemetry.OutcomeConnection
	case err != nil:
		outcome = telemetry.OutcomeProtocol
	}
	c.telemetry.ExporterRequest(kind, outcome, time.Since(started))
}
