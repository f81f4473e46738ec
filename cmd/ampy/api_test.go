package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanduow/ampy/internal/collection"
	"github.com/wanduow/ampy/internal/controller"
	"github.com/wanduow/ampy/internal/exporter"
	"github.com/wanduow/ampy/internal/model"
	"github.com/wanduow/ampy/internal/service/log"
	"github.com/wanduow/ampy/internal/service/telemetry"
	"github.com/wanduow/ampy/internal/service/view"
)

type fakeExporter struct {
	history func(ctx context.Context, req exporter.HistoryRequest) (map[string]model.History, error)
}

func (f *fakeExporter) RequestCollections(context.Context) ([]model.Collection, error) {
	return []model.Collection{{ID: 3, Module: "amp", Subtype: "icmp"}}, nil
}

func (f *fakeExporter) RequestSeries(context.Context, int, exporter.SeriesMode, int64) ([]model.Stream, error) {
	return []model.Stream{
		{ID: 1, Properties: map[string]interface{}{"source": "akl", "destination": "www.example.com", "packet_size": "84", "family": "ipv4"}},
		{ID: 2, Properties: map[string]interface{}{"source": "akl", "destination": "www.example.com", "packet_size": "84", "family": "ipv6"}},
		{ID: 3, Properties: map[string]interface{}{"source": "wlg", "destination": "www.example.com", "packet_size": "84", "family": "ipv4"}},
	}, nil
}

func (f *fakeExporter) RequestHistory(ctx context.Context, req exporter.HistoryRequest) (map[string]model.History, error) {
	if f.history != nil {
		return f.history(ctx, req)
	}
	return map[string]model.History{}, nil
}

type apiFixture struct {
	handler  http.Handler
	exporter *fakeExporter
	views    view.Store
}

func newTestAPI(t *testing.T) *apiFixture {
	t.Helper()

	exp := &fakeExporter{}
	views := view.NewMemory()
	registry := prometheus.NewRegistry()

	ctl, err := controller.New(controller.Config{
		Exporter: exp,
		Views:    views,
		Sites: collection.NewStaticSites(
			map[string][]string{"nz": {"akl"}},
			map[string][]string{"targets": {"www.example.com"}},
		),
		Telemetry: telemetry.New(registry),
	})
	require.NoError(t, err)
	require.NoError(t, ctl.Start(context.Background()))

	return &apiFixture{handler: newAPI(ctl, registry, log.Dummy), exporter: exp, views: views}
}

func (f *apiFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	return f.request(t, http.MethodGet, path, "")
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(into))
}

func TestAPICollections(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/collections")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string][]string
	decode(t, rec, &got)
	assert.Equal(t, map[string][]string{"collections": {"amp-icmp"}}, got)
}

func TestAPISelections(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/selections?collection=amp-icmp")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]model.SelectionPage
	decode(t, rec, &got)
	assert.Equal(t, map[string]model.SelectionPage{
		"source": {MaxItems: 2, Items: []model.SelectionItem{
			{ID: "akl", Text: "akl"},
			{ID: "wlg", Text: "wlg"},
		}},
	}, got)

	rec = fx.get(t, "/api/v1/selections?collection=amp-dns")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.get(t, "/api/v1/selections?collection=amp-icmp&page=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIStreams(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/streams?collection=amp-icmp&stream=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	decode(t, rec, &got)
	assert.Equal(t, "akl", got["source"])

	rec = fx.get(t, "/api/v1/streams?collection=amp-icmp&stream=99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIHistory(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/history?style=amp-latency&view=1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	viewID, err := fx.views.AddGroups("amp-latency", "amp-icmp", 0,
		[]string{"source=akl destination=www.example.com packet_size=84 aggregation=FULL"})
	require.NoError(t, err)
	require.Equal(t, 1, viewID)

	fx.exporter.history = func(_ context.Context, req exporter.HistoryRequest) (map[string]model.History, error) {
		return map[string]model.History{"group_1": {Freq: 60}}, nil
	}

	rec = fx.get(t, "/api/v1/history?style=amp-latency&view=1&start=1599990000&end=1599993600")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]model.History
	decode(t, rec, &got)
	require.Contains(t, got, "group_1")
	assert.Equal(t, int64(60), got["group_1"].Freq)
}

func TestAPIHistoryUnknownView(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/history?style=amp-latency&view=9&start=1000&end=2000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestAPIRecent(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/recent?style=amp-latency&view=1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := fx.views.AddGroups("amp-latency", "amp-icmp", 0,
		[]string{"source=akl destination=www.example.com packet_size=84 aggregation=FULL"})
	require.NoError(t, err)

	fx.exporter.history = func(_ context.Context, req exporter.HistoryRequest) (map[string]model.History, error) {
		return map[string]model.History{"group_1": {TimedOut: []model.TimeRange{{}}}}, nil
	}

	rec = fx.get(t, "/api/v1/recent?style=amp-latency&view=1&duration=600&detail=matrix")
	require.Equal(t, http.StatusOK, rec.Code)

	var got recentResponse
	decode(t, rec, &got)
	assert.Contains(t, got.Data, "group_1")
	assert.Equal(t, []string{"group_1"}, got.Timeouts)
}

func TestAPIMatrix(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/matrix?collection=amp-icmp&sourcemesh=nz&destmesh=targets")
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Matrix
	decode(t, rec, &got)
	assert.Equal(t, []string{"akl"}, got.Sources)
	assert.Equal(t, []string{"www.example.com"}, got.Destinations)
	assert.Equal(t, map[string]map[string]int{"akl": {"www.example.com": 1}}, got.Views)

	rec = fx.get(t, "/api/v1/matrix?collection=amp-dns&sourcemesh=nz&destmesh=targets")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIEventView(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/eventview?collection=amp-icmp&stream=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]int
	decode(t, rec, &got)
	assert.Equal(t, map[string]int{"view": 1}, got)

	rec = fx.get(t, "/api/v1/eventview?collection=amp-icmp&stream=99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIModifyView(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/api/v1/modifyview")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	body := `{"collection": "amp-icmp", "style": "amp-latency", "view": 0, "action": "add",
		"options": ["akl", "www.example.com", "84", "full"]}`
	rec = fx.request(t, http.MethodPost, "/api/v1/modifyview", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]int
	decode(t, rec, &got)
	assert.Equal(t, map[string]int{"view": 1}, got)

	rec = fx.request(t, http.MethodPost, "/api/v1/modifyview", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPITabView(t *testing.T) {
	fx := newTestAPI(t)

	_, err := fx.views.AddGroups("amp-latency", "amp-icmp", 0,
		[]string{"source=akl destination=www.example.com packet_size=84 aggregation=FAMILY"})
	require.NoError(t, err)

	rec := fx.get(t, "/api/v1/tabview?style=amp-latency&collection=amp-icmp&view=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var ok map[string]bool
	decode(t, rec, &ok)
	assert.Equal(t, map[string]bool{"ok": true}, ok)

	rec = fx.request(t, http.MethodPost, "/api/v1/tabview?style=amp-latency&collection=amp-icmp&view=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]int
	decode(t, rec, &created)
	assert.Equal(t, map[string]int{"view": 1}, created)
}

func TestAPIHealthz(t *testing.T) {
	fx := newTestAPI(t)

	rec := fx.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIMetrics(t *testing.T) {
	fx := newTestAPI(t)

	// A data request forces an index refresh, which shows up on the
	// refresh counter.
	rec := fx.get(t, "/api/v1/selections?collection=amp-icmp")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ampy_index_refreshes_total")
}
