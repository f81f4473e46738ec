package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wanduow/ampy/internal/collection"
	"github.com/wanduow/ampy/internal/controller"
	"github.com/wanduow/ampy/internal/index"
	"github.com/wanduow/ampy/internal/model"
	"github.com/wanduow/ampy/internal/service/log"
)

// defaultMatrixWindow is the trailing window matrix cells summarize
// when the request does not carry one.
const defaultMatrixWindow = 10 * time.Minute

// api serves the query surface over HTTP. Every response is JSON.
type api struct {
	ctl    *controller.Controller
	logger log.Logger
}

// newAPI returns the HTTP handler of the query API.
func newAPI(ctl *controller.Controller, registry *prometheus.Registry, logger log.Logger) http.Handler {
	a := &api{ctl: ctl, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections", a.collections)
	mux.HandleFunc("/api/v1/selections", a.selections)
	mux.HandleFunc("/api/v1/streams", a.streams)
	mux.HandleFunc("/api/v1/history", a.history)
	mux.HandleFunc("/api/v1/recent", a.recent)
	mux.HandleFunc("/api/v1/matrix", a.matrix)
	mux.HandleFunc("/api/v1/eventview", a.eventView)
	mux.HandleFunc("/api/v1/modifyview", a.modifyView)
	mux.HandleFunc("/api/v1/tabview", a.tabView)
	mux.HandleFunc("/healthz", a.healthz)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func (a *api) respond(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Errorf("encoding response: %s", err)
	}
}

// fail maps controller errors onto HTTP statuses: unknown collections
// and streams are not found, invalid selections are bad requests and
// everything else is an internal error.
func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collection.ErrUnknownCollection), errors.Is(err, index.ErrUnknownStream):
		status = http.StatusNotFound
	case errors.Is(err, index.ErrInvalidSelection):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parameter %s", name)
	}
	return value, nil
}

func int64Param(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parameter %s", name)
	}
	return value, nil
}

func (a *api) collections(w http.ResponseWriter, r *http.Request) {
	a.respond(w, map[string][]string{"collections": a.ctl.Collections()})
}

func (a *api) selections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(r, "page", 1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pageSize, err := intParam(r, "pagesize", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pages, err := a.ctl.SelectionOptions(r.Context(), q.Get("collection"), q["selected"], q.Get("term"), page, pageSize)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, pages)
}

func (a *api) streams(w http.ResponseWriter, r *http.Request) {
	streamID, err := intParam(r, "stream", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	properties, err := a.ctl.StreamProperties(r.Context(), r.URL.Query().Get("collection"), streamID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, properties)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		http.Error(w, "start and end are required", http.StatusBadRequest)
		return
	}
	viewID, err := intParam(r, "view", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, err := int64Param(r, "start", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	end, err := int64Param(r, "end", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	binSize, err := int64Param(r, "binsize", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history, err := a.ctl.HistoricData(r.Context(), q.Get("style"), viewID,
		time.Unix(start, 0), time.Unix(end, 0), q.Get("detail"), binSize)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, history)
}

type recentResponse struct {
	Data     map[string][]model.Point `json:"data"`
	Timeouts []string                 `json:"timeouts"`
}

func (a *api) recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	viewID, err := intParam(r, "view", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	duration, err := int64Param(r, "duration", 0)
	if err != nil || duration <= 0 {
		http.Error(w, "a positive duration is required", http.StatusBadRequest)
		return
	}

	data, timeouts, err := a.ctl.RecentData(r.Context(), q.Get("style"), viewID,
		time.Duration(duration)*time.Second, q.Get("detail"))
	if err != nil {
		a.fail(w, err)
		return
	}
	if timeouts == nil {
		timeouts = []string{}
	}
	a.respond(w, recentResponse{Data: data, Timeouts: timeouts})
}

func (a *api) matrix(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	duration, err := int64Param(r, "duration", int64(defaultMatrixWindow/time.Second))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	matrix, err := a.ctl.MatrixData(r.Context(), q.Get("collection"), q.Get("style"), controller.MatrixOptions{
		SourceMesh: q.Get("sourcemesh"),
		DestMesh:   q.Get("destmesh"),
		Split:      q.Get("split"),
	}, time.Duration(duration)*time.Second)
	if err != nil {
		a.fail(w, err)
		return
	}
	if matrix.Timeouts == nil {
		matrix.Timeouts = []string{}
	}
	a.respond(w, matrix)
}

func (a *api) eventView(w http.ResponseWriter, r *http.Request) {
	streamID, err := intParam(r, "stream", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	viewID, err := a.ctl.EventView(r.Context(), r.URL.Query().Get("collection"), streamID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, map[string]int{"view": viewID})
}

func (a *api) modifyView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var req controller.ModifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	viewID, err := a.ctl.ModifyView(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, map[string]int{"view": viewID})
}

// tabView reports on GET whether a view is portable to another
// collection, and mints the translated view on POST.
func (a *api) tabView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	viewID, err := intParam(r, "view", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ok, err := a.ctl.TestTabView(r.Context(), q.Get("style"), q.Get("collection"), viewID)
		if err != nil {
			a.fail(w, err)
			return
		}
		a.respond(w, map[string]bool{"ok": ok})
	case http.MethodPost:
		created, err := a.ctl.CreateTabView(r.Context(), q.Get("style"), q.Get("collection"), viewID)
		if err != nil {
			a.fail(w, err)
			return
		}
		a.respond(w, map[string]int{"view": created})
	default:
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
	}
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
