package transport

import (
	"Go2NetWatch/internal/dispatch"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"Go2NetWatch/internal/ranking"
	"Go2NetWatch/internal/storage"
	"Go2NetWatch/internal/tracker"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultWindow = 24 * time.Hour

// Live is the in-memory state the API reads besides the store.
type Live interface {
	Snapshot() []model.ConnectionRecord
}

// Leaderboard serves the rate top list.
type Leaderboard interface {
	TopList(n int) []ranking.Rate
}

// Totals serves the cumulative port and source counters.
type Totals interface {
	TopPorts(n int) []tracker.PortTotal
	TopSources(n int) []tracker.SourceTotal
}

// EventLines serves the recent connection event log.
type EventLines interface {
	Lines() []string
}

// LinkStates serves the last known state of every interface.
type LinkStates interface {
	Interfaces() []tracker.InterfaceStatus
}

// API is the read-only HTTP query surface.
type API struct {
	Reader      storage.Reader
	Connections Live
	Top         Leaderboard
	Totals      Totals
	Events      EventLines
	Links       LinkStates
	// Health returns the component statistics reported by /healthz.
	Health func() map[string]any

	now func() time.Time
	log *zap.SugaredLogger
}

// NewRouter mounts the query API and, when hub is non-nil, the WebSocket endpoint.
func NewRouter(api *API, hub *Hub, commands Commands) *mux.Router {
	if api.now == nil {
		api.now = time.Now
	}
	api.log = logging.L("transport.api")

	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/apps", api.applications).Methods(http.MethodGet)
	v1.HandleFunc("/apps/{id}/traffic", api.appTraffic).Methods(http.MethodGet)
	v1.HandleFunc("/interfaces", api.interfaces).Methods(http.MethodGet)
	v1.HandleFunc("/interfaces/{id}/traffic", api.interfaceTraffic).Methods(http.MethodGet)
	v1.HandleFunc("/top", api.top).Methods(http.MethodGet)
	v1.HandleFunc("/top/ports", api.topPorts).Methods(http.MethodGet)
	v1.HandleFunc("/top/sources", api.topSources).Methods(http.MethodGet)
	v1.HandleFunc("/connections", api.connections).Methods(http.MethodGet)
	v1.HandleFunc("/events", api.events).Methods(http.MethodGet)
	r.HandleFunc("/healthz", api.health).Methods(http.MethodGet)
	if hub != nil {
		r.HandleFunc("/ws", hub.Handler(commands))
	}
	return r
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warnw("Failed to write response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.log.Errorw("Query failed", "error", err)
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) applications(w http.ResponseWriter, r *http.Request) {
	apps, err := a.Reader.Applications(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]ApplicationView, 0, len(apps))
	for _, app := range apps {
		out = append(out, applicationView(app))
	}
	a.writeJSON(w, http.StatusOK, out)
}

// trafficQuery is the parsed resolution and window of a traffic request.
type trafficQuery struct {
	res      model.Resolution
	from, to time.Time
}

// parseTrafficQuery reads resolution (default hourly), from and to. Times are RFC3339 or
// unix seconds; the window defaults to the last day.
func (a *API) parseTrafficQuery(r *http.Request) (trafficQuery, error) {
	q := trafficQuery{res: model.ResolutionHourly, to: a.now()}
	values := r.URL.Query()
	if s := values.Get("resolution"); s != "" {
		res, err := model.ParseResolution(s)
		if err != nil {
			return q, err
		}
		q.res = res
	}
	if s := values.Get("to"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return q, fmt.Errorf("invalid to: %w", err)
		}
		q.to = t
	}
	q.from = q.to.Add(-defaultWindow)
	if s := values.Get("from"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return q, fmt.Errorf("invalid from: %w", err)
		}
		q.from = t
	}
	if q.from.After(q.to) {
		return q, fmt.Errorf("from %s is after to %s", q.from.Format(time.RFC3339), q.to.Format(time.RFC3339))
	}
	return q, nil
}

func parseTime(s string) (time.Time, error) {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func (a *API) appTraffic(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q, err := a.parseTrafficQuery(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if q.res == model.ResolutionRaw {
		rows, err := a.Reader.AppSamples(r.Context(), id, q.from, q.to)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := make([]AppSampleView, 0, len(rows))
		for _, s := range rows {
			out = append(out, appSampleView(s))
		}
		a.writeJSON(w, http.StatusOK, out)
		return
	}
	buckets, err := a.Reader.AppRange(r.Context(), id, q.res, q.from, q.to)
	if err != nil {
		a.writeError(w, statusOf(err), err)
		return
	}
	out := make([]AppBucketView, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, appBucketView(b))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) interfaces(w http.ResponseWriter, r *http.Request) {
	stored, err := a.Reader.Interfaces(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	var live []tracker.InterfaceStatus
	if a.Links != nil {
		live = a.Links.Interfaces()
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"stored": stored, "live": live})
}

func (a *API) interfaceTraffic(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q, err := a.parseTrafficQuery(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if q.res == model.ResolutionRaw {
		rows, err := a.Reader.InterfaceSamples(r.Context(), id, q.from, q.to)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := make([]TrafficSampleView, 0, len(rows))
		for _, s := range rows {
			out = append(out, trafficSampleView(s))
		}
		a.writeJSON(w, http.StatusOK, out)
		return
	}
	buckets, err := a.Reader.InterfaceRange(r.Context(), id, q.res, q.from, q.to)
	if err != nil {
		a.writeError(w, statusOf(err), err)
		return
	}
	out := make([]InterfaceBucketView, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, interfaceBucketView(b))
	}
	a.writeJSON(w, http.StatusOK, out)
}

// statusOf maps a storage read error to an HTTP status.
func statusOf(err error) int {
	if errors.Is(err, storage.ErrUnsupportedResolution) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// limit reads the n query parameter, defaulting to def and rejecting values outside [1, upper].
func limit(r *http.Request, def, upper int) (int, error) {
	s := r.URL.Query().Get("n")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > upper {
		return 0, fmt.Errorf("n must be an integer between 1 and %d", upper)
	}
	return n, nil
}

func (a *API) top(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r, ranking.MaxTopList, ranking.MaxTopList)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.Top.TopList(n))
}

func (a *API) topPorts(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r, 10, 1000)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.Totals.TopPorts(n))
}

func (a *API) topSources(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r, 10, 1000)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.Totals.TopSources(n))
}

func (a *API) connections(w http.ResponseWriter, r *http.Request) {
	recs := a.Connections.Snapshot()
	out := make([]dispatch.ConnectionView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, dispatch.NewConnectionView(rec))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) events(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Events.Lines())
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "time": a.now().UTC().Format(time.RFC3339)}
	if a.Health != nil {
		for k, v := range a.Health() {
			body[k] = v
		}
	}
	a.writeJSON(w, http.StatusOK, body)
}
