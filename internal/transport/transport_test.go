package transport

import (
	"Go2NetWatch/internal/dispatch"
	"Go2NetWatch/internal/model"
	"Go2NetWatch/internal/ranking"
	"Go2NetWatch/internal/storage"
	"Go2NetWatch/internal/tracker"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeCommands struct {
	mu           sync.Mutex
	clients      []string
	commands     []dispatch.Command
	unsubscribed []string
}

func (f *fakeCommands) HandleCommand(clientID string, cmd dispatch.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients = append(f.clients, clientID)
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeCommands) Unsubscribe(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, clientID)
}

func (f *fakeCommands) snapshot() ([]string, []dispatch.Command, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clients...), append([]dispatch.Command(nil), f.commands...), append([]string(nil), f.unsubscribed...)
}

func newTestAPI(t *testing.T) (*API, *storage.MemoryRepository) {
	t.Helper()
	repo, err := storage.OpenMemory("")
	require.NoError(t, err)

	table := tracker.NewTable(4)
	counters := tracker.NewCounters()
	events := tracker.NewEventLog(10)
	key := model.ConnKey{
		LocalAddr:  netip.MustParseAddr("10.0.0.2"),
		LocalPort:  51000,
		RemoteAddr: netip.MustParseAddr("93.184.216.34"),
		RemotePort: 443,
		PID:        42,
		Protocol:   model.ProtocolTCP,
	}
	table.Upsert(model.ConnectionRecord{Key: key, ProcessName: "curl", State: model.StateConnected, StartTime: now, LastSeenTime: now})
	counters.AddPort(443, 1500)
	counters.AddSource(key.LocalAddr, 1500)
	events.Appendf("connect %s", key)

	api := &API{
		Reader:      repo,
		Connections: table,
		Top:         ranking.NewEngine(counters, time.Second, time.Minute),
		Totals:      counters,
		Events:      events,
		Links:       tracker.NewInterfaceTracker(events),
		Health:      func() map[string]any { return map[string]any{"clients": 0} },
		now:         func() time.Time { return now },
	}
	return api, repo
}

func get(t *testing.T, h http.Handler, url string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestApplicationsAndTraffic(t *testing.T) {
	api, repo := newTestAPI(t)
	ctx := context.Background()
	app := model.Application{AppID: model.AppID("/usr/bin/curl", "", "curl"), Name: "curl", Path: "/usr/bin/curl", FirstSeen: now}
	require.NoError(t, repo.InsertApplication(ctx, app))
	start := model.BucketStart(now.Add(-2*time.Hour), model.ResolutionHourly)
	require.NoError(t, repo.InsertAppBucket(ctx, model.AppBucket{
		AppID: app.AppID, Resolution: model.ResolutionHourly, BucketStart: start,
		TotalUpload: 100, TotalDownload: 900, RecordCount: 3,
	}))
	h := NewRouter(api, nil, nil)

	var apps []ApplicationView
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/apps", &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "curl", apps[0].Name)

	var buckets []AppBucketView
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/apps/"+app.AppID+"/traffic?resolution=hourly", &buckets))
	require.Len(t, buckets, 1)
	assert.Equal(t, start, buckets[0].BucketStart)
	assert.Equal(t, uint64(900), buckets[0].TotalDownload)
	assert.Equal(t, "hourly", buckets[0].Resolution)

	// A window that ends before the bucket starts is empty.
	to := now.Add(-3 * time.Hour).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/apps/"+app.AppID+"/traffic?to="+to, &buckets))
	assert.Empty(t, buckets)
}

func TestTrafficQueryErrors(t *testing.T) {
	api, _ := newTestAPI(t)
	h := NewRouter(api, nil, nil)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/apps/x/traffic?resolution=yearly", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/apps/x/traffic?from=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/apps/x/traffic?from=2000&to=1000", nil))
	// Interfaces have no monthly table.
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/interfaces/eth0/traffic?resolution=monthly", nil))
}

func TestInterfaceRawSamples(t *testing.T) {
	api, repo := newTestAPI(t)
	require.NoError(t, repo.InsertTrafficSamples(context.Background(), []model.TrafficSample{
		{InterfaceID: "eth0", Timestamp: now.Add(-time.Minute), UploadBytes: 10, DownloadBytes: 20},
		{InterfaceID: "eth0", Timestamp: now.Add(-48 * time.Hour), UploadBytes: 1, DownloadBytes: 1},
	}))
	h := NewRouter(api, nil, nil)

	var rows []TrafficSampleView
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/interfaces/eth0/traffic?resolution=raw", &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(20), rows[0].DownloadBytes)

	var ifaces map[string]json.RawMessage
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/interfaces", &ifaces))
	assert.JSONEq(t, `["eth0"]`, string(ifaces["stored"]))
}

func TestTopListAlwaysHasRequestedLength(t *testing.T) {
	api, _ := newTestAPI(t)
	h := NewRouter(api, nil, nil)

	var top []ranking.Rate
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/top?n=3", &top))
	assert.Len(t, top, 3)
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/top", &top))
	assert.Len(t, top, ranking.MaxTopList)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/top?n=9", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/top?n=0", nil))
}

func TestLiveViews(t *testing.T) {
	api, _ := newTestAPI(t)
	h := NewRouter(api, nil, nil)

	var conns []dispatch.ConnectionView
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/connections", &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "93.184.216.34", conns[0].RemoteAddr)
	assert.Equal(t, uint16(443), conns[0].RemotePort)

	var ports []tracker.PortTotal
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/top/ports?n=1", &ports))
	require.Len(t, ports, 1)
	assert.Equal(t, uint16(443), ports[0].Port)

	var lines []string
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/events", &lines))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "connect")

	var health map[string]any
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])
	assert.Contains(t, health, "clients")
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) dispatch.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env dispatch.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocketCommandsAndPushes(t *testing.T) {
	api, _ := newTestAPI(t)
	hub := NewHub()
	commands := &fakeCommands{}
	srv := httptest.NewServer(NewRouter(api, hub, commands))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(dispatch.Command{Action: dispatch.ActionAdd, Type: dispatch.TypeApplicationInfo, Interval: 5000}))

	var clientID string
	require.Eventually(t, func() bool {
		clients, cmds, _ := commands.snapshot()
		if len(cmds) != 1 {
			return false
		}
		clientID = clients[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	_, cmds, _ := commands.snapshot()
	assert.Equal(t, dispatch.TypeApplicationInfo, cmds[0].Type)
	assert.Equal(t, int64(5000), cmds[0].Interval)
	assert.Equal(t, 1, hub.Clients())

	env := dispatch.Envelope{Type: dispatch.TypeApplicationInfo, Success: true, Data: []string{"a"}, Timestamp: now.UnixMilli()}
	require.NoError(t, hub.Send(context.Background(), clientID, env))
	got := readEnvelope(t, conn)
	assert.Equal(t, dispatch.TypeApplicationInfo, got.Type)
	assert.True(t, got.Success)
	assert.Equal(t, now.UnixMilli(), got.Timestamp)

	// Malformed commands are answered on the same socket.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	got = readEnvelope(t, conn)
	assert.Equal(t, dispatch.TypeError, got.Type)
	assert.False(t, got.Success)
	assert.Contains(t, got.Message, "malformed command")

	conn.Close()
	require.Eventually(t, func() bool {
		_, _, unsubscribed := commands.snapshot()
		return len(unsubscribed) == 1 && unsubscribed[0] == clientID
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Clients())
	assert.ErrorIs(t, hub.Send(context.Background(), clientID, env), ErrUnknownClient)
}

func TestSendToSlowClientHonoursContext(t *testing.T) {
	hub := NewHub()
	c := &client{id: "slow", send: make(chan []byte), done: make(chan struct{})}
	hub.register(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := hub.Send(ctx, "slow", dispatch.Envelope{Type: dispatch.TypeProcessInfo, Success: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(c.done)
	assert.ErrorIs(t, hub.Send(context.Background(), "slow", dispatch.Envelope{}), ErrClientGone)
}
