package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saviobatista/asset-tracker/internal/clock"
	"github.com/saviobatista/asset-tracker/internal/labels"
	"github.com/saviobatista/asset-tracker/internal/session"
	"github.com/saviobatista/asset-tracker/internal/stats"
	"github.com/saviobatista/asset-tracker/internal/testutils"
	"github.com/saviobatista/asset-tracker/internal/types"
)

type fakeHistory struct {
	trace        types.Trace
	err          error
	since, until time.Time
}

func (f *fakeHistory) GetPositionHistory(_ context.Context, _ string, since, until time.Time) (types.Trace, error) {
	f.since, f.until = since, until
	return f.trace, f.err
}

func newTestServer(t *testing.T) (*Server, *session.Session) {
	t.Helper()

	fleet := []types.Asset{
		{ID: "a1", Name: "Pallet", Trace: testutils.MockTrace(5), TargetReached: true},
	}
	sess := session.New(fleet, labels.New(zerolog.Nop()), clock.New(testutils.Epoch, types.ModeDemo), zerolog.Nop())
	return New(sess, zerolog.Nop()), sess
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["labels"])
}

func TestSmartLabels(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/smart-labels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]types.AssetView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, "a1", views[0].ID)

	rec = do(t, h, http.MethodGet, "/api/smart-labels/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[session.AssetDetail](t, rec)
	assert.Len(t, detail.Trace, 5)

	rec = do(t, h, http.MethodGet, "/api/smart-labels/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Smart label not found", decode[map[string]string](t, rec)["message"])
}

func TestCreateLabel(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/real-time-labels", `{"macId":"AA:BB","name":"Forklift"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[types.RealTimeLabel](t, rec)
	assert.Equal(t, "AA:BB", created.MacID)
	assert.Equal(t, "Forklift", created.Name)
	assert.NotEmpty(t, created.ID)

	rec = do(t, h, http.MethodPost, "/api/real-time-labels", `{"macId":"AA:BB","name":"Other"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[types.RealTimeLabel](t, rec).ID)

	rec = do(t, h, http.MethodPost, "/api/real-time-labels", `{"name":"No mac"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MAC ID is required", decode[map[string]string](t, rec)["message"])

	rec = do(t, h, http.MethodPost, "/api/real-time-labels", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLabel(t *testing.T) {
	srv, sess := newTestServer(t)
	h := srv.Handler()

	label, _, err := sess.Registry().Add("CC", "Crate")
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/real-time-labels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.RealTimeLabel](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/real-time-labels/"+label.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CC", decode[types.RealTimeLabel](t, rec).MacID)

	rec = do(t, h, http.MethodGet, "/api/real-time-labels/mac/CC", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, label.ID, decode[types.RealTimeLabel](t, rec).ID)

	for _, path := range []string{"/api/real-time-labels/missing", "/api/real-time-labels/mac/missing"} {
		rec = do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "Real-time label not found", decode[map[string]string](t, rec)["message"])
	}
}

func TestUpdatePosition(t *testing.T) {
	srv, sess := newTestServer(t)
	st := stats.New(zerolog.Nop())
	srv.SetStats(st)
	h := srv.Handler()

	label, _, err := sess.Registry().Add("DD", "Trolley")
	require.NoError(t, err)
	path := "/api/real-time-labels/" + label.ID + "/position"

	rec := do(t, h, http.MethodPut, path, `{"lat":1,"lng":2}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, sess.Run(context.Background()))
	t.Cleanup(sess.Teardown)

	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		message string
	}{
		{"valid", path, `{"lat":40.7128,"lng":-74.006}`, http.StatusOK, ""},
		{"missing lng", path, `{"lat":40.7128}`, http.StatusBadRequest, "Valid latitude and longitude are required"},
		{"not json", path, `nope`, http.StatusBadRequest, "Valid latitude and longitude are required"},
		{"out of range", path, `{"lat":91,"lng":0}`, http.StatusBadRequest, "Valid latitude and longitude are required"},
		{"unknown label", "/api/real-time-labels/missing/position", `{"lat":1,"lng":2}`, http.StatusNotFound, "Real-time label not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPut, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.message != "" {
				assert.Equal(t, tt.message, decode[map[string]string](t, rec)["message"])
			}
		})
	}

	got, ok := sess.Registry().Get(label.ID)
	require.True(t, ok)
	assert.Equal(t, 40.7128, got.Position.Lat)
	assert.Equal(t, -74.006, got.Position.Lng)

	snap := st.Snapshot()
	assert.EqualValues(t, 4, snap.SourceCounts["api"])
}

func TestUpdatePosition_OrderedWithQueuedUpdates(t *testing.T) {
	srv, sess := newTestServer(t)
	h := srv.Handler()

	label, _, err := sess.Registry().Add("EE", "")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []float64
	sess.Registry().OnUpdate(func(l types.RealTimeLabel, _ types.PositionUpdate) {
		mu.Lock()
		order = append(order, l.Position.Lat)
		mu.Unlock()
	})

	require.NoError(t, sess.Run(context.Background()))
	t.Cleanup(sess.Teardown)

	for i := 1; i <= 20; i++ {
		require.NoError(t, sess.Submit(context.Background(), types.PositionUpdate{
			LabelID:  label.ID,
			Position: types.TracePoint{Lat: float64(i), Lng: 0},
		}))
	}
	rec := do(t, h, http.MethodPut, "/api/real-time-labels/"+label.ID+"/position", `{"lat":21,"lng":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 21.0, decode[types.RealTimeLabel](t, rec).Position.Lat)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 21)
	for i, lat := range order {
		assert.Equal(t, float64(i+1), lat)
	}
}

func TestHistory(t *testing.T) {
	srv, sess := newTestServer(t)
	label, _, err := sess.Registry().Add("EE", "Cart")
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/history/"+label.ID, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	history := &fakeHistory{trace: testutils.MockTrace(3)}
	srv.SetHistory(history)
	now := time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }
	h := srv.Handler()

	rec = do(t, h, http.MethodGet, "/api/history/"+label.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[historyResponse](t, rec)
	assert.Equal(t, label.ID, body.LabelID)
	assert.Len(t, body.Trace, 3)
	assert.Equal(t, 2*time.Minute, body.Summary.Duration)
	assert.True(t, history.until.Equal(now))
	assert.True(t, history.since.Equal(now.Add(-DefaultHistoryWindow)))

	rec = do(t, h, http.MethodGet, "/api/history/"+label.ID+"?since=2025-04-01T10:00:00Z&until=2025-04-01T11:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, history.since.Equal(testutils.Epoch))
	assert.True(t, history.until.Equal(testutils.Epoch.Add(time.Hour)))

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown label", "/api/history/missing", http.StatusNotFound},
		{"bad since", "/api/history/" + label.ID + "?since=yesterday", http.StatusBadRequest},
		{"bad until", "/api/history/" + label.ID + "?until=later", http.StatusBadRequest},
		{"inverted window", "/api/history/" + label.ID + "?since=2025-04-01T12:00:00Z&until=2025-04-01T11:00:00Z", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, do(t, h, http.MethodGet, tt.path, "").Code)
		})
	}

	history.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/history/"+label.ID, "").Code)
}

func TestSimulationControls(t *testing.T) {
	srv, sess := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/simulation/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[clock.State](t, rec).Running)
	assert.False(t, sess.Clock().Running())

	rec = do(t, h, http.MethodPost, "/api/simulation/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[clock.State](t, rec).Running)

	rec = do(t, h, http.MethodPost, "/api/simulation/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[clock.State](t, rec).CurrentTime.Equal(testutils.Epoch))

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/simulation/rewind", "").Code)

	rec = do(t, h, http.MethodPut, "/api/simulation/rate", `{"rate":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10.0, decode[clock.State](t, rec).Rate)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/simulation/rate", `{}`).Code)

	rec = do(t, h, http.MethodPut, "/api/simulation/mode", `{"mode":"realtime"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.ModeRealtime, decode[clock.State](t, rec).Mode)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/simulation/mode", `{"mode":"warp"}`).Code)

	rec = do(t, h, http.MethodGet, "/api/simulation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[session.Snapshot](t, rec)
	assert.Len(t, snap.Assets, 1)
	assert.Equal(t, types.ModeRealtime, snap.Clock.Mode)
}

func TestWebhook(t *testing.T) {
	srv, sess := newTestServer(t)
	st := stats.New(zerolog.Nop())
	srv.SetStats(st)
	h := srv.Handler()

	body := `{"token":"t","mac_id":"FF","lat":34.1,"long":-118.3,"status":"ok","timestamp":1743501600,"is_latest":true}`

	rec := do(t, h, http.MethodPost, "/api/webhooks/shiprec", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	sess.Registry().SetAutoRegister(true)
	require.NoError(t, sess.Run(context.Background()))
	t.Cleanup(sess.Teardown)

	rec = do(t, h, http.MethodPost, "/api/webhooks/shiprec", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", decode[map[string]string](t, rec)["status"])

	require.Eventually(t, func() bool {
		_, ok := sess.Registry().GetByMac("FF")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/webhooks/shiprec", `{"mac_id":"FF","lat":1,"long":2,"timestamp":1743501600000,"is_latest":false}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "skipped", decode[map[string]string](t, rec)["status"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/webhooks/shiprec", `[]`).Code)
	assert.EqualValues(t, 2, st.Snapshot().SourceCounts["webhook"])
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), http.MethodGet, "/metrics", "").Code)

	m, err := stats.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	m.ClockTicks.Inc()
	srv.SetMetricsHandler(m.Handler())

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tracker_clock_ticks_total 1")
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket(t *testing.T) {
	srv, sess := newTestServer(t)
	label, _, err := sess.Registry().Add("GG", "Bin")
	require.NoError(t, err)
	require.NoError(t, sess.Run(context.Background()))
	t.Cleanup(sess.Teardown)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readMessage(t, conn)
	assert.Equal(t, MessageLabels, msg.Type)
	list, ok := msg.Data.([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)
	require.Eventually(t, func() bool { return srv.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     MessageUpdatePosition,
		"id":       label.ID,
		"position": map[string]any{"lat": 51.5074, "lng": -0.1278},
	}))

	msg = readMessage(t, conn)
	require.Equal(t, MessageLabelUpdated, msg.Type)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, label.ID, data["id"])

	got, _ := sess.Registry().Get(label.ID)
	assert.Equal(t, 51.5074, got.Position.Lat)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": MessageUpdatePosition, "id": label.ID}))
	assert.Equal(t, MessageError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, MessageError, readMessage(t, conn).Type)

	srv.Hub().Broadcast(MessageSimulation, sess.Snapshot())
	assert.Equal(t, MessageSimulation, readMessage(t, conn).Type)

	conn.Close()
	require.Eventually(t, func() bool { return srv.Hub().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, MessageLabels, readMessage(t, conn).Type)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.RunBroadcasts(ctx, 20*time.Millisecond)
		close(done)
	}()

	assert.Equal(t, MessageSimulation, readMessage(t, conn).Type)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunBroadcasts did not stop")
	}
}
