package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lidarsim/internal/lidar/publish"
	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
	"github.com/banshee-data/lidarsim/internal/lidardb"
	"github.com/banshee-data/lidarsim/internal/testutil"
)

type fixture struct {
	rig   *testutil.Rig
	stats *CaptureStats
	srv   *WebServer
}

func newFixture(t *testing.T, cfg WebServerConfig) *fixture {
	t.Helper()
	rig := testutil.NewRig(t)
	stats := NewCaptureStats()
	s := rig.Sensor(t, "roof")
	publish.Attach(s, visualiser.FrameWorld, stats)
	if cfg.DB != nil {
		require.NoError(t, cfg.DB.Attach(context.Background(), s))
	}

	cfg.Registry = rig.Registry
	cfg.Stats = stats
	srv, err := NewWebServer(cfg)
	require.NoError(t, err)
	return &fixture{rig: rig, stats: stats, srv: srv}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, WebServerConfig{})
	w := testutil.Get(f.srv.Handler(), "/health")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "lidarsim", body["service"])
}

func TestSensorsEndpoint(t *testing.T) {
	f := newFixture(t, WebServerConfig{})
	f.rig.Step(t)
	f.rig.Step(t)

	w := testutil.Get(f.srv.Handler(), "/api/sensors")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	var sensors []SensorInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sensors))
	require.Len(t, sensors, 1)
	got := sensors[0]
	assert.Equal(t, "roof", got.Name)
	assert.Equal(t, "small", got.Model)
	assert.Equal(t, 6, got.Rays)
	assert.Equal(t, uint64(2), got.Captures)
	require.NotNil(t, got.Stats)
	assert.Equal(t, int64(2), got.Stats.Captures)
	assert.Equal(t, 6, got.Stats.LastPoints)
	assert.Equal(t, uint64(2), got.Stats.LastFrame)

	req := httptest.NewRequest(http.MethodPost, "/api/sensors", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestSensorsEndpoint_EmptyIsArray(t *testing.T) {
	srv, err := NewWebServer(WebServerConfig{})
	require.NoError(t, err)
	w := testutil.Get(srv.Handler(), "/api/sensors")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestChart(t *testing.T) {
	f := newFixture(t, WebServerConfig{})
	h := f.srv.Handler()

	testutil.AssertStatusCode(t, testutil.Get(h, "/chart").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, testutil.Get(h, "/chart?sensor=roof").Code, http.StatusNotFound)

	f.rig.Step(t)
	w := testutil.Get(h, "/chart?sensor=roof")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "points=6")

	testutil.AssertStatusCode(t, testutil.Get(h, "/chart?sensor=roof&max_points=5").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, testutil.Get(h, "/chart?sensor=nobody").Code, http.StatusNotFound)
}

func TestPlot(t *testing.T) {
	f := newFixture(t, WebServerConfig{})
	h := f.srv.Handler()

	testutil.AssertStatusCode(t, testutil.Get(h, "/plot.png").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, testutil.Get(h, "/plot.png?sensor=roof").Code, http.StatusNotFound)

	f.rig.Step(t)
	w := testutil.Get(h, "/plot.png?sensor=roof")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestWritePlot_EmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	err := WritePlot(&buf, &visualiser.FrameBundle{SensorName: "roof"}, 2*vg.Inch)
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestTopDown(t *testing.T) {
	b := &visualiser.FrameBundle{PointCloud: &visualiser.PointCloudFrame{
		X:          []float32{1, 2, 3, 4, 5},
		Y:          []float32{0, 0, 0, 0, 0},
		Z:          []float32{10, 20, 30, 40, 50},
		Distance:   []float32{1, 1, 1, 1, 1},
		Ring:       []int32{0, 0, 0, 0, 0},
		PointCount: 5,
	}}
	xys := TopDown(b, 2)
	require.Len(t, xys, 3)
	assert.Equal(t, 3.0, xys[1].X)
	assert.Equal(t, 30.0, xys[1].Y)
	assert.Nil(t, TopDown(nil, 1))
	assert.Len(t, TopDown(b, 0), 5)
}

func TestStatusPage(t *testing.T) {
	f := newFixture(t, WebServerConfig{Address: "localhost:8081"})
	f.rig.Step(t)

	w := testutil.Get(f.srv.Handler(), "/")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	body := w.Body.String()
	assert.Contains(t, body, "localhost:8081")
	assert.Contains(t, body, "/chart?sensor=roof")
	assert.NotContains(t, body, "websocket feed")

	testutil.AssertStatusCode(t, testutil.Get(f.srv.Handler(), "/nope").Code, http.StatusNotFound)
}

func TestCapturesEndpoint(t *testing.T) {
	db, err := lidardb.Open(filepath.Join(t.TempDir(), "captures.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := newFixture(t, WebServerConfig{DB: db})
	for range 3 {
		f.rig.Step(t)
	}
	h := f.srv.Handler()

	w := testutil.Get(h, "/api/captures?sensor=roof&limit=2")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var captures []lidardb.CaptureRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &captures))
	require.Len(t, captures, 2)
	for _, c := range captures {
		assert.Equal(t, 6, c.PointCount)
	}

	testutil.AssertStatusCode(t, testutil.Get(h, "/api/captures").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, testutil.Get(h, "/api/captures?sensor=roof&limit=0").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, testutil.Get(h, "/api/captures?sensor=nobody").Code, http.StatusNotFound)
}

func TestCapturesEndpoint_AbsentWithoutDB(t *testing.T) {
	f := newFixture(t, WebServerConfig{})
	// Falls through to the status handler.
	testutil.AssertStatusCode(t, testutil.Get(f.srv.Handler(), "/api/captures?sensor=roof").Code, http.StatusNotFound)
}

func TestWebSocketRoute(t *testing.T) {
	hub := publish.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	f := newFixture(t, WebServerConfig{WebSocket: hub})
	publish.Attach(f.rig.Registry.Leader(), visualiser.FrameWorld, hub)

	srv := httptest.NewServer(f.srv.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.rig.Step(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got publish.FrameSummary
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "roof", got.Sensor)
	assert.Equal(t, 6, got.Points)
}

func TestCaptureStats(t *testing.T) {
	cs := NewCaptureStats()
	for _, name := range []string{"rear", "front", "rear"} {
		require.NoError(t, cs.PublishFrame(&visualiser.FrameBundle{
			SensorName: name,
			FrameID:    7,
			PointCloud: &visualiser.PointCloudFrame{PointCount: 4},
		}))
	}
	require.NoError(t, cs.PublishFrame(&visualiser.FrameBundle{SensorName: "front", FrameID: 8}))

	snap := cs.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "front", snap[0].Name)
	assert.Equal(t, "rear", snap[1].Name)
	assert.Equal(t, int64(2), snap[1].Captures)
	assert.Equal(t, int64(8), snap[1].Points)
	assert.Equal(t, uint64(8), snap[0].LastFrame)
	assert.Zero(t, snap[0].LastPoints)

	_, ok := cs.Sensor("side")
	assert.False(t, ok)
	assert.Nil(t, cs.Latest("side"))
	assert.Equal(t, uint64(8), cs.Latest("front").FrameID)

	cs.LogStats()
	cs.mu.Lock()
	assert.Zero(t, cs.captures)
	cs.mu.Unlock()
}

func TestFormatWithCommas(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-1234, "-1,234"},
		{-12, "-12"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatWithCommas(tt.in))
	}
}
