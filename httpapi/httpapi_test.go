package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickman/tsdblite/ingest"
	"github.com/nickman/tsdblite/metric"
	"github.com/nickman/tsdblite/registry"
	"github.com/nickman/tsdblite/sub"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(t *testing.T) (*httptest.Server, *metric.Cache) {
	t.Helper()

	ccfg := metric.DefaultCacheConfig()
	ccfg.Expiry = time.Hour
	ccfg.ExpiryPeriod = time.Hour
	cache := metric.NewCache(ccfg, registry.NoopExposer{}, testLogger())
	mgr := sub.NewManager(sub.DefaultConfig(), cache, testLogger())

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx))
	require.NoError(t, cache.Start(ctx))
	t.Cleanup(func() {
		_ = cache.Stop(time.Second)
		_ = mgr.Stop(time.Second)
	})

	reg := registry.New()

	handler := NewHandler(Deps{
		Ingestor: ingest.NewIngestor(cache, testLogger()),
		Manager:  mgr,
		Cache:    cache,
		Registry: reg,
		Logger:   testLogger(),
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, cache
}

func TestPutSingleObject(t *testing.T) {
	srv, cache := newTestAPI(t)

	body := `{"metric":"sys.cpu","timestamp":1429655663,"value":42,"tags":{"host":"web1"}}`
	resp, err := http.Post(srv.URL+"/api/put", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, int64(1), cache.Size())
}

func TestPutArray(t *testing.T) {
	srv, cache := newTestAPI(t)

	body := `[
		{"metric":"sys.cpu","timestamp":1429655663,"value":42,"tags":{"host":"web1"}},
		{"metric":"sys.mem","timestamp":1429655663,"value":512.5,"tags":{"host":"web1"}}
	]`
	resp, err := http.Post(srv.URL+"/api/put", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, int64(2), cache.Size())
}

func TestPutInvalidPayload(t *testing.T) {
	srv, cache := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing metric", `{"timestamp":1429655663,"value":42,"tags":{"host":"a"}}`},
		{"bad json", `{"metric":`},
		{"one bad element rejects all", `[
			{"metric":"sys.cpu","timestamp":1429655663,"value":42,"tags":{"host":"a"}},
			{"metric":"","timestamp":1429655663,"value":1,"tags":{"host":"a"}}
		]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/put", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			reason, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.NotEmpty(t, reason)
		})
	}
	assert.Equal(t, int64(0), cache.Size())
}

func TestPutMethodNotAllowed(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/put")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUnknownRoutes(t *testing.T) {
	srv, _ := newTestAPI(t)

	for _, path := range []string{"/api/bogus", "/api/s/index.html", "/favicon.ico", "/nope"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tsdblite_protocol_rejections_total")
}

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketSessionGreeting(t *testing.T) {
	srv, _ := newTestAPI(t)
	conn := wsDial(t, srv)

	greeting := readFrame(t, conn)
	assert.NotEmpty(t, greeting["session"])
}

func TestWebSocketPing(t *testing.T) {
	srv, _ := newTestAPI(t)
	conn := wsDial(t, srv)
	readFrame(t, conn) // greeting

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"rid":1,"op":"ping"}`)))

	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["response"])
	assert.Equal(t, float64(1), frame["rerid"])
}

func TestWebSocketSubscribeReceivesData(t *testing.T) {
	srv, cache := newTestAPI(t)
	conn := wsDial(t, srv)
	readFrame(t, conn) // greeting

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"rid":2,"op":"sub","args":["sys.*"]}`)))

	frame := readFrame(t, conn)
	resp, ok := frame["response"].(map[string]any)
	require.True(t, ok, "frame: %v", frame)
	assert.NotEmpty(t, resp["sub"])

	body := `{"metric":"sys.cpu","timestamp":1429655663,"value":42,"tags":{"host":"web1"}}`
	httpResp, err := http.Post(srv.URL+"/api/put", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	httpResp.Body.Close()
	require.Equal(t, http.StatusNoContent, httpResp.StatusCode)

	kinds := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame = readFrame(t, conn)
		typ, _ := frame["type"].(string)
		kinds[typ] = true
	}
	assert.True(t, kinds["NEW_METRIC"])
	assert.True(t, kinds["DATA"])
	_ = cache
}
