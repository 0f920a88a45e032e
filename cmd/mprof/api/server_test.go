package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sazak.io/mprof/cmd/mprof/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Session) {
	t.Helper()

	manager, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	session := &storage.Session{
		ID:           uuid.New().String(),
		StartTime:    time.Now().UTC(),
		ClockVariant: "posix",
	}
	store, err := manager.CreateSession(context.Background(), session, "binary")
	require.NoError(t, err)
	require.NoError(t, store.WriteBatch([]*storage.Event{
		{Timestamp: 10, Kind: storage.EventKindGoroutines, Source: 0, Value: 3},
		{Timestamp: 20, Kind: storage.EventKindHeapBytes, Source: 1, Value: 4096},
		{Timestamp: 30, Kind: storage.EventKindGoroutines, Source: 0, Value: 4},
	}))
	require.NoError(t, store.Close())

	prom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("prom"))
	})
	return NewServer(manager, 0, prom), session
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestListAndGetSession(t *testing.T) {
	server, session := newTestServer(t)
	h := server.Handler()

	rec := get(t, h, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var sessions []*storage.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, session.ID, sessions[0].ID)

	rec = get(t, h, "/api/sessions/"+session.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got storage.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "posix", got.ClockVariant)

	rec = get(t, h, "/api/sessions/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetEvents(t *testing.T) {
	server, session := newTestServer(t)
	h := server.Handler()

	tests := []struct {
		name  string
		query string
		code  int
		want  []uint64
	}{
		{name: "all", query: "", code: http.StatusOK, want: []uint64{10, 20, 30}},
		{name: "by source", query: "?source=0", code: http.StatusOK, want: []uint64{10, 30}},
		{name: "by kind", query: "?kind=1", code: http.StatusOK, want: []uint64{20}},
		{name: "window", query: "?start_time=15&end_time=30", code: http.StatusOK, want: []uint64{20, 30}},
		{name: "paged", query: "?offset=1&limit=1", code: http.StatusOK, want: []uint64{20}},
		{name: "no match", query: "?source=9", code: http.StatusOK, want: []uint64{}},
		{name: "bad source", query: "?source=x", code: http.StatusBadRequest},
		{name: "negative limit", query: "?limit=-1", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, "/api/sessions/"+session.ID+"/events"+tt.query)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusOK {
				return
			}

			var events []*storage.Event
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
			timestamps := make([]uint64, 0, len(events))
			for _, e := range events {
				timestamps = append(timestamps, e.Timestamp)
			}
			assert.Equal(t, tt.want, timestamps)
		})
	}
}

func TestGetSourcesAndDelete(t *testing.T) {
	server, session := newTestServer(t)
	h := server.Handler()

	rec := get(t, h, "/api/sessions/"+session.ID+"/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	var sources []uint32
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sources))
	assert.Equal(t, []uint32{0, 1}, sources)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+session.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = get(t, h, "/api/sessions/"+session.ID+"/sources")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	server.UpdateMetrics(&Metrics{SPS: 12.5, EWP: 3})
	rec := get(t, h, "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var m Metrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.Equal(t, 12.5, m.SPS)
	assert.Equal(t, int64(3), m.EWP)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prom", rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketBroadcast(t *testing.T) {
	server, _ := newTestServer(t)
	go server.hub.Run()
	defer server.hub.Stop()

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return server.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	server.BroadcastBatch([]*storage.Event{{Timestamp: 99, Kind: storage.EventKindGCCycles, Source: 3, Value: 1}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type   string           `json:"type"`
		Events []*storage.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "batch", msg.Type)
	require.Len(t, msg.Events, 1)
	assert.Equal(t, uint64(99), msg.Events[0].Timestamp)
}
