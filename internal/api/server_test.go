package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hackstone/internal/audit"
	"hackstone/internal/baseline"
	"hackstone/internal/govern"
	"hackstone/internal/history"
	"hackstone/internal/ingest"
	"hackstone/internal/logging"
	"hackstone/internal/metrics"
	"hackstone/internal/model"
	"hackstone/internal/pipeline"
	"hackstone/internal/quarantine"
	"hackstone/internal/rules"
	"hackstone/internal/suppress"
	"hackstone/internal/timeline"
)

type fixture struct {
	srv   *Server
	hist  *history.History
	store *baseline.Store
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	dataDir := t.TempDir()
	log := logging.New(&logging.Config{Level: logging.LevelError, Writer: io.Discard})
	filter := govern.New(nil, false)

	store, _, err := baseline.Open(dataDir, []string{root}, filter, log)
	require.NoError(t, err)
	engine, err := rules.NewEngine(rules.DefaultRules(), "production")
	require.NoError(t, err)
	auditLog, err := audit.Open(filepath.Join(dataDir, "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	hist := history.New(500)
	m := metrics.New()
	proc := pipeline.New(pipeline.Config{
		Filter:     filter,
		Baseline:   store,
		Engine:     engine,
		Suppressor: suppress.New(10*time.Second, 5, 5*time.Minute, nil),
		Stager:     quarantine.New(filepath.Join(dataDir, "staging"), log),
		History:    hist,
		Audit:      auditLog,
		Metrics:    m,
		Log:        log,
	})

	srv := New(Config{
		WatchDirs:  []string{root},
		Store:      store,
		Filter:     filter,
		History:    hist,
		Correlator: timeline.New(hist, nil),
		Ingest:     ingest.New(ingest.NewRegistry(nil), proc, m, log, nil, 100),
		Processor:  proc,
		Metrics:    m,
		Log:        log,
	})
	return &fixture{srv: srv, hist: hist, store: store, root: root}
}

func doJSON(t *testing.T, h http.Handler, method, target string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.hist.Append(model.Event{ID: "e1", Type: model.EventCreate, Path: "a", Timestamp: time.Now().Add(-time.Minute)})
	f.hist.Append(model.Event{ID: "e2", Type: model.EventModify, Path: "a", Timestamp: time.Now()})

	rec, body := doJSON(t, f.srv.Router(), http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	events := body["events"].([]any)
	require.Len(t, events, 2)
	first := events[0].(map[string]any)
	assert.Equal(t, "e2", first["id"], "newest first")
	assert.Contains(t, body, "baselineSize")
}

func TestEventsEndpointEmptyStateIsValid(t *testing.T) {
	f := newFixture(t)

	rec, body := doJSON(t, f.srv.Router(), http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, body["events"])
}

func TestTimelineEndpoint(t *testing.T) {
	f := newFixture(t)
	f.hist.Append(model.Event{ID: "e1", Type: model.EventModify, Path: "x.sh", Timestamp: time.Now(), Source: model.SourceLocal})

	rec, body := doJSON(t, f.srv.Router(), http.MethodGet, "/api/timeline?range=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1h", body["range"])
	assert.NotNil(t, body["entries"])
	assert.NotNil(t, body["stats"])
}

func TestTimelineRejectsBadRange(t *testing.T) {
	f := newFixture(t)

	rec, body := doJSON(t, f.srv.Router(), http.MethodGet, "/api/timeline?range=3d", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["error"], "3d")
}

func TestRebuildEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "new.txt"), []byte("x"), 0o644))

	rec, body := doJSON(t, f.srv.Router(), http.MethodPost, "/api/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["baselineSize"])

	// The rebuild marker event lands in history.
	found := false
	for _, ev := range f.hist.Snapshot() {
		if ev.Type == model.EventBaseline {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConfigEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, body := doJSON(t, f.srv.Router(), http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.root, body["watchDir"])
	assert.Len(t, body["watchDirs"], 1)
	assert.Contains(t, body["governanceFilter"], "secret")
}

func TestAgentEventsEndpoint(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"agent_id": "build-1", "path": "srv/app.conf", "action": "modify", "timestamp": "2026-08-01T12:00:00Z"}`)
	rec, body := doJSON(t, f.srv.Router(), http.MethodPost, "/api/agent/events", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["received"])
	assert.Equal(t, float64(1), body["processed"])
	assert.Equal(t, float64(0), body["duplicates"])
}

func TestAgentEventsResponseAccountingCloses(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`[
		{"agent_id": "build-1", "path": "a.txt", "action": "create", "timestamp": "2026-08-01T12:00:00Z"},
		{"agent_id": "build-1", "path": "b.txt", "action": "create", "timestamp": "2026-08-01T12:00:01Z"},
		{"agent_id": "build-1", "path": "a.txt", "action": "create", "timestamp": "2026-08-01T12:00:00Z"}
	]`)
	rec, body := doJSON(t, f.srv.Router(), http.MethodPost, "/api/agent/events", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Contains(t, body, "dropped")
	received := body["received"].(float64)
	accounted := body["processed"].(float64) + body["duplicates"].(float64) + body["dropped"].(float64)
	assert.Equal(t, received, accounted, "every submitted event must be accounted for")
	assert.Equal(t, float64(1), body["duplicates"])
}

func TestAgentEventsValidationFailure(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"agent_id": "build-1", "path": "x", "action": "explode", "timestamp": "2026-08-01T12:00:00Z"}`)
	rec, body := doJSON(t, f.srv.Router(), http.MethodPost, "/api/agent/events", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.NotEmpty(t, body["error"])
}

func TestAgentEventsOversizedBody(t *testing.T) {
	f := newFixture(t)

	big := []byte(`{"agent_id": "build-1", "path": "` + strings.Repeat("a", maxAgentBody) + `"}`)
	rec, body := doJSON(t, f.srv.Router(), http.MethodPost, "/api/agent/events", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, false, body["ok"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, body := doJSON(t, f.srv.Router(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamSendsConnectedFrameAndEvents(t *testing.T) {
	f := newFixture(t)

	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: connected")

	// Give the subscriber a moment to register, then broadcast.
	deadline := time.After(2 * time.Second)
	for f.hist.Subscribers() == 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber never registered")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	f.hist.Broadcast(model.Event{ID: "live-1", Type: model.EventCreate, Path: "p", Timestamp: time.Now()})

	n, err = resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "live-1")
}
