package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mux-ai/mux/internal/bgprocess"
	"github.com/mux-ai/mux/internal/config"
	"github.com/mux-ai/mux/internal/engine"
	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/history"
	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/internal/runtime"
	"github.com/mux-ai/mux/internal/tool"
	"github.com/mux-ai/mux/pkg/types"
)

const testWS = types.WorkspaceID("ws-http")

type testServer struct {
	server  *Server
	engine  *engine.Manager
	history *history.Store
	bus     *event.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	hist := history.New(t.TempDir())
	procs := bgprocess.NewManager(bus)
	providers := provider.NewRegistry("")
	tools := tool.NewRegistry()

	eng := engine.NewManager(providers, tools, hist, procs, bus, engine.Config{})
	eng.RegisterWorkspace(engine.Workspace{
		ID:      testWS,
		Runtime: runtime.NewLocal(),
		WorkDir: t.TempDir(),
	})

	appConfig := &config.Config{
		Model: "stub/stub-model",
		Provider: map[string]config.ProviderConfig{
			"anthropic": {APIKey: "sk-secret"},
		},
	}
	srv := New(DefaultConfig(), appConfig, eng, hist, procs, providers, bus)
	return &testServer{server: srv, engine: eng, history: hist, bus: bus}
}

func (ts *testServer) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessageValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/workspace/ws-http/message", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPost, "/workspace/ws-http/message", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// blockingStream stalls until Close, standing in for a live provider.
type blockingStream struct {
	closed chan struct{}
	once   sync.Once
}

func (b *blockingStream) Recv() (provider.Event, error) {
	<-b.closed
	return nil, io.EOF
}

func (b *blockingStream) Close() {
	b.once.Do(func() { close(b.closed) })
}

func TestSendMessageConflictWhileStreaming(t *testing.T) {
	ts := newTestServer(t)

	stream := &blockingStream{closed: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.engine.StartStream(t.Context(), engine.StartOptions{Workspace: testWS}, stream)
	}()
	require.Eventually(t, func() bool {
		return ts.engine.State(testWS) == engine.StateStreaming
	}, time.Second, 5*time.Millisecond)

	rec := ts.request(t, http.MethodPost, "/workspace/ws-http/message", `{"text":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, ErrCodeAlreadyStreaming, body.Error.Code)

	require.NoError(t, ts.engine.Interrupt(testWS, engine.InterruptOptions{Soft: true}))
	<-done
}

func TestInterruptWithoutStream(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/workspace/ws-http/interrupt", `{"soft":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetHistory(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.history.Append(t.Context(), testWS, types.HistoryEntry{
		MessageID: "msg-1",
		Role:      types.RoleUser,
		Parts:     []types.Part{&types.TextPart{ID: "p1", Type: "text", Text: "hello"}},
	}))

	rec := ts.request(t, http.MethodGet, "/workspace/ws-http/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []types.HistoryEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "msg-1", body.Entries[0].MessageID)
}

func TestGetPartial(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/workspace/ws-http/partial", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, ts.history.WritePartial(t.Context(), testWS, &types.PartialEntry{
		MessageID: "msg-2",
		Parts:     []types.Part{&types.TextPart{ID: "p1", Type: "text", Text: "in progress"}},
	}))

	rec = ts.request(t, http.MethodGet, "/workspace/ws-http/partial", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p types.PartialEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "msg-2", p.MessageID)
}

func TestGetState(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/workspace/ws-http/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, string(engine.StateIdle), body["state"])
}

func TestProcessLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/workspace/ws-http/process/", `{"script":"echo from-http"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]string](t, rec)
	id := created["processID"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec := ts.request(t, http.MethodGet, "/workspace/ws-http/process/"+id+"?peek=true", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var res bgprocess.ReadResult
		if json.Unmarshal(rec.Body.Bytes(), &res) != nil {
			return false
		}
		return len(res.Stdout) > 0 && res.Stdout[0] == "from-http"
	}, 5*time.Second, 20*time.Millisecond)

	rec = ts.request(t, http.MethodDelete, "/workspace/ws-http/process/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessErrorsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/workspace/ws-http/process/", `{"script":"for do done (("}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodGet, "/workspace/ws-http/process/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(t, http.MethodPost, "/workspace/ws-unknown/process/", `{"script":"echo hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessBadFilterOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/workspace/ws-http/process/", `{"script":"sleep 5"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]string](t, rec)["processID"]

	rec = ts.request(t, http.MethodGet, "/workspace/ws-http/process/"+id+"?filter=%28", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.request(t, http.MethodDelete, "/workspace/ws-http/process/"+id, "")
}

func TestConfigRedactsSecrets(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")
	assert.Contains(t, rec.Body.String(), `"hasKey":true`)
}

func TestListModelsEmpty(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Models []types.Model `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Models)
}
