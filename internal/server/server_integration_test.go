package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionward/internal/arbiter"
	"sessionward/internal/chat"
	"sessionward/internal/config"
	"sessionward/internal/monitor"
	"sessionward/internal/projects"
	"sessionward/internal/registry"
	"sessionward/internal/sessionlog"
)

const testProject = "-home-dev-app"

type integrationServer struct {
	t *testing.T

	root    string
	store   *sessionlog.Store
	monitor *monitor.Manager
	app     *Server
	http    *httptest.Server
}

func canUseLoopbackSockets() bool {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

func startIntegrationServer(t *testing.T, policy arbiter.Policy) *integrationServer {
	t.Helper()
	return startIntegrationServerWithConfig(t, policy, config.Config{Bind: "127.0.0.1", Port: 0})
}

func startIntegrationServerWithConfig(t *testing.T, policy arbiter.Policy, cfg config.Config) *integrationServer {
	t.Helper()
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	root := filepath.Join(t.TempDir(), "projects")
	store := sessionlog.NewStore(root, testProject)
	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))
	projectRoot, err := projects.NewRoot(root)
	require.NoError(t, err)
	a := arbiter.New(store, policy, filepath.Join(root, testProject+"-foreign"))

	var app *Server
	poller := monitor.NewPoller(a, 10*time.Millisecond, func(sessionID string, entries []sessionlog.Entry) {
		app.PublishEntries(sessionID, entries)
	})
	mgr := monitor.NewManager(poller, monitor.DefaultConfig())

	app, err = New(cfg, Deps{
		Arbiter:   a,
		Registry:  registry.NewMemory(),
		Monitor:   mgr,
		Projects:  projectRoot,
		Responder: chat.Echo{},
	})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(app.Handler())

	s := &integrationServer{t: t, root: root, store: store, monitor: mgr, app: app, http: httpSrv}
	t.Cleanup(s.close)
	return s
}

func (s *integrationServer) close() {
	_ = s.monitor.Stop(context.Background())
	_ = s.app.Shutdown(context.Background())
	s.http.Close()
}

func (s *integrationServer) writeRaw(sessionID string, lines ...string) {
	s.t.Helper()
	f, err := os.OpenFile(s.store.Path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(s.t, err)
	defer f.Close()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(s.t, err)
	}
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, _ := json.Marshal(v)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp.StatusCode, payload
}

func postMessage(t *testing.T, baseURL, sessionID string, body any) (int, map[string]any) {
	t.Helper()
	return doJSON(t, http.MethodPost, baseURL+"/api/session/"+sessionID+"/messages", body)
}

type sseEvent struct {
	ID   string
	Data string
}

func openStream(t *testing.T, baseURL, sessionID, lastEventID string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/session/"+sessionID+"/stream", nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var payload map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		require.FailNow(t, "SSE open failed", "%v", payload)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(resp *http.Response) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(resp.Body)}
}

// next returns the next event carrying data. Comment-only frames are skipped.
func (r *sseReader) next(t *testing.T) sseEvent {
	t.Helper()
	for {
		id := ""
		dataLines := []string{}
		sawLine := false
		for r.scanner.Scan() {
			sawLine = true
			line := r.scanner.Text()
			if strings.TrimSpace(line) == "" {
				break
			}
			if strings.HasPrefix(line, ":") {
				continue
			}
			if strings.HasPrefix(line, "id:") {
				id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			}
			if strings.HasPrefix(line, "data:") {
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		require.True(t, sawLine, "sse stream ended: %v", r.scanner.Err())
		if len(dataLines) == 0 {
			continue
		}
		return sseEvent{ID: id, Data: strings.Join(dataLines, "\n")}
	}
}

func parseJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func entryID(t *testing.T, payload map[string]any) string {
	t.Helper()
	entry, _ := payload["entry"].(map[string]any)
	id, _ := entry["id"].(string)
	require.NotEmpty(t, id, "response has no entry id: %v", payload)
	return id
}

func TestHealth(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, payload := doJSON(t, http.MethodGet, s.http.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["ok"])
	assert.Equal(t, "redirect", payload["policy"])
	assert.Equal(t, testProject, payload["project"])
	assert.Equal(t, s.store.Dir(), payload["projectDir"])
}

func TestChatStreamsReplyAndStoresBothTurns(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	body, _ := json.Marshal(map[string]any{"message": "hello there friend", "session_id": "chat-1"})
	resp, err := http.Post(s.http.URL+"/api/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chat-1", resp.Header.Get("X-Session-ID"))

	reader := newSSEReader(resp)
	var reply strings.Builder
	for {
		event := parseJSON(t, reader.next(t).Data)
		if event["type"] == "text_chunk" {
			reply.WriteString(event["content"].(string))
			continue
		}
		require.Equal(t, "done", event["type"], "unexpected event %v", event)
		assert.NotEmpty(t, event["message_id"])
		break
	}
	assert.Equal(t, "You said: hello there friend", strings.TrimSpace(reply.String()))

	entries, err := s.store.ReadAll("chat-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, sessionlog.RoleUser, entries[0].Role)
	assert.Equal(t, sessionlog.RoleAssistant, entries[1].Role)
}

func TestChatWithoutSessionCreatesOne(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	resp, err := http.Post(s.http.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	id := resp.Header.Get("X-Session-ID")
	assert.NotEmpty(t, id)
	assert.NotEqual(t, registry.WebSessionID, id)
}

func TestChatValidation(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, _ := doJSON(t, http.MethodPost, s.http.URL+"/api/chat", "{")
	assert.Equal(t, http.StatusBadRequest, status, "invalid JSON")
	status, _ = doJSON(t, http.MethodPost, s.http.URL+"/api/chat", map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, status, "empty message")
}

func TestNewSessionAndSessionsList(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, created := doJSON(t, http.MethodPost, s.http.URL+"/api/new-session", nil)
	require.Equal(t, http.StatusOK, status)
	newID, _ := created["session_id"].(string)
	require.NotEmpty(t, newID)
	s.writeRaw("from-terminal", `{"role":"user","content":"typed elsewhere"}`)

	status, listed := doJSON(t, http.MethodGet, s.http.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	seen := map[string]map[string]any{}
	for _, raw := range listed["sessions"].([]any) {
		view := raw.(map[string]any)
		seen[view["id"].(string)] = view
	}
	for _, id := range []string{registry.WebSessionID, newID, "from-terminal"} {
		require.Contains(t, seen, id)
	}
	assert.Equal(t, true, seen[registry.WebSessionID]["protected"])
	assert.Equal(t, true, seen["from-terminal"]["onDisk"])
	assert.Equal(t, "unknown", seen["from-terminal"]["source"])
}

func TestGetAndDeleteSession(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, _ := doJSON(t, http.MethodGet, s.http.URL+"/api/session/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = postMessage(t, s.http.URL, "s1", map[string]any{"role": "user", "content": "one"})
	require.Equal(t, http.StatusCreated, status)
	status, payload := doJSON(t, http.MethodGet, s.http.URL+"/api/session/s1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, payload["messages"], 1)

	status, _ = doJSON(t, http.MethodDelete, s.http.URL+"/api/session/"+registry.WebSessionID, nil)
	assert.Equal(t, http.StatusConflict, status, "protected session")

	status, _ = doJSON(t, http.MethodDelete, s.http.URL+"/api/session/s1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, s.store.Exists("s1"))
	status, _ = doJSON(t, http.MethodGet, s.http.URL+"/api/session/s1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMessagesUnderRedirect(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, payload := postMessage(t, s.http.URL, "s1", map[string]any{"role": "user", "content": "mine"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "stored", payload["action"])

	status, payload = postMessage(t, s.http.URL, "s1", map[string]any{"role": "assistant", "content": "theirs", "originalSession": "other"})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "redirected", payload["action"])
	assert.Equal(t, "other", payload["target"])

	entries, err := s.store.ReadAll("s1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "foreign entry leaked into the session")
	assert.Equal(t, "mine", entries[0].Text())

	redirected, err := sessionlog.NewStore(s.root, testProject+"-foreign").ReadAll("other")
	require.NoError(t, err)
	require.Len(t, redirected, 1)
	assert.Equal(t, sessionlog.ProvenanceRedirected, redirected[0].Provenance)
}

func TestMessagesUnderBlock(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyBlock)

	status, payload := postMessage(t, s.http.URL, "s1", map[string]any{"role": "user", "content": "x", "unified_at": "2025-01-01T00:00:00Z"})
	require.Equal(t, http.StatusForbidden, status)
	verdict, _ := payload["verdict"].(map[string]any)
	assert.Equal(t, "foreign", verdict["provenance"])
	assert.False(t, s.store.Exists("s1"), "blocked write creates no file")
}

func TestMessagesRejectsInvalidEntries(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	for _, body := range []any{
		"not json",
		map[string]any{"content": "no role"},
		map[string]any{"role": "robot", "content": "x"},
		map[string]any{"role": "user", "content": 5},
	} {
		status, _ := postMessage(t, s.http.URL, "s1", body)
		assert.Equal(t, http.StatusBadRequest, status, "%v", body)
	}
}

func TestSweepAndDedupe(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyBlock)

	status, _ := doJSON(t, http.MethodPost, s.http.URL+"/api/session/missing/sweep", nil)
	assert.Equal(t, http.StatusNotFound, status)

	s.writeRaw("s1",
		`{"id":"a","role":"user","content":"one"}`,
		`{"id":"b","role":"assistant","content":"two","source":"claude_code_auto"}`,
		`{"id":"a","role":"user","content":"one"}`,
		`{"role":"user","content":"three"}`,
		`{"role":"user","content":"three"}`,
	)

	status, payload := doJSON(t, http.MethodPost, s.http.URL+"/api/session/s1/sweep", nil)
	require.Equal(t, http.StatusOK, status)
	result := payload["result"].(map[string]any)
	assert.Equal(t, float64(1), result["removed"])

	status, payload = doJSON(t, http.MethodPost, s.http.URL+"/api/session/s1/dedupe", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), payload["removed"])

	entries, err := s.store.ReadAll("s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0].Text())
	assert.Equal(t, "three", entries[1].Text())
}

func TestStreamReplaysAfterLastEventID(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	var ids []string
	for _, text := range []string{"first", "second", "third"} {
		status, payload := postMessage(t, s.http.URL, "s1", map[string]any{"role": "user", "content": text})
		require.Equal(t, http.StatusCreated, status)
		ids = append(ids, entryID(t, payload))
	}

	stream := newSSEReader(openStream(t, s.http.URL, "s1", ids[0]))
	for _, want := range []string{"second", "third"} {
		assert.Equal(t, want, parseJSON(t, stream.next(t).Data)["content"])
	}

	status, payload := postMessage(t, s.http.URL, "s1", map[string]any{"role": "user", "content": "live"})
	require.Equal(t, http.StatusCreated, status)
	event := stream.next(t)
	assert.Equal(t, entryID(t, payload), event.ID)
	assert.Equal(t, "live", parseJSON(t, event.Data)["content"])
}

func TestStreamUnknownLastEventIDReplaysEverything(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	for _, text := range []string{"first", "second"} {
		status, _ := postMessage(t, s.http.URL, "s1", map[string]any{"role": "user", "content": text})
		require.Equal(t, http.StatusCreated, status)
	}
	stream := newSSEReader(openStream(t, s.http.URL, "s1", "not-an-id"))
	assert.Equal(t, "first", parseJSON(t, stream.next(t).Data)["content"])
}

func TestMonitorPublishesExternalWritesAndRepairsForeign(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, payload := doJSON(t, http.MethodPost, s.http.URL+"/api/monitor/start", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "success", payload["status"])
	require.Eventually(t, func() bool { return s.monitor.Poller().Stats().Ticks > 0 }, 5*time.Second, 5*time.Millisecond)

	stream := newSSEReader(openStream(t, s.http.URL, "ext", ""))
	s.writeRaw("ext",
		`{"role":"user","content":"from the terminal"}`,
		`{"role":"assistant","content":"stray","originalSession":"elsewhere"}`,
	)

	assert.Equal(t, "from the terminal", parseJSON(t, stream.next(t).Data)["content"])
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(s.store.Path("ext"))
		return err == nil && !strings.Contains(string(data), "stray")
	}, 5*time.Second, 5*time.Millisecond, "foreign line is repaired")
}

func TestMonitorEndpoints(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, health := doJSON(t, http.MethodGet, s.http.URL+"/api/monitor/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "stopped", health["status"])

	status, payload := doJSON(t, http.MethodPost, s.http.URL+"/api/monitor/start", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", payload["status"])
	_, payload = doJSON(t, http.MethodPost, s.http.URL+"/api/monitor/start", nil)
	assert.Equal(t, "error", payload["status"], "already running")

	status, _ = doJSON(t, http.MethodPost, s.http.URL+"/api/monitor/restart", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodPost, s.http.URL+"/api/monitor/restart", nil)
	assert.Equal(t, http.StatusTooManyRequests, status, "restart inside the cooldown")

	status, stats := doJSON(t, http.MethodGet, s.http.URL+"/api/monitor/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, stats["poller"])
	assert.NotNil(t, stats["arbiter"])

	status, _ = doJSON(t, http.MethodGet, s.http.URL+"/api/monitor/logs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, logs := doJSON(t, http.MethodGet, s.http.URL+"/api/monitor/logs?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), logs["total"])

	status, _ = doJSON(t, http.MethodPost, s.http.URL+"/api/monitor/stop", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodPost, s.http.URL+"/api/monitor/bogus", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestArbiterStatsAndProjects(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, _ := postMessage(t, s.http.URL, "s1", map[string]any{"role": "user", "content": "one"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = postMessage(t, s.http.URL, "s1", map[string]any{"role": "user", "content": "two", "originalSession": "o1"})
	require.Equal(t, http.StatusAccepted, status)

	status, stats := doJSON(t, http.MethodGet, s.http.URL+"/api/arbiter/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), stats["admitted"])
	assert.Equal(t, float64(1), stats["redirected"])

	status, listed := doJSON(t, http.MethodGet, s.http.URL+"/api/projects", nil)
	require.Equal(t, http.StatusOK, status)
	var project map[string]any
	for _, raw := range listed["projects"].([]any) {
		if p := raw.(map[string]any); p["name"] == testProject {
			project = p
		}
	}
	require.NotNil(t, project, "project %s missing from %v", testProject, listed)
	assert.Equal(t, float64(1), project["sessions_count"])

	status, sessions := doJSON(t, http.MethodGet, s.http.URL+"/api/projects/"+testProject+"/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), sessions["total"])
}

func TestIdleSessionsAreReaped(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, created := doJSON(t, http.MethodPost, s.http.URL+"/api/new-session", nil)
	require.Equal(t, http.StatusOK, status)
	id := created["session_id"].(string)
	s.writeRaw(id, `{"role":"user","content":"kept on disk"}`)

	s.app.setSessionTiming(time.Millisecond, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := s.app.registry.Get(id)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)

	_, ok := s.app.registry.Get(registry.WebSessionID)
	assert.True(t, ok, "protected session is never reaped")
	assert.True(t, s.store.Exists(id), "reaping leaves the file alone")
}

func TestMethodNotAllowed(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/health"},
		{http.MethodGet, "/api/chat"},
		{http.MethodGet, "/api/session/s1/messages"},
		{http.MethodPut, "/api/session/s1"},
	} {
		status, _ := doJSON(t, tc.method, s.http.URL+tc.path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, status, "%s %s", tc.method, tc.path)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)

	status, _ := doJSON(t, http.MethodGet, s.http.URL+"/api/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCIDRFilter(t *testing.T) {
	s := startIntegrationServerWithConfig(t, arbiter.PolicyRedirect, config.Config{Bind: "127.0.0.1", AllowCIDRs: []string{"10.0.0.0/8"}})

	status, _ := doJSON(t, http.MethodGet, s.http.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, status, "loopback is always allowed")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "192.168.1.20:5555"
	rec := httptest.NewRecorder()
	s.app.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestShutdownDoesNotError(t *testing.T) {
	s := startIntegrationServer(t, arbiter.PolicyRedirect)
	assert.NoError(t, s.app.Shutdown(context.Background()))
}
