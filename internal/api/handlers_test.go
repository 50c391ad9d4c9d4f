package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yegors/aura-relay/internal/agents"
	"github.com/yegors/aura-relay/internal/backends"
	"github.com/yegors/aura-relay/pkg/logger"
)

type keyResolver struct{}

func (keyResolver) ResolveHeader(context.Context, backends.Target) (http.Header, error) {
	h := http.Header{}
	h.Set("api-key", "k")
	return h, nil
}

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

type testEnv struct {
	server    *httptest.Server
	selection *backends.Selection
}

func newTestEnv(t *testing.T, env map[string]string) *testEnv {
	t.Helper()
	reg, err := backends.LoadRegistry(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}, backends.Options{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	sel := backends.NewSelection(reg.DefaultID())
	router := agents.NewRouter(reg, keyResolver{}, nil, agents.Options{
		APIVersion: "2025-11-15-preview",
		MFATimeout: time.Second,
		MFARetry:   agents.NewRetryPolicy(1, nil),
	}, logger.NewNop())

	relay := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewHandler(reg, sel, router, relay, fixedCount(2), "2025-11-15-preview", logger.NewNop())
	srv := httptest.NewServer(NewRouter(h, []string{"*"}, logger.NewNop()).Routes())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, selection: sel}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func workflowBackend(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/openai/conversations":
			w.Write([]byte(`{"id":"conv_1"}`))
		case "/openai/responses":
			w.Write([]byte(`{"output":[
				{"type":"message","content":[{"type":"output_text","text":"thinking"}]},
				{"type":"message","content":[{"type":"output_text","text":"Hi there"}]}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRootDescribesService(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do(t, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true || body["service"] != ServiceName {
		t.Fatalf("unexpected root: %d %v", resp.StatusCode, body)
	}
	if body["activeSessions"] != float64(2) || body["apiVersion"] != "2025-11-15-preview" {
		t.Fatalf("unexpected root body: %v", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestOptionsAndNotFound(t *testing.T) {
	e := newTestEnv(t, nil)

	for _, path := range []string{"/", "/agent", "/anything/else"} {
		resp, _ := e.do(t, http.MethodOptions, path, "", nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("OPTIONS %s = %d", path, resp.StatusCode)
		}
	}

	resp, body := e.do(t, http.MethodGet, "/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "Not found" {
		t.Fatalf("unexpected 404: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("404 should carry CORS headers")
	}
}

func TestSwitchToMFAIsVisibleInListing(t *testing.T) {
	e := newTestEnv(t, map[string]string{
		"AGENT_1_NAME":    "AURAContextPilot",
		"WORKFLOW_1_NAME": "aura-workflow",
		"MFA_1_NAME":      "contextpilot-mfa",
		"MFA_1_LABEL":     "Context Pilot MFA",
		"MFA_2_NAME":      "second-mfa",
	})
	e.selection.Set(1)

	resp, body := e.do(t, http.MethodPost, "/agents/switch", `{"agentId":-101}`, nil)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("switch failed: %d %v", resp.StatusCode, body)
	}
	current := body["currentAgent"].(map[string]any)
	if current["id"] != float64(-101) || current["type"] != "mfa" || current["label"] != "Context Pilot MFA" {
		t.Fatalf("unexpected currentAgent: %v", current)
	}

	_, listing := e.do(t, http.MethodGet, "/agents", "", nil)
	if listing["currentAgentId"] != float64(-101) {
		t.Fatalf("currentAgentId = %v", listing["currentAgentId"])
	}
	mfas := listing["mfas"].([]any)
	if len(mfas) != 2 {
		t.Fatalf("expected 2 mfas, got %v", mfas)
	}
	for _, m := range mfas {
		entry := m.(map[string]any)
		if want := entry["id"] == float64(-101); entry["active"] != want {
			t.Fatalf("unexpected active flag: %v", entry)
		}
	}
	for _, key := range []string{"agents", "workflows"} {
		for _, a := range listing[key].([]any) {
			if a.(map[string]any)["active"] != false {
				t.Fatalf("%s entry should be inactive: %v", key, a)
			}
		}
	}
}

func TestSwitchRejectsUnknownIDs(t *testing.T) {
	e := newTestEnv(t, map[string]string{"AGENT_1_NAME": "a", "WORKFLOW_1_NAME": "w", "MFA_1_NAME": "m"})
	before := e.selection.Current()

	for _, body := range []string{`{"agentId":999999}`, `{"agentId":0}`, `{"agentId":-2}`, `{}`, `{"agentId":"abc"}`} {
		resp, out := e.do(t, http.MethodPost, "/agents/switch", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", body, resp.StatusCode)
		}
		if ids, _ := out["validIds"].([]any); len(ids) != 3 {
			t.Fatalf("%s: validIds = %v", body, out["validIds"])
		}
	}
	if e.selection.Current() != before {
		t.Fatalf("selection changed after invalid switches")
	}

	resp, _ := e.do(t, http.MethodPost, "/agents/switch", `not json`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid JSON should be 400")
	}

	for _, id := range []string{"1", "-1", `"-101"`} {
		resp, _ := e.do(t, http.MethodPost, "/agents/switch", `{"agentId":`+id+`}`, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("switch to %s: %d", id, resp.StatusCode)
		}
	}
}

func TestAgentUsesSelectionAtDispatch(t *testing.T) {
	wf := workflowBackend(t)
	e := newTestEnv(t, map[string]string{
		"AGENT_1_NAME":        "a",
		"WORKFLOW_1_NAME":     "aura-workflow",
		"WORKFLOW_1_ENDPOINT": wf.URL,
	})

	// Agent 1 has no endpoint: configuration error naming the key
	e.selection.Set(1)
	resp, body := e.do(t, http.MethodPost, "/agent", `{"prompt":"hello"}`, nil)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(body["hint"].(string), "AGENT_1_ENDPOINT") {
		t.Fatalf("expected configuration error: %d %v", resp.StatusCode, body)
	}

	e.do(t, http.MethodPost, "/agents/switch", `{"agentId":-1}`, nil)
	resp, body = e.do(t, http.MethodPost, "/agent", `{"prompt":"hello"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if body["output_text"] != "Hi there" || body["conversation_id"] != "conv_1" || body["workflow_name"] != "aura-workflow" {
		t.Fatalf("unexpected workflow body: %v", body)
	}
}

func TestAgentValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, body := range []string{`{}`, `{"prompt":"  "}`, `{bad`} {
		resp, out := e.do(t, http.MethodPost, "/agent", body, nil)
		if resp.StatusCode != http.StatusBadRequest || out["error"] == nil {
			t.Fatalf("%s: expected 400, got %d %v", body, resp.StatusCode, out)
		}
	}
}

func TestMFAErrorPassthroughEchoesCorrelation(t *testing.T) {
	mfa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"prompt too long"}`))
	}))
	defer mfa.Close()

	e := newTestEnv(t, map[string]string{"MFA_1_NAME": "m", "MFA_1_ENDPOINT": mfa.URL})

	header := http.Header{}
	header.Set("X-Correlation-Id", "abc-123")
	resp, body := e.do(t, http.MethodPost, "/agent", `{"prompt":"hi"}`, header)
	if resp.StatusCode != http.StatusUnprocessableEntity || body["error"] != "prompt too long" {
		t.Fatalf("expected verbatim 422, got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Correlation-Id") != "abc-123" {
		t.Fatalf("correlation id not echoed on error")
	}
}

func TestMFAUnavailableWithoutFallbackIs502(t *testing.T) {
	mfa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer mfa.Close()

	e := newTestEnv(t, map[string]string{"MFA_1_NAME": "m", "MFA_1_ENDPOINT": mfa.URL})
	resp, body := e.do(t, http.MethodPost, "/agent", `{"prompt":"hi"}`, nil)
	if resp.StatusCode != http.StatusBadGateway || body["error"] == nil {
		t.Fatalf("expected 502, got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Fatalf("generated correlation id should be echoed")
	}
}

func TestWebSocketUpgradeGoesToRelay(t *testing.T) {
	e := newTestEnv(t, nil)
	header := http.Header{}
	header.Set("Connection", "Upgrade")
	header.Set("Upgrade", "websocket")
	resp, _ := e.do(t, http.MethodGet, "/", "", header)
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("upgrade request not routed to relay: %d", resp.StatusCode)
	}
}
