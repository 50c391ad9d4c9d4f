package agents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yegors/aura-relay/internal/auth"
	"github.com/yegors/aura-relay/internal/backends"
	"github.com/yegors/aura-relay/pkg/logger"
)

type staticResolver struct {
	err error
}

func (s staticResolver) ResolveHeader(_ context.Context, target backends.Target) (http.Header, error) {
	if s.err != nil {
		return nil, &auth.Error{Target: target.String(), Err: s.err}
	}
	h := http.Header{}
	h.Set("api-key", "test-key")
	return h, nil
}

func registryFor(t *testing.T, env map[string]string) *backends.Registry {
	t.Helper()
	r, err := backends.LoadRegistry(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}, backends.Options{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func newTestRouter(reg *backends.Registry, resolver HeaderResolver, mfaTimeout time.Duration) *Router {
	return NewRouter(reg, resolver, nil, Options{
		APIVersion:           "2025-11-15-preview",
		AssistantsAPIVersion: "2025-05-01",
		MFATimeout:           mfaTimeout,
		MFARetry:             NewRetryPolicy(1, nil),
		RequestTimeout:       5 * time.Second,
	}, logger.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// workflowServer answers conversation creation and responses like the agents API
func workflowServer(t *testing.T, conversations, responses *atomic.Int32, output any) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") != "2025-11-15-preview" {
			t.Errorf("missing api-version on %s", r.URL)
		}
		switch r.URL.Path {
		case "/openai/conversations":
			conversations.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"id": "conv_123"})
		case "/openai/responses":
			responses.Add(1)
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			conv, _ := body["conversation"].(map[string]any)
			if conv["id"] != "conv_123" {
				t.Errorf("responses call without conversation id: %v", body)
			}
			writeJSON(w, http.StatusOK, output)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestWorkflowCreatesConversationAndExtractsLastMessage(t *testing.T) {
	var conversations, responses atomic.Int32
	srv := workflowServer(t, &conversations, &responses, map[string]any{
		"output": []any{
			map[string]any{"type": "message", "content": []any{map[string]any{"type": "output_text", "text": "first"}}},
			map[string]any{"type": "message", "content": []any{map[string]any{"type": "output_text", "text": "final answer"}}},
			map[string]any{"type": "message", "content": []any{map[string]any{"type": "output_text", "text": "   "}}},
		},
	})
	defer srv.Close()

	reg := registryFor(t, map[string]string{"WORKFLOW_1_NAME": "aura-workflow", "WORKFLOW_1_ENDPOINT": srv.URL})
	r := newTestRouter(reg, staticResolver{}, time.Second)

	resp, err := r.HandlePrompt(context.Background(), reg.Get(-1), Prompt{Text: "hello"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if conversations.Load() != 1 || responses.Load() != 1 {
		t.Fatalf("expected one conversation and one responses call, got %d/%d", conversations.Load(), responses.Load())
	}
	if resp.Body["output_text"] != "final answer" {
		t.Fatalf("output_text = %v", resp.Body["output_text"])
	}
	if resp.Body["conversation_id"] != "conv_123" || resp.Body["workflow_name"] != "aura-workflow" {
		t.Fatalf("unexpected body: %v", resp.Body)
	}
}

func TestWorkflowAbortsWhenConversationCreateFails(t *testing.T) {
	var responses atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/openai/responses" {
			responses.Add(1)
		}
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "denied"})
	}))
	defer srv.Close()

	reg := registryFor(t, map[string]string{"WORKFLOW_1_NAME": "wf", "WORKFLOW_1_ENDPOINT": srv.URL})
	r := newTestRouter(reg, staticResolver{}, time.Second)

	_, err := r.HandlePrompt(context.Background(), reg.Get(-1), Prompt{Text: "hello"})
	if StatusFor(err) != http.StatusForbidden {
		t.Fatalf("expected upstream 403, got %d (%v)", StatusFor(err), err)
	}
	if responses.Load() != 0 {
		t.Fatalf("responses must not be called after a failed conversation create")
	}
}

func TestAgentRequestShapeAndExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/responses" || r.Header.Get("api-key") != "test-key" {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		agent, _ := body["agent"].(map[string]any)
		if agent["name"] != "AURAContextPilot" || agent["type"] != "agent_reference" || body["input"] != "hi" {
			t.Errorf("unexpected body: %v", body)
		}
		if conv, _ := body["conversation"].(map[string]any); conv["id"] != "conv_9" {
			t.Errorf("conversation not forwarded: %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"output": []any{
				map[string]any{"type": "reasoning"},
				map[string]any{"type": "message", "content": []any{map[string]any{"type": "output_text", "text": map[string]any{"value": "hello there"}}}},
			},
		})
	}))
	defer srv.Close()

	reg := registryFor(t, map[string]string{"AGENT_1_NAME": "AURAContextPilot", "AGENT_1_ENDPOINT": srv.URL})
	r := newTestRouter(reg, staticResolver{}, time.Second)

	resp, err := r.HandlePrompt(context.Background(), reg.Get(1), Prompt{Text: "hi", ConversationID: "conv_9"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Body["output_text"] != "hello there" {
		t.Fatalf("output_text = %v", resp.Body["output_text"])
	}
	if resp.Body["conversation_id"] != "conv_9" || resp.Body["raw"] == nil {
		t.Fatalf("unexpected body: %v", resp.Body)
	}
}

func TestMissingEndpointIsConfigurationError(t *testing.T) {
	reg := registryFor(t, map[string]string{"AGENT_1_NAME": "a", "MFA_1_NAME": "m"})
	r := newTestRouter(reg, staticResolver{}, time.Second)

	for _, id := range []int{1, -101} {
		_, err := r.HandlePrompt(context.Background(), reg.Get(id), Prompt{Text: "hi"})
		var cfg *ConfigurationError
		if !errors.As(err, &cfg) {
			t.Fatalf("id %d: expected configuration error, got %v", id, err)
		}
		if StatusFor(err) != http.StatusInternalServerError || !strings.Contains(ErrorBody(err)["hint"].(string), "_ENDPOINT") {
			t.Fatalf("id %d: unexpected rendering %v", id, ErrorBody(err))
		}
	}
}

func TestAuthFailureIsNotDowngraded(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer srv.Close()

	reg := registryFor(t, map[string]string{"AGENT_1_NAME": "a", "AGENT_1_ENDPOINT": srv.URL})
	r := newTestRouter(reg, staticResolver{err: errors.New("no identity")}, time.Second)

	_, err := r.HandlePrompt(context.Background(), reg.Get(1), Prompt{Text: "hi"})
	var authErr *auth.Error
	if !errors.As(err, &authErr) || StatusFor(err) != http.StatusInternalServerError {
		t.Fatalf("expected auth error, got %v", err)
	}
	if called.Load() {
		t.Fatalf("upstream must not be called without credentials")
	}
}

func TestEmptyPromptIsValidationError(t *testing.T) {
	reg := registryFor(t, map[string]string{})
	r := newTestRouter(reg, staticResolver{}, time.Second)
	_, err := r.HandlePrompt(context.Background(), reg.Get(1), Prompt{Text: "  "})
	if StatusFor(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestMFASuccessForwardsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-functions-key") != "fn-key" || r.Header.Get(CorrelationHeader) != "corr-1" {
			t.Errorf("missing MFA headers: %v", r.Header)
		}
		b, _ := io.ReadAll(r.Body)
		if string(b) != `{"prompt":"route me"}` {
			t.Errorf("unexpected body %s", b)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"output_text": "routed",
			"agents_used": []string{"a", "b"},
			"routing":     map[string]any{"reason": "x"},
		})
	}))
	defer srv.Close()

	reg := registryFor(t, map[string]string{"MFA_1_NAME": "m", "MFA_1_ENDPOINT": srv.URL, "MFA_1_FUNCTION_KEY": "fn-key"})
	r := newTestRouter(reg, staticResolver{}, time.Second)

	resp, err := r.HandlePrompt(context.Background(), reg.Get(-101), Prompt{Text: "route me", CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Body["workflow"] != "mfa" || resp.Body["output_text"] != "routed" || resp.Body["correlation_id"] != "corr-1" {
		t.Fatalf("unexpected body: %v", resp.Body)
	}
	if resp.Body["agents_used"] == nil || resp.Body["routing"] == nil {
		t.Fatalf("agents_used/routing not passed through: %v", resp.Body)
	}
	if resp.Header.Get(CorrelationHeader) != "corr-1" {
		t.Fatalf("correlation header not echoed")
	}
}

func TestMFAZeroTimeoutUsesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"output_text": "ok"})
	}))
	defer srv.Close()

	reg := registryFor(t, map[string]string{"MFA_1_NAME": "m", "MFA_1_ENDPOINT": srv.URL})
	r := NewRouter(reg, staticResolver{}, nil, Options{}, logger.NewNop())
	if r.opts.MFATimeout != DefaultMFATimeout {
		t.Fatalf("expected default MFA timeout, got %v", r.opts.MFATimeout)
	}

	resp, err := r.HandlePrompt(context.Background(), reg.Get(-101), Prompt{Text: "hi"})
	if err != nil {
		t.Fatalf("zero timeout must not expire every call: %v", err)
	}
	if resp.Body["output_text"] != "ok" {
		t.Fatalf("unexpected body: %v", resp.Body)
	}
}

func TestMFAGeneratesCorrelationID(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(CorrelationHeader))
		writeJSON(w, http.StatusOK, map[string]any{"output_text": "ok"})
	}))
	defer srv.Close()

	reg := registryFor(t, map[string]string{"MFA_1_NAME": "m", "MFA_1_ENDPOINT": srv.URL})
	r := newTestRouter(reg, staticResolver{}, time.Second)

	resp, err := r.HandlePrompt(context.Background(), reg.Get(-101), Prompt{Text: "x"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	id := resp.Header.Get(CorrelationHeader)
	if id == "" || seen.Load() != id || resp.Body["correlation_id"] != id {
		t.Fatalf("generated id not propagated: header=%q upstream=%v", id, seen.Load())
	}
}

func TestMFAServerErrorFallsBackToWorkflow(t *testing.T) {
	mfa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "down"})
	}))
	defer mfa.Close()

	var conversations, responses atomic.Int32
	wf := workflowServer(t, &conversations, &responses, map[string]any{"output_text": "from workflow"})
	defer wf.Close()

	reg := registryFor(t, map[string]string{
		"WORKFLOW_1_NAME":            "aura-workflow",
		"WORKFLOW_1_ENDPOINT":        wf.URL,
		"MFA_1_NAME":                 "contextpilot-mfa",
		"MFA_1_ENDPOINT":             mfa.URL,
		"MFA_1_FALLBACK_WORKFLOW_ID": "1",
	})
	r := newTestRouter(reg, staticResolver{}, time.Second)

	resp, err := r.HandlePrompt(context.Background(), reg.Get(-101), Prompt{Text: "hello", CorrelationID: "c"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Body["workflow"] != "fallback" || resp.Body["fallback_from"] != "contextpilot-mfa" {
		t.Fatalf("fallback not marked: %v", resp.Body)
	}
	if resp.Body["output_text"] != "from workflow" || resp.Body["conversation_id"] != "conv_123" {
		t.Fatalf("unexpected fallback body: %v", resp.Body)
	}
	if conversations.Load() != 1 {
		t.Fatalf("expected fallback workflow to run once")
	}
}

func TestMFAClientErrorPassesThrough(t *testing.T) {
	var conversations, responses atomic.Int32
	wf := workflowServer(t, &conversations, &responses, map[string]any{"output_text": "x"})
	defer wf.Close()

	mfa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad prompt"})
	}))
	defer mfa.Close()

	reg := registryFor(t, map[string]string{
		"WORKFLOW_1_NAME":            "wf",
		"WORKFLOW_1_ENDPOINT":        wf.URL,
		"MFA_1_NAME":                 "m",
		"MFA_1_ENDPOINT":             mfa.URL,
		"MFA_1_FALLBACK_WORKFLOW_ID": "1",
	})
	r := newTestRouter(reg, staticResolver{}, time.Second)

	_, err := r.HandlePrompt(context.Background(), reg.Get(-101), Prompt{Text: "hello", CorrelationID: "c"})
	var upstream *UpstreamHTTPError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusBadRequest {
		t.Fatalf("expected upstream 400, got %v", err)
	}
	if !strings.Contains(string(upstream.Body), "bad prompt") {
		t.Fatalf("body not preserved: %s", upstream.Body)
	}
	var corr *CorrelatedError
	if !errors.As(err, &corr) || corr.CorrelationID != "c" {
		t.Fatalf("correlation id not attached")
	}
	if conversations.Load() != 0 {
		t.Fatalf("4xx must not trigger fallback")
	}
}

func TestMFATimeoutWithoutFallbackIsBadGateway(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	reg := registryFor(t, map[string]string{"MFA_1_NAME": "m", "MFA_1_ENDPOINT": srv.URL})
	r := newTestRouter(reg, staticResolver{}, 50*time.Millisecond)

	_, err := r.HandlePrompt(context.Background(), reg.Get(-101), Prompt{Text: "slow"})
	if StatusFor(err) != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (%v)", StatusFor(err), err)
	}
}

func TestMFARetryPolicyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"output_text": "third time"})
	}))
	defer srv.Close()

	reg := registryFor(t, map[string]string{"MFA_1_NAME": "m", "MFA_1_ENDPOINT": srv.URL})
	r := NewRouter(reg, staticResolver{}, nil, Options{
		MFATimeout: time.Second,
		MFARetry:   NewRetryPolicy(3, []int{1}),
	}, logger.NewNop())

	resp, err := r.HandlePrompt(context.Background(), reg.Get(-101), Prompt{Text: "x"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls.Load() != 3 || resp.Body["output_text"] != "third time" {
		t.Fatalf("calls=%d body=%v", calls.Load(), resp.Body)
	}
}

func TestListAssistantsPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/assistants" || r.URL.Query().Get("api-version") != "2025-05-01" {
			t.Errorf("unexpected request %s", r.URL)
		}
		writeJSON(w, http.StatusTeapot, map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	reg, err := backends.LoadRegistry(func(string) (string, bool) { return "", false }, backends.Options{
		Legacy: backends.LegacySettings{Name: "legacy", Endpoint: srv.URL, APIKey: "k"},
	})
	if err != nil {
		t.Fatal(err)
	}
	r := newTestRouter(reg, staticResolver{}, time.Second)

	reply, err := r.ListAssistants(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if reply.Status != http.StatusTeapot || !strings.Contains(string(reply.Body), `"data"`) {
		t.Fatalf("reply not passed through: %d %s", reply.Status, reply.Body)
	}
}
