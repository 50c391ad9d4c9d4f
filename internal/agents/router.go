// Package agents dispatches text prompts to the selected agent, workflow or
// multi-agent function (MFA) backend and normalizes their replies.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yegors/aura-relay/internal/backends"
	"github.com/yegors/aura-relay/pkg/logger"
)

// DefaultMFATimeout bounds one MFA attempt when Options leaves it unset
const DefaultMFATimeout = 200 * time.Second

// CorrelationHeader is forwarded to MFA backends and echoed to callers
const CorrelationHeader = "x-correlation-id"

// HeaderResolver produces the auth headers for a target
type HeaderResolver interface {
	ResolveHeader(ctx context.Context, target backends.Target) (http.Header, error)
}

// Prompt is one inbound text request
type Prompt struct {
	Text           string
	ConversationID string
	CorrelationID  string // inbound value; generated for MFA calls when empty
}

// Response is a normalized backend reply
type Response struct {
	Status int
	Body   map[string]any
	Header http.Header
}

// RawReply is an upstream reply passed through untouched
type RawReply struct {
	Status      int
	Body        []byte
	ContentType string
}

// Options configure a Router
type Options struct {
	APIVersion           string
	AssistantsAPIVersion string
	MFATimeout           time.Duration
	MFARetry             RetryPolicy
	RequestTimeout       time.Duration
}

// Router sends prompts to backends. It is safe for concurrent use.
type Router struct {
	registry *backends.Registry
	auth     HeaderResolver
	client   *http.Client
	opts     Options
	logger   *logger.Logger
}

// NewRouter creates a router. client may be nil.
func NewRouter(registry *backends.Registry, auth HeaderResolver, client *http.Client, opts Options, log *logger.Logger) *Router {
	if client == nil {
		client = &http.Client{Timeout: opts.RequestTimeout}
	}
	if opts.MFARetry.MaxAttempts <= 0 {
		opts.MFARetry.MaxAttempts = 1
	}
	if opts.MFATimeout <= 0 {
		opts.MFATimeout = DefaultMFATimeout
	}
	return &Router{
		registry: registry,
		auth:     auth,
		client:   client,
		opts:     opts,
		logger:   log.Named("agents"),
	}
}

// HandlePrompt dispatches p to target according to its kind
func (r *Router) HandlePrompt(ctx context.Context, target backends.Target, p Prompt) (*Response, error) {
	if strings.TrimSpace(p.Text) == "" {
		return nil, &ValidationError{Message: "prompt is required"}
	}

	start := time.Now()
	var (
		resp *Response
		err  error
	)
	switch target.Kind {
	case backends.KindMFA:
		resp, err = r.handleMFA(ctx, target, p)
	case backends.KindWorkflow:
		resp, err = r.handleWorkflow(ctx, target, p)
	default:
		resp, err = r.handleAgent(ctx, target, p)
	}

	fields := []logger.Field{
		logger.Int("backend_id", target.ID),
		logger.String("backend_type", string(target.Kind)),
		logger.String("name", target.Name),
		logger.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		r.logger.Warn("Prompt dispatch failed", append(fields, logger.Int("status", StatusFor(err)), logger.Error(err))...)
		return nil, err
	}
	r.logger.Info("Prompt dispatched", fields...)
	return resp, nil
}

func (r *Router) handleAgent(ctx context.Context, target backends.Target, p Prompt) (*Response, error) {
	if target.Endpoint == "" {
		return nil, &ConfigurationError{Key: target.EndpointKey(), Message: fmt.Sprintf("No endpoint configured for %s", target.DisplayLabel())}
	}
	if target.Name == "" {
		return nil, &ConfigurationError{Key: "LEGACY_AGENT_NAME", Message: "No agent name configured for the legacy backend"}
	}

	payload := map[string]any{
		"agent": map[string]any{"name": target.Name, "type": "agent_reference"},
		"input": p.Text,
	}
	if p.ConversationID != "" {
		payload["conversation"] = map[string]any{"id": p.ConversationID}
	}

	raw, err := r.callJSON(ctx, target, r.responsesURL(target), payload)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"output_text": ExtractAgentText(raw),
		"raw":         raw,
	}
	if id := conversationID(raw); id != "" {
		body["conversation_id"] = id
	} else if p.ConversationID != "" {
		body["conversation_id"] = p.ConversationID
	}
	return &Response{Status: http.StatusOK, Body: body}, nil
}

func (r *Router) handleWorkflow(ctx context.Context, target backends.Target, p Prompt) (*Response, error) {
	if target.Endpoint == "" {
		return nil, &ConfigurationError{Key: target.EndpointKey(), Message: fmt.Sprintf("No endpoint configured for workflow %s", target.DisplayLabel())}
	}

	conv, err := r.callJSON(ctx, target, r.versioned(target.Endpoint+"/openai/conversations"), map[string]any{})
	if err != nil {
		return nil, err
	}
	convID, _ := conv["id"].(string)
	if convID == "" {
		return nil, &UpstreamTransportError{Backend: target.String(), Err: fmt.Errorf("conversation create returned no id")}
	}

	raw, err := r.callJSON(ctx, target, r.responsesURL(target), map[string]any{
		"agent":        map[string]any{"name": target.Name, "type": "agent_reference"},
		"input":        p.Text,
		"conversation": map[string]any{"id": convID},
	})
	if err != nil {
		return nil, err
	}

	return &Response{Status: http.StatusOK, Body: map[string]any{
		"output_text":     ExtractWorkflowText(raw),
		"conversation_id": convID,
		"workflow_name":   target.Name,
	}}, nil
}

func (r *Router) handleMFA(ctx context.Context, target backends.Target, p Prompt) (*Response, error) {
	corr := p.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
	}
	header := http.Header{}
	header.Set(CorrelationHeader, corr)

	fail := func(err error) (*Response, error) {
		return nil, &CorrelatedError{CorrelationID: corr, Err: err}
	}

	if target.Endpoint == "" {
		return fail(&ConfigurationError{Key: target.EndpointKey(), Message: fmt.Sprintf("No endpoint configured for MFA %s", target.DisplayLabel())})
	}

	log := r.logger.With(logger.String("target", target.String()), logger.String("correlation_id", corr))

	var reply *RawReply
	err := r.opts.MFARetry.Do(ctx, func(attempt int) (bool, error) {
		var callErr error
		reply, callErr = r.postMFA(ctx, target, p.Text, corr)
		if callErr != nil {
			log.Warn("MFA call failed", logger.Int("attempt", attempt), logger.Error(callErr))
			return true, callErr
		}
		if reply.Status >= 500 {
			log.Warn("MFA returned server error", logger.Int("attempt", attempt), logger.Int("status", reply.Status))
			return true, &UpstreamHTTPError{Backend: target.String(), Status: reply.Status, Body: reply.Body, ContentType: reply.ContentType}
		}
		return false, nil
	})

	if err == nil && reply.Status >= 200 && reply.Status < 300 {
		body := map[string]any{"workflow": "mfa", "correlation_id": corr}
		var parsed map[string]any
		if jsonErr := json.Unmarshal(reply.Body, &parsed); jsonErr == nil {
			body["output_text"] = parsed["output_text"]
			if v, ok := parsed["agents_used"]; ok {
				body["agents_used"] = v
			}
			if v, ok := parsed["routing"]; ok {
				body["routing"] = v
			}
		} else {
			body["output_text"] = string(reply.Body)
		}
		if body["output_text"] == nil {
			body["output_text"] = ""
		}
		return &Response{Status: http.StatusOK, Body: body, Header: header}, nil
	}

	if err == nil {
		// 4xx: the caller's fault, surfaced without fallback
		return fail(&UpstreamHTTPError{Backend: target.String(), Status: reply.Status, Body: reply.Body, ContentType: reply.ContentType})
	}

	fallback, ok := r.fallbackFor(target)
	if !ok {
		return fail(&UpstreamTransportError{Backend: target.String(), Err: err})
	}

	log.Warn("Falling back to workflow", logger.String("fallback", fallback.String()), logger.Error(err))
	resp, wfErr := r.handleWorkflow(ctx, fallback, p)
	if wfErr != nil {
		return fail(wfErr)
	}
	resp.Body["workflow"] = "fallback"
	resp.Body["fallback_from"] = target.Name
	resp.Body["correlation_id"] = corr
	resp.Header = header
	return resp, nil
}

func (r *Router) fallbackFor(target backends.Target) (backends.Target, bool) {
	if target.FallbackWorkflowID == nil {
		return backends.Target{}, false
	}
	wf, ok := r.registry.Lookup(*target.FallbackWorkflowID)
	if !ok || wf.Kind != backends.KindWorkflow {
		return backends.Target{}, false
	}
	return wf, true
}

// postMFA sends one attempt bounded by the MFA timeout. Transport failures,
// timeouts included, are returned as errors.
func (r *Router) postMFA(ctx context.Context, target backends.Target, prompt, corr string) (*RawReply, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.MFATimeout)
	defer cancel()

	b, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CorrelationHeader, corr)
	if target.FunctionKey != "" {
		req.Header.Set("x-functions-key", target.FunctionKey)
	}

	// The MFA timeout governs this call rather than the shared client timeout.
	client := *r.client
	client.Timeout = 0
	return doRaw(&client, req)
}

// ListAssistants passes the legacy assistants listing through verbatim
func (r *Router) ListAssistants(ctx context.Context) (*RawReply, error) {
	legacy := r.registry.Legacy()
	if legacy.Endpoint == "" {
		return nil, &ConfigurationError{Key: legacy.EndpointKey(), Message: "No legacy endpoint configured"}
	}

	header, err := r.auth.ResolveHeader(ctx, legacy)
	if err != nil {
		return nil, err
	}

	u := legacy.Endpoint + "/openai/assistants?api-version=" + url.QueryEscape(r.opts.AssistantsAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, header)

	reply, err := doRaw(r.client, req)
	if err != nil {
		return nil, &UpstreamTransportError{Backend: legacy.String(), Err: err}
	}
	return reply, nil
}

// callJSON posts payload with the target's auth and decodes a JSON object
func (r *Router) callJSON(ctx context.Context, target backends.Target, u string, payload any) (map[string]any, error) {
	header, err := r.auth.ResolveHeader(ctx, target)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	copyHeader(req.Header, header)

	reply, err := doRaw(r.client, req)
	if err != nil {
		return nil, &UpstreamTransportError{Backend: target.String(), Err: err}
	}
	if reply.Status < 200 || reply.Status >= 300 {
		return nil, &UpstreamHTTPError{Backend: target.String(), Status: reply.Status, Body: reply.Body, ContentType: reply.ContentType}
	}

	var out map[string]any
	if len(bytes.TrimSpace(reply.Body)) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(reply.Body, &out); err != nil {
		return nil, &UpstreamTransportError{Backend: target.String(), Err: fmt.Errorf("invalid JSON response: %w", err)}
	}
	return out, nil
}

func (r *Router) responsesURL(target backends.Target) string {
	return r.versioned(target.Endpoint + "/openai/responses")
}

func (r *Router) versioned(u string) string {
	return u + "?api-version=" + url.QueryEscape(r.opts.APIVersion)
}

func doRaw(client *http.Client, req *http.Request) (*RawReply, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &RawReply{Status: resp.StatusCode, Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func conversationID(raw map[string]any) string {
	switch c := raw["conversation"].(type) {
	case string:
		return c
	case map[string]any:
		id, _ := c["id"].(string)
		return id
	}
	return ""
}
