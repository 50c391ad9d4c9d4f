// Package api exposes the HTTP control surface: backend listing and
// selection, prompt dispatch and the realtime WebSocket entry point.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/yegors/aura-relay/internal/agents"
	"github.com/yegors/aura-relay/internal/backends"
	"github.com/yegors/aura-relay/internal/realtime"
	"github.com/yegors/aura-relay/pkg/logger"
)

// ServiceName is reported by GET /
const ServiceName = "aura-relay"

// Dispatcher sends prompts to backends
type Dispatcher interface {
	HandlePrompt(ctx context.Context, target backends.Target, p agents.Prompt) (*agents.Response, error)
	ListAssistants(ctx context.Context) (*agents.RawReply, error)
}

// SessionCounter reports live realtime sessions
type SessionCounter interface {
	Count() int
}

// Handler contains the API handlers
type Handler struct {
	registry   *backends.Registry
	selection  *backends.Selection
	dispatcher Dispatcher
	relay      http.Handler
	sessions   SessionCounter
	apiVersion string
	logger     *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(registry *backends.Registry, selection *backends.Selection, dispatcher Dispatcher, relay http.Handler, sessions SessionCounter, apiVersion string, log *logger.Logger) *Handler {
	return &Handler{
		registry:   registry,
		selection:  selection,
		dispatcher: dispatcher,
		relay:      relay,
		sessions:   sessions,
		apiVersion: apiVersion,
		logger:     log.Named("api-handler"),
	}
}

// BackendEntry is one backend in the listing
type BackendEntry struct {
	ID     int           `json:"id"`
	Name   string        `json:"name"`
	Label  string        `json:"label"`
	Type   backends.Kind `json:"type"`
	Active bool          `json:"active"`
}

// Root upgrades WebSocket requests to a realtime session and otherwise
// describes the service.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if realtime.IsUpgrade(r) {
		h.relay.ServeHTTP(w, r)
		return
	}

	active := 0
	if h.sessions != nil {
		active = h.sessions.Count()
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": ServiceName,
		"endpoints": map[string]string{
			"realtime":    "ws://<host>/?provider=openai|azure&model=<deployment>&source=mic|speaker",
			"agents":      "GET /agents",
			"switchAgent": "POST /agents/switch",
			"agent":       "POST /agent",
			"assistants":  "GET /assistants",
		},
		"apiVersion":     h.apiVersion,
		"activeSessions": active,
	})
}

// ListAgents returns every configured backend and the current selection
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	current := h.selection.Current()
	listing := h.registry.List()

	WriteJSON(w, http.StatusOK, map[string]any{
		"agents":         entries(listing.Agents, current),
		"workflows":      entries(listing.Workflows, current),
		"mfas":           entries(listing.MFAs, current),
		"currentAgentId": current,
		"apiVersion":     h.apiVersion,
	})
}

// SwitchAgent changes the process-wide backend selection
func (h *Handler) SwitchAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID json.RawMessage `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body"})
		return
	}

	id, err := parseID(body.AgentID)
	if err != nil || !h.registry.Exists(id) {
		WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":    fmt.Sprintf("Invalid agentId: %s", strings.TrimSpace(string(body.AgentID))),
			"validIds": h.registry.ValidIDs(),
		})
		return
	}

	previous := h.selection.Set(id)
	target := h.registry.Get(id)
	h.logger.Info("Backend selection switched",
		logger.Int("previous_id", previous),
		logger.Int("backend_id", id),
		logger.String("backend_type", string(target.Kind)),
		logger.String("name", target.Name))

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"currentAgent": entry(target, id),
	})
}

// ListAssistants passes the legacy assistants listing through
func (h *Handler) ListAssistants(w http.ResponseWriter, r *http.Request) {
	reply, err := h.dispatcher.ListAssistants(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeRaw(w, reply.Status, reply.ContentType, reply.Body)
}

// HandleAgent dispatches a prompt to the backend selected at this moment
func (h *Handler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt         string `json:"prompt"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "prompt is required"})
		return
	}

	target := h.registry.Get(h.selection.Current())

	resp, err := h.dispatcher.HandlePrompt(r.Context(), target, agents.Prompt{
		Text:           body.Prompt,
		ConversationID: body.ConversationID,
		CorrelationID:  r.Header.Get(agents.CorrelationHeader),
	})
	if err != nil {
		h.logger.Warn("Agent request failed",
			logger.Int("backend_id", target.ID),
			logger.String("backend_type", string(target.Kind)),
			logger.Error(err))
		h.writeError(w, err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	WriteJSON(w, resp.Status, resp.Body)
}

// writeError renders err; upstream HTTP errors are passed through verbatim
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var corr *agents.CorrelatedError
	if errors.As(err, &corr) {
		w.Header().Set(agents.CorrelationHeader, corr.CorrelationID)
	}

	var upstream *agents.UpstreamHTTPError
	if errors.As(err, &upstream) && agents.StatusFor(err) == upstream.Status {
		writeRaw(w, upstream.Status, upstream.ContentType, upstream.Body)
		return
	}
	WriteJSON(w, agents.StatusFor(err), agents.ErrorBody(err))
}

// WriteJSON writes data as a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}

// parseID accepts a JSON number or a numeric string
func parseID(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("agentId must be a number")
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func entries(targets []backends.Target, current int) []BackendEntry {
	out := make([]BackendEntry, 0, len(targets))
	for _, t := range targets {
		out = append(out, entry(t, current))
	}
	return out
}

func entry(t backends.Target, current int) BackendEntry {
	return BackendEntry{
		ID:     t.ID,
		Name:   t.Name,
		Label:  t.DisplayLabel(),
		Type:   t.Kind,
		Active: t.ID == current,
	}
}
