package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Realtime event types inspected by the relay
const (
	typeSessionUpdate          = "transcription_session.update"
	typeError                  = "error"
	typeTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	typeTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	typeBufferCommitted        = "input_audio_buffer.committed"
	failedMarker               = "transcription.failed"
)

// NoticeType is the type of relay-injected client messages
const NoticeType = "proxy.transcription.model"

// Notice reasons
const (
	ReasonDeployment = "deployment"
	ReasonOverride   = "override"
	ReasonFallback   = "fallback"
)

// ModelNotice tells the client which transcription model is in effect
type ModelNotice struct {
	Type       string   `json:"type"`
	Provider   Provider `json:"provider"`
	Model      string   `json:"model"`
	Reason     string   `json:"reason"`
	Candidates []string `json:"candidates,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

func newNotice(provider Provider, model, reason string, candidates []string) ModelNotice {
	return ModelNotice{
		Type:       NoticeType,
		Provider:   provider,
		Model:      model,
		Reason:     reason,
		Candidates: candidates,
		Timestamp:  time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

var (
	rejectionCodes   = map[string]bool{"invalid_model": true, "model_not_found": true}
	rejectionMessage = regexp.MustCompile(`(?i)invalid model|model not found`)
)

// envelope is the subset of a realtime event the relay inspects
type envelope struct {
	Type           string `json:"type"`
	ItemID         string `json:"item_id"`
	PreviousItemID string `json:"previous_item_id"`
	Delta          string `json:"delta"`
	Transcript     string `json:"transcript"`
	Error          *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseEnvelope returns false for non-JSON payloads
func parseEnvelope(data []byte) (envelope, bool) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, false
	}
	return e, true
}

// isModelRejection reports an upstream error rejecting the requested model
func isModelRejection(e envelope) bool {
	if e.Type != typeError || e.Error == nil {
		return false
	}
	if code, ok := e.Error.Code.(string); ok && rejectionCodes[code] {
		return true
	}
	return rejectionMessage.MatchString(e.Error.Message)
}

// withModel returns a copy of a transcription_session.update event with
// session.input_audio_transcription.model set to model.
func withModel(template []byte, model string) ([]byte, error) {
	var msg map[string]any
	if err := json.Unmarshal(template, &msg); err != nil {
		return nil, fmt.Errorf("invalid session update: %w", err)
	}
	session := childObject(msg, "session")
	transcription := childObject(session, "input_audio_transcription")
	transcription["model"] = model
	return json.Marshal(msg)
}

func childObject(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	parent[key] = m
	return m
}

func isTranscriptionFailure(data []byte) bool {
	return bytes.Contains(data, []byte(failedMarker))
}
