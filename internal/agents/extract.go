package agents

import (
	"encoding/json"
	"strings"
)

// NoAnswerText is returned when a workflow finished without any message text
const NoAnswerText = "(The workflow completed without producing an answer.)"

// extractor is one output-text extraction strategy
type extractor func(raw map[string]any) (string, bool)

// agentExtractors is the precedence used for direct agent responses
var agentExtractors = []extractor{
	topLevelOutputText,
	firstMessageText,
	firstOutputContent,
}

// workflowExtractors is the precedence used for workflow responses
var workflowExtractors = []extractor{
	lastMessageText,
	topLevelOutputText,
}

// ExtractAgentText applies the agent precedence and falls back to the
// serialized raw payload.
func ExtractAgentText(raw map[string]any) string {
	if text, ok := firstOf(agentExtractors, raw); ok {
		return text
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(b)
}

// ExtractWorkflowText applies the workflow precedence and falls back to a
// fixed placeholder. It never fails.
func ExtractWorkflowText(raw map[string]any) string {
	if text, ok := firstOf(workflowExtractors, raw); ok {
		return text
	}
	return NoAnswerText
}

func firstOf(strategies []extractor, raw map[string]any) (string, bool) {
	for _, s := range strategies {
		if text, ok := s(raw); ok {
			return text, true
		}
	}
	return "", false
}

func topLevelOutputText(raw map[string]any) (string, bool) {
	s, ok := raw["output_text"].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// firstMessageText takes the first text content of the first message item
func firstMessageText(raw map[string]any) (string, bool) {
	for _, item := range outputItems(raw) {
		if item["type"] != "message" {
			continue
		}
		for _, c := range contentItems(item) {
			if isTextContent(c) {
				if text, ok := contentText(c); ok {
					return text, true
				}
			}
		}
		return "", false
	}
	return "", false
}

func firstOutputContent(raw map[string]any) (string, bool) {
	items := outputItems(raw)
	if len(items) == 0 {
		return "", false
	}
	content := contentItems(items[0])
	if len(content) == 0 {
		return "", false
	}
	return contentText(content[0])
}

// lastMessageText scans message items from the end, preferring the last
// synthesized message with non-blank text.
func lastMessageText(raw map[string]any) (string, bool) {
	items := outputItems(raw)
	for i := len(items) - 1; i >= 0; i-- {
		if items[i]["type"] != "message" {
			continue
		}
		for _, c := range contentItems(items[i]) {
			if !isTextContent(c) {
				continue
			}
			if text, ok := contentText(c); ok && strings.TrimSpace(text) != "" {
				return text, true
			}
		}
	}
	return "", false
}

func outputItems(raw map[string]any) []map[string]any {
	return objects(raw["output"])
}

func contentItems(item map[string]any) []map[string]any {
	return objects(item["content"])
}

func objects(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func isTextContent(c map[string]any) bool {
	t, _ := c["type"].(string)
	return t == "output_text" || t == "text"
}

// contentText reads "text" (string or {value}) or "value"
func contentText(c map[string]any) (string, bool) {
	switch t := c["text"].(type) {
	case string:
		return t, true
	case map[string]any:
		if v, ok := t["value"].(string); ok {
			return v, true
		}
	}
	if v, ok := c["value"].(string); ok {
		return v, true
	}
	return "", false
}
