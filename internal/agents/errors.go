package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/yegors/aura-relay/internal/auth"
)

// ConfigurationError reports a required endpoint or credential that is missing
// at request time. Never retried.
type ConfigurationError struct {
	Key     string // environment key the operator should set
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s (set %s)", e.Message, e.Key)
}

// ValidationError reports a malformed inbound request. Always raised before any
// upstream call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UpstreamHTTPError carries a non-2xx upstream reply verbatim
type UpstreamHTTPError struct {
	Backend     string
	Status      int
	Body        []byte
	ContentType string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Backend, e.Status, truncate(string(e.Body), 200))
}

// UpstreamTransportError reports a network failure, timeout or an exhausted
// availability path reaching an upstream backend.
type UpstreamTransportError struct {
	Backend string
	Err     error
}

func (e *UpstreamTransportError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Backend, e.Err)
}

func (e *UpstreamTransportError) Unwrap() error { return e.Err }

// CorrelatedError attaches the request correlation id to an MFA failure so the
// id can be echoed on error responses too.
type CorrelatedError struct {
	CorrelationID string
	Err           error
}

func (e *CorrelatedError) Error() string { return e.Err.Error() }

func (e *CorrelatedError) Unwrap() error { return e.Err }

// StatusFor maps an error onto the HTTP status returned to the caller
func StatusFor(err error) int {
	var (
		validation *ValidationError
		cfg        *ConfigurationError
		upstream   *UpstreamHTTPError
		transport  *UpstreamTransportError
		authErr    *auth.Error
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &cfg):
		return http.StatusInternalServerError
	case errors.As(err, &authErr):
		return http.StatusInternalServerError
	case errors.As(err, &transport):
		return http.StatusBadGateway
	case errors.As(err, &upstream):
		return upstream.Status
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody builds the JSON error payload for err. Upstream HTTP errors are not
// handled here; callers write their body verbatim.
func ErrorBody(err error) map[string]any {
	var (
		cfg       *ConfigurationError
		transport *UpstreamTransportError
		authErr   *auth.Error
	)
	switch {
	case errors.As(err, &cfg):
		return map[string]any{
			"error": cfg.Message,
			"hint":  fmt.Sprintf("Set %s in the environment", cfg.Key),
		}
	case errors.As(err, &authErr):
		return map[string]any{
			"error":   "Failed to acquire credentials for the backend",
			"details": authErr.Err.Error(),
		}
	case errors.As(err, &transport):
		body := map[string]any{
			"error":   fmt.Sprintf("Upstream %s unavailable", transport.Backend),
			"details": transport.Err.Error(),
		}
		var upstream *UpstreamHTTPError
		if errors.As(transport.Err, &upstream) {
			body["status"] = upstream.Status
			body["details"] = decodeLoose(upstream.Body)
		}
		return body
	default:
		return map[string]any{"error": err.Error()}
	}
}

// decodeLoose returns parsed JSON when possible and the raw string otherwise
func decodeLoose(b []byte) any {
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
