// Package backends holds the configured agent, workflow and MFA backends and
// the process-wide pointer to the one currently selected.
package backends

import "fmt"

// Kind discriminates the BackendTarget variants
type Kind string

const (
	KindAgent    Kind = "agent"
	KindWorkflow Kind = "workflow"
	KindMFA      Kind = "mfa"
	KindLegacy   Kind = "legacy"
)

// LegacyID is the implicit id of the unconfigured legacy fallback backend
const LegacyID = 0

// mfaIDBase is the boundary of the MFA id range: MFA slot i has id -(mfaIDBase+i)
const mfaIDBase = 100

// KindForID maps the external sign convention onto a variant.
// Positive ids are agents, (-100, 0) workflows, <= -100 MFA and 0 legacy.
func KindForID(id int) Kind {
	switch {
	case id > 0:
		return KindAgent
	case id == LegacyID:
		return KindLegacy
	case id <= -mfaIDBase:
		return KindMFA
	default:
		return KindWorkflow
	}
}

// AgentID returns the id of the i-th (1-based) agent slot
func AgentID(i int) int { return i }

// WorkflowID returns the id of the i-th (1-based) workflow slot
func WorkflowID(i int) int { return -i }

// MFAID returns the id of the i-th (1-based) MFA slot
func MFAID(i int) int { return -(mfaIDBase + i) }

// AuthScheme selects how a static key is presented to the upstream
type AuthScheme string

const (
	SchemeAPIKey AuthScheme = "api-key" // "api-key: <key>" (Azure style)
	SchemeBearer AuthScheme = "bearer"  // "Authorization: Bearer <key>"
)

// Credential is either a static key or a request to use managed identity
type Credential struct {
	APIKey string
	Scheme AuthScheme
}

// ManagedIdentity reports whether no static key is configured
func (c Credential) ManagedIdentity() bool {
	return c.APIKey == ""
}

// Target is one configured backend. Targets are built once at startup and
// never mutated afterwards.
type Target struct {
	ID         int
	Kind       Kind
	Name       string // provider-facing identifier, sent upstream verbatim
	Label      string // display label, defaults to Name
	Endpoint   string // base URL; may be empty (reported at request time)
	Credential Credential

	// MFA only
	FunctionKey        string
	FallbackWorkflowID *int
}

// DisplayLabel returns the label, falling back to the name
func (t Target) DisplayLabel() string {
	if t.Label != "" {
		return t.Label
	}
	return t.Name
}

// EndpointKey returns the environment key an operator would set to configure
// this target's endpoint. Used in configuration error hints.
func (t Target) EndpointKey() string {
	switch t.Kind {
	case KindAgent:
		return fmt.Sprintf("AGENT_%d_ENDPOINT", t.ID)
	case KindWorkflow:
		return fmt.Sprintf("WORKFLOW_%d_ENDPOINT", -t.ID)
	case KindMFA:
		return fmt.Sprintf("MFA_%d_ENDPOINT", -t.ID-mfaIDBase)
	default:
		return "LEGACY_AGENT_ENDPOINT"
	}
}

func (t Target) String() string {
	return fmt.Sprintf("%s(%d:%s)", t.Kind, t.ID, t.Name)
}
