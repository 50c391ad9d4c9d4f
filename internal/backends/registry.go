package backends

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LookupFunc resolves one configuration key
type LookupFunc func(key string) (string, bool)

// LegacySettings configures the implicit id-0 backend
type LegacySettings struct {
	Endpoint string
	Name     string
	APIKey   string
}

// Options controls registry construction
type Options struct {
	Legacy    LegacySettings
	DefaultID *int // configured default; validated against the loaded targets
}

// Registry holds every configured backend. It is immutable after LoadRegistry.
type Registry struct {
	agents    []Target
	workflows []Target
	mfas      []Target
	byID      map[int]Target
	legacy    Target
	defaultID int
}

// Listing groups the configured targets by variant
type Listing struct {
	Agents    []Target
	Workflows []Target
	MFAs      []Target
}

// LoadRegistry parses the AGENT_i_*, WORKFLOW_i_* and MFA_i_* families.
// Each family is read from index 1 upwards until the first absent _NAME key.
func LoadRegistry(lookup LookupFunc, opts Options) (*Registry, error) {
	r := &Registry{byID: make(map[int]Target)}

	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	for i := 1; ; i++ {
		prefix := fmt.Sprintf("AGENT_%d_", i)
		name := get(prefix + "NAME")
		if name == "" {
			break
		}
		cred, err := parseCredential(get(prefix+"API_KEY"), get(prefix+"AUTH_SCHEME"), prefix)
		if err != nil {
			return nil, err
		}
		r.add(Target{
			ID:         AgentID(i),
			Kind:       KindAgent,
			Name:       name,
			Label:      get(prefix + "LABEL"),
			Endpoint:   trimEndpoint(get(prefix + "ENDPOINT")),
			Credential: cred,
		})
	}

	for i := 1; i < mfaIDBase; i++ {
		prefix := fmt.Sprintf("WORKFLOW_%d_", i)
		name := get(prefix + "NAME")
		if name == "" {
			break
		}
		cred, err := parseCredential(get(prefix+"API_KEY"), get(prefix+"AUTH_SCHEME"), prefix)
		if err != nil {
			return nil, err
		}
		r.add(Target{
			ID:         WorkflowID(i),
			Kind:       KindWorkflow,
			Name:       name,
			Label:      get(prefix + "LABEL"),
			Endpoint:   trimEndpoint(get(prefix + "ENDPOINT")),
			Credential: cred,
		})
	}

	for i := 1; ; i++ {
		prefix := fmt.Sprintf("MFA_%d_", i)
		name := get(prefix + "NAME")
		if name == "" {
			break
		}
		t := Target{
			ID:          MFAID(i),
			Kind:        KindMFA,
			Name:        name,
			Label:       get(prefix + "LABEL"),
			Endpoint:    strings.TrimSpace(get(prefix + "ENDPOINT")),
			FunctionKey: get(prefix + "FUNCTION_KEY"),
		}
		if raw := get(prefix + "FALLBACK_WORKFLOW_ID"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %sFALLBACK_WORKFLOW_ID %q: %w", prefix, raw, err)
			}
			// Accept both "-1" and the bare slot index "1"
			if id > 0 {
				id = -id
			}
			if KindForID(id) != KindWorkflow {
				return nil, fmt.Errorf("%sFALLBACK_WORKFLOW_ID %q is not a workflow id", prefix, raw)
			}
			t.FallbackWorkflowID = &id
		}
		r.add(t)
	}

	r.legacy = Target{
		ID:       LegacyID,
		Kind:     KindLegacy,
		Name:     opts.Legacy.Name,
		Label:    "Legacy agent",
		Endpoint: trimEndpoint(opts.Legacy.Endpoint),
		Credential: Credential{
			APIKey: opts.Legacy.APIKey,
			Scheme: SchemeAPIKey,
		},
	}

	r.defaultID = r.resolveDefault(opts.DefaultID)
	return r, nil
}

func (r *Registry) add(t Target) {
	switch t.Kind {
	case KindAgent:
		r.agents = append(r.agents, t)
	case KindWorkflow:
		r.workflows = append(r.workflows, t)
	case KindMFA:
		r.mfas = append(r.mfas, t)
	}
	r.byID[t.ID] = t
}

// resolveDefault picks the configured default if it exists, else the first MFA
// slot, else the legacy backend.
func (r *Registry) resolveDefault(configured *int) int {
	if configured != nil && r.Exists(*configured) {
		return *configured
	}
	if _, ok := r.byID[MFAID(1)]; ok {
		return MFAID(1)
	}
	return LegacyID
}

// Get returns the target with the given id, or the legacy fallback when the id
// is not configured.
func (r *Registry) Get(id int) Target {
	if t, ok := r.byID[id]; ok {
		return t
	}
	return r.legacy
}

// Lookup returns the target with the given id without falling back
func (r *Registry) Lookup(id int) (Target, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// Legacy returns the implicit legacy backend
func (r *Registry) Legacy() Target {
	return r.legacy
}

// List returns every configured target grouped by variant
func (r *Registry) List() Listing {
	return Listing{
		Agents:    append([]Target(nil), r.agents...),
		Workflows: append([]Target(nil), r.workflows...),
		MFAs:      append([]Target(nil), r.mfas...),
	}
}

// DefaultID returns the id selected at startup
func (r *Registry) DefaultID() int {
	return r.defaultID
}

// Exists validates an id against the registry of its sign class:
// ids > 0 must be agents, ids <= -100 MFAs and the remaining negatives workflows.
// The legacy id is not selectable.
func (r *Registry) Exists(id int) bool {
	t, ok := r.byID[id]
	if !ok {
		return false
	}
	return t.Kind == KindForID(id)
}

// ValidIDs returns all selectable ids in ascending order
func (r *Registry) ValidIDs() []int {
	ids := make([]int, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func parseCredential(key, scheme, prefix string) (Credential, error) {
	c := Credential{APIKey: key, Scheme: SchemeAPIKey}
	switch strings.ToLower(scheme) {
	case "", string(SchemeAPIKey):
	case string(SchemeBearer):
		c.Scheme = SchemeBearer
	default:
		return Credential{}, fmt.Errorf("invalid %sAUTH_SCHEME %q (must be 'api-key' or 'bearer')", prefix, scheme)
	}
	return c, nil
}

func trimEndpoint(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}
