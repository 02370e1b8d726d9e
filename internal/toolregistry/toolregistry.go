// Package toolregistry implements the Tool Plugin contract (spec §4.6):
// discovery of built-in tools, aggregation of multiple same-kind
// instances bound to one agent behind a disambiguating selector
// parameter, and the resolved JSON-schema function surface a graph
// runner drives through graph.ToolExecutor.
//
// The registry is a thread-safe name->implementation map with a
// uniform Execute(name, params) surface and an error-shaped-result
// convention rather than a thrown error for "tool not found"/"tool
// failed", so one broken call never aborts a whole agent turn.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/pkg/models"
)

// AggregationSpec is aggregation metadata on a plugin: the minimum
// number of same-kind bound instances that triggers a single
// aggregated function surface, and the name of the selector parameter
// injected into every aggregated function's schema.
type AggregationSpec struct {
	MinInstances  int
	SelectorField string
}

// PluginMetadata describes one built-in tool kind (spec §4.6:
// "metadata record (name, description, config schema, optional 'skill'
// grouping, optional multi-instance aggregation spec)").
type PluginMetadata struct {
	Kind            string
	Name            string
	Description     string
	ConfigSchema    json.RawMessage
	Skill           string // optional grouping label, e.g. "productivity"
	Aggregation     *AggregationSpec
	RequiresCredential bool // true if discovery should gate on HasCredential
}

// FunctionDescriptor is one typed function a bound tool instance
// exposes to the agent graph: name, description, JSON input schema, and
// the async implementation (spec §4.6: "get_functions(tool, agent)
// coroutine returning a list of typed function descriptors").
type FunctionDescriptor struct {
	Name        string
	Description string
	Parameters  map[string]any
	Invoke      func(ctx context.Context, args json.RawMessage) (content string, isError bool)
}

// Plugin is the contract every built-in tool implementation satisfies.
type Plugin interface {
	Metadata() PluginMetadata
	// GetFunctions returns this tool instance's function surface, bound
	// to one (tool binding, agent) pair.
	GetFunctions(ctx context.Context, binding *models.ToolBinding, agent *models.Agent) ([]FunctionDescriptor, error)
}

// CredentialChecker is the narrow surface the discovery preference
// needs (spec §4.6: "only if a credential row with any populated field
// exists for that user").
type CredentialChecker interface {
	HasCredential(ctx context.Context, userID, toolKind string) (bool, error)
}

// Registry holds the set of discovered built-in Plugins, keyed by tool
// kind (e.g. "caldav", "imap", "websearch"). It is the discovery half of
// the contract; Build() resolves a concrete agent's bound instances
// into a callable BoundTools.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin, validating its metadata (spec §4.6:
// "Validation at tool creation enforces metadata existence"). Panics on
// a plugin with no kind, mirroring a programming error rather than a
// runtime condition — built-ins are registered once at process start.
func (r *Registry) Register(p Plugin) {
	meta := p.Metadata()
	if strings.TrimSpace(meta.Kind) == "" {
		panic("toolregistry: plugin metadata missing kind")
	}
	if err := validateMetadata(meta); err != nil {
		panic(fmt.Sprintf("toolregistry: invalid plugin metadata for %q: %v", meta.Kind, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[meta.Kind] = p
}

func validateMetadata(meta PluginMetadata) error {
	if strings.TrimSpace(meta.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(meta.ConfigSchema) > 0 {
		if _, err := jsonschema.CompileString(meta.Kind+".schema.json", string(meta.ConfigSchema)); err != nil {
			return fmt.Errorf("compile config schema: %w", err)
		}
	}
	if meta.Aggregation != nil {
		if meta.Aggregation.MinInstances < 2 {
			return fmt.Errorf("aggregation min instances must be >= 2")
		}
		if strings.TrimSpace(meta.Aggregation.SelectorField) == "" {
			return fmt.Errorf("aggregation selector field is required")
		}
	}
	return nil
}

// Get returns the plugin registered for a tool kind.
func (r *Registry) Get(kind string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[kind]
	return p, ok
}

// Kinds returns every registered tool kind, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for k := range r.plugins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PreferredBindings applies the discovery preference (spec §4.6:
// "user-owned first, then system, then (for credential-requiring
// tools) only if a credential row with any populated field exists for
// that user") over a flat list of candidate bindings for one tool kind.
// ownerOf reports a binding's owning user id, or "" for system-wide.
func (r *Registry) PreferredBindings(ctx context.Context, creds CredentialChecker, userID, kind string, all []*models.ToolBinding, ownerOf func(*models.ToolBinding) string) ([]*models.ToolBinding, error) {
	var userOwned, systemWide []*models.ToolBinding
	for _, b := range all {
		if ownerOf(b) == userID {
			userOwned = append(userOwned, b)
		} else if ownerOf(b) == "" {
			systemWide = append(systemWide, b)
		}
	}
	if len(userOwned) > 0 {
		return userOwned, nil
	}
	if len(systemWide) == 0 {
		return nil, nil
	}
	p, ok := r.Get(kind)
	if ok && p.Metadata().RequiresCredential && creds != nil {
		has, err := creds.HasCredential(ctx, userID, kind)
		if err != nil {
			return nil, fmt.Errorf("toolregistry: check credential: %w", err)
		}
		if !has {
			return nil, nil
		}
	}
	return systemWide, nil
}

var _ graph.ToolExecutor = (*BoundTools)(nil)
