package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/pkg/models"
)

// BoundTools is the resolved, callable function set for one agent: the
// union of every bound tool instance's functions, with same-kind
// instances at or above their plugin's aggregation threshold collapsed
// into a single selector-disambiguated surface (spec §4.6).
type BoundTools struct {
	specs      []graph.ToolSpec
	invocables map[string]func(ctx context.Context, args json.RawMessage) (string, bool)
	// promptHints are system-prompt instruction blocks contributed by
	// aggregated tools enumerating their available selectors (spec §4.6:
	// "Aggregated tools also contribute a system-prompt instruction
	// block enumerating the available selectors").
	promptHints []string
}

// Specs implements graph.ToolExecutor.
func (b *BoundTools) Specs() []graph.ToolSpec {
	if b == nil {
		return nil
	}
	return b.specs
}

// Execute implements graph.ToolExecutor.
func (b *BoundTools) Execute(ctx context.Context, name string, arguments json.RawMessage) (string, bool) {
	if b == nil {
		return fmt.Sprintf("tool %q is not available", name), true
	}
	fn, ok := b.invocables[name]
	if !ok {
		return fmt.Sprintf("tool %q is not available", name), true
	}
	return fn(ctx, arguments)
}

// PromptHints returns the aggregated-tool selector instruction blocks to
// append to the agent's system prompt.
func (b *BoundTools) PromptHints() []string {
	if b == nil {
		return nil
	}
	return b.promptHints
}

// instanceGroup is one tool kind's bound instances for a single agent.
type instanceGroup struct {
	kind     string
	bindings []*models.ToolBinding
}

// Build resolves an agent's bound tool instances into a callable
// BoundTools, grouping by kind and aggregating groups that meet their
// plugin's threshold. bindings is assumed already filtered through
// PreferredBindings per kind.
func (r *Registry) Build(ctx context.Context, agent *models.Agent, bindings []*models.ToolBinding) (*BoundTools, error) {
	groups := groupByKind(bindings)

	bt := &BoundTools{invocables: make(map[string]func(context.Context, json.RawMessage) (string, bool))}

	kinds := make([]string, 0, len(groups))
	for k := range groups {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		group := groups[kind]
		plugin, ok := r.Get(kind)
		if !ok {
			continue // unknown tool kind bound to an agent: skip silently, not a validation error here
		}
		meta := plugin.Metadata()

		agg := meta.Aggregation
		if agg != nil && len(group.bindings) >= agg.MinInstances {
			if err := aggregateInto(ctx, bt, plugin, meta, group.bindings, agent); err != nil {
				return nil, err
			}
			continue
		}
		for _, binding := range group.bindings {
			if err := flattenInto(ctx, bt, plugin, binding, agent); err != nil {
				return nil, err
			}
		}
	}
	return bt, nil
}

func groupByKind(bindings []*models.ToolBinding) map[string]*instanceGroup {
	groups := make(map[string]*instanceGroup)
	for _, b := range bindings {
		g, ok := groups[b.ToolKind]
		if !ok {
			g = &instanceGroup{kind: b.ToolKind}
			groups[b.ToolKind] = g
		}
		g.bindings = append(g.bindings, b)
	}
	return groups
}

// flattenInto adds one tool instance's functions directly, with no
// selector disambiguation — the case below the aggregation threshold.
func flattenInto(ctx context.Context, bt *BoundTools, plugin Plugin, binding *models.ToolBinding, agent *models.Agent) error {
	fns, err := plugin.GetFunctions(ctx, binding, agent)
	if err != nil {
		return fmt.Errorf("toolregistry: get functions for %s: %w", binding.ToolKind, err)
	}
	for _, fn := range fns {
		registerFunction(bt, fn)
	}
	return nil
}

// aggregateInto collapses N same-kind bound instances into one function
// surface per distinct function name, each requiring the plugin's
// selector parameter to disambiguate which instance handles the call
// (spec §4.6 selector resolution rules).
func aggregateInto(ctx context.Context, bt *BoundTools, plugin Plugin, meta PluginMetadata, bindings []*models.ToolBinding, agent *models.Agent) error {
	selector := meta.Aggregation.SelectorField

	byName := make(map[string][]aggInstance)
	var baseSpec map[string]FunctionDescriptor // first-seen descriptor per name, for description/parameters

	baseSpec = make(map[string]FunctionDescriptor)
	labels := make([]string, 0, len(bindings))

	for _, binding := range bindings {
		label := binding.Label
		if label == "" {
			label = binding.ID
		}
		labels = append(labels, label)
		fns, err := plugin.GetFunctions(ctx, binding, agent)
		if err != nil {
			return fmt.Errorf("toolregistry: get functions for %s instance %s: %w", binding.ToolKind, label, err)
		}
		for _, fn := range fns {
			byName[fn.Name] = append(byName[fn.Name], aggInstance{label: label, fn: fn})
			if _, ok := baseSpec[fn.Name]; !ok {
				baseSpec[fn.Name] = fn
			}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		instances := byName[name]
		base := baseSpec[name]
		params := withSelectorParam(base.Parameters, selector, labels)

		registerFunction(bt, FunctionDescriptor{
			Name:        name,
			Description: base.Description,
			Parameters:  params,
			Invoke:      resolveAggregatedCall(selector, instances, labels),
		})
	}

	bt.promptHints = append(bt.promptHints, selectorHint(meta, selector, labels))
	return nil
}

// aggInstance is one bound instance contributing a same-named function
// to an aggregated surface, labeled by its selector value.
type aggInstance struct {
	label string
	fn    FunctionDescriptor
}

// resolveAggregatedCall implements spec §4.6's selector resolution:
// missing -> error listing selectors; exactly one match -> route;
// multiple -> ambiguous error.
func resolveAggregatedCall(selector string, instances []aggInstance, labels []string) func(context.Context, json.RawMessage) (string, bool) {
	return func(ctx context.Context, args json.RawMessage) (string, bool) {
		var probe map[string]any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &probe); err != nil {
				return fmt.Sprintf(`{"error":"invalid_request","message":"malformed arguments: %s"}`, err), true
			}
		}
		raw, _ := probe[selector]
		value, _ := raw.(string)
		if value == "" {
			return fmt.Sprintf(`{"error":"invalid_request","message":"missing %q; available: %s"}`,
				selector, strings.Join(labels, ", ")), true
		}

		var matches []FunctionDescriptor
		for _, inst := range instances {
			if inst.label == value {
				matches = append(matches, inst.fn)
			}
		}
		switch len(matches) {
		case 0:
			return fmt.Sprintf(`{"error":"invalid_request","message":"unknown %s %q; available: %s"}`,
				selector, value, strings.Join(labels, ", ")), true
		case 1:
			return matches[0].Invoke(ctx, args)
		default:
			return fmt.Sprintf(`{"error":"ambiguous","message":"%s %q matches multiple tools"}`, selector, value), true
		}
	}
}

func withSelectorParam(base map[string]any, selector string, labels []string) map[string]any {
	params := cloneParams(base)
	props, _ := params["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	} else {
		props = cloneParams(props)
	}
	props[selector] = map[string]any{
		"type":        "string",
		"description": fmt.Sprintf("which instance to use; one of: %s", strings.Join(labels, ", ")),
		"enum":        append([]string(nil), labels...),
	}
	params["properties"] = props

	required, _ := params["required"].([]string)
	params["required"] = append(append([]string(nil), required...), selector)
	if params["type"] == nil {
		params["type"] = "object"
	}
	return params
}

// cloneParams makes a shallow copy so mutating one function's schema
// never leaks into a sibling function sharing the same base map.
func cloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func registerFunction(bt *BoundTools, fn FunctionDescriptor) {
	bt.specs = append(bt.specs, graph.ToolSpec{Name: fn.Name, Description: fn.Description, Parameters: fn.Parameters})
	bt.invocables[fn.Name] = fn.Invoke
}

// selectorHint renders the system-prompt instruction block for one
// aggregated tool kind.
func selectorHint(meta PluginMetadata, selector string, labels []string) string {
	return fmt.Sprintf("Tool %q has multiple configured instances: %s. Pass %q to disambiguate which one each call targets.",
		meta.Name, strings.Join(labels, ", "), selector)
}
