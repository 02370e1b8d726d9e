package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/nova/pkg/models"
)

// calendarPlugin is a minimal multi-instance plugin: one function,
// aggregated at >= 2 bound instances behind a calendar_account selector.
type calendarPlugin struct{}

func (calendarPlugin) Metadata() PluginMetadata {
	return PluginMetadata{
		Kind:        "caldav",
		Name:        "Calendar",
		Description: "CalDAV calendar access",
		Aggregation: &AggregationSpec{MinInstances: 2, SelectorField: "calendar_account"},
	}
}

func (calendarPlugin) GetFunctions(_ context.Context, binding *models.ToolBinding, _ *models.Agent) ([]FunctionDescriptor, error) {
	label := binding.Label
	return []FunctionDescriptor{{
		Name:        "list_events",
		Description: "List upcoming events",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"day": map[string]any{"type": "string"}}},
		Invoke: func(context.Context, json.RawMessage) (string, bool) {
			return fmt.Sprintf("events from %s", label), false
		},
	}}, nil
}

type searchPlugin struct{}

func (searchPlugin) Metadata() PluginMetadata {
	return PluginMetadata{Kind: "websearch", Name: "Web Search", Description: "search the web"}
}

func (searchPlugin) GetFunctions(context.Context, *models.ToolBinding, *models.Agent) ([]FunctionDescriptor, error) {
	return []FunctionDescriptor{{
		Name:        "web_search",
		Description: "Search the web",
		Parameters:  map[string]any{"type": "object"},
		Invoke: func(context.Context, json.RawMessage) (string, bool) {
			return "results", false
		},
	}}, nil
}

func binding(id, kind, label string) *models.ToolBinding {
	return &models.ToolBinding{ID: id, AgentID: "agent-1", ToolID: id, ToolKind: kind, Label: label}
}

func buildWith(t *testing.T, bindings ...*models.ToolBinding) *BoundTools {
	t.Helper()
	r := NewRegistry()
	r.Register(calendarPlugin{})
	r.Register(searchPlugin{})
	bt, err := r.Build(context.Background(), &models.Agent{ID: "agent-1", UserID: "u1"}, bindings)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return bt
}

func TestBuildFlatBelowAggregationThreshold(t *testing.T) {
	bt := buildWith(t, binding("b1", "caldav", "personal"))

	out, isErr := bt.Execute(context.Background(), "list_events", json.RawMessage(`{}`))
	if isErr {
		t.Fatalf("Execute errored: %s", out)
	}
	if out != "events from personal" {
		t.Fatalf("out = %q", out)
	}
	if len(bt.PromptHints()) != 0 {
		t.Fatal("single instance must not contribute a selector hint")
	}
}

func TestAggregatedSelectorResolution(t *testing.T) {
	bt := buildWith(t,
		binding("b1", "caldav", "personal"),
		binding("b2", "caldav", "work"),
	)

	// missing selector: error listing the available selectors
	out, isErr := bt.Execute(context.Background(), "list_events", json.RawMessage(`{}`))
	if !isErr {
		t.Fatalf("missing selector should error, got %q", out)
	}
	if !strings.Contains(out, "invalid_request") || !strings.Contains(out, "personal") || !strings.Contains(out, "work") {
		t.Fatalf("error should list selectors: %s", out)
	}

	// exact match routes
	out, isErr = bt.Execute(context.Background(), "list_events", json.RawMessage(`{"calendar_account":"work"}`))
	if isErr {
		t.Fatalf("Execute errored: %s", out)
	}
	if out != "events from work" {
		t.Fatalf("out = %q", out)
	}

	// unknown selector value
	out, isErr = bt.Execute(context.Background(), "list_events", json.RawMessage(`{"calendar_account":"nope"}`))
	if !isErr || !strings.Contains(out, "invalid_request") {
		t.Fatalf("unknown selector: %v %q", isErr, out)
	}
}

func TestAggregatedAmbiguousSelector(t *testing.T) {
	bt := buildWith(t,
		binding("b1", "caldav", "work"),
		binding("b2", "caldav", "work"), // duplicate label
	)
	out, isErr := bt.Execute(context.Background(), "list_events", json.RawMessage(`{"calendar_account":"work"}`))
	if !isErr || !strings.Contains(out, "ambiguous") {
		t.Fatalf("duplicate labels should be ambiguous: %v %q", isErr, out)
	}
}

func TestAggregatedSchemaAndHint(t *testing.T) {
	bt := buildWith(t,
		binding("b1", "caldav", "personal"),
		binding("b2", "caldav", "work"),
		binding("b3", "websearch", ""),
	)

	var agg map[string]any
	for _, spec := range bt.Specs() {
		if spec.Name == "list_events" {
			agg = spec.Parameters
		}
	}
	if agg == nil {
		t.Fatal("aggregated spec missing")
	}
	props := agg["properties"].(map[string]any)
	if _, ok := props["calendar_account"]; !ok {
		t.Fatal("selector parameter not injected into schema")
	}

	hints := bt.PromptHints()
	if len(hints) != 1 || !strings.Contains(hints[0], "calendar_account") {
		t.Fatalf("hints = %v", hints)
	}

	// flat tool unaffected by its aggregated sibling
	out, isErr := bt.Execute(context.Background(), "web_search", json.RawMessage(`{}`))
	if isErr || out != "results" {
		t.Fatalf("web_search: %v %q", isErr, out)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	bt := buildWith(t, binding("b1", "websearch", ""))
	out, isErr := bt.Execute(context.Background(), "nope", nil)
	if !isErr || !strings.Contains(out, "not available") {
		t.Fatalf("unknown tool: %v %q", isErr, out)
	}
}
