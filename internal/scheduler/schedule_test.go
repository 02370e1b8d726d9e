package scheduler

import (
	"testing"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

func TestRenderPromptSubstitutesVariables(t *testing.T) {
	out, err := RenderPrompt("New mail from {{from}}: {{ subject }}", map[string]string{
		"from":    "a@example.com",
		"subject": "Invoice",
	})
	if err != nil {
		t.Fatalf("RenderPrompt: %v", err)
	}
	if out != "New mail from a@example.com: Invoice" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderPromptUnknownVariableIsEmpty(t *testing.T) {
	out, err := RenderPrompt("Check {{mystery}} today", map[string]string{})
	if err != nil {
		t.Fatalf("RenderPrompt: %v", err)
	}
	if out != "Check  today" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderPromptNoPlaceholders(t *testing.T) {
	out, err := RenderPrompt("Summarize my inbox", nil)
	if err != nil {
		t.Fatalf("RenderPrompt: %v", err)
	}
	if out != "Summarize my inbox" {
		t.Fatalf("out = %q", out)
	}
}

func TestValidateMaintenanceCron(t *testing.T) {
	cases := []struct {
		expr string
		ok   bool
	}{
		{"30 2 * * *", true},
		{"0 4 * * *", true},
		{"30 2 1 * *", false},  // pinned day of month
		{"30 2 * * 1", false},  // pinned weekday
		{"30 2 * 6 *", false},  // pinned month
		{"* * * *", false},     // 4 fields
		{"61 2 * * *", false},  // invalid minute
	}
	for _, c := range cases {
		err := ValidateMaintenanceCron(c.expr)
		if c.ok && err != nil {
			t.Errorf("ValidateMaintenanceCron(%q) = %v, want nil", c.expr, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ValidateMaintenanceCron(%q) = nil, want error", c.expr)
		}
	}
}

func TestNextRunCron(t *testing.T) {
	td := &models.TaskDefinition{
		Trigger:        models.TriggerCron,
		CronExpression: "30 2 * * *",
	}
	after := time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	next, err := NextRun(td, after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 8, 1, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunEmailPollUsesInterval(t *testing.T) {
	td := &models.TaskDefinition{
		Trigger:          models.TriggerEmailPoll,
		PollIntervalMins: 5,
	}
	after := time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	next, err := NextRun(td, after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if !next.Equal(after.Add(5 * time.Minute)) {
		t.Fatalf("next = %v", next)
	}
}
