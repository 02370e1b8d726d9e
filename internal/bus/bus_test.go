package bus

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestEmitterSequencesAreMonotonic(t *testing.T) {
	sink, ch := NewChanSink(16)
	e := NewEmitter("task-1", sink)
	ctx := context.Background()

	e.TaskStarted(ctx)
	e.Progress(ctx, models.ProgressEntry{Step: "invoke", Severity: models.ProgressInfo, Timestamp: time.Now()})
	e.TaskCompleted(ctx, "done", "thread-1", "subject")

	events := drain(ch)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, i+1)
		}
		if ev.TaskID != "task-1" {
			t.Fatalf("event %d task id = %q", i, ev.TaskID)
		}
	}
	if events[2].Type != EventTaskCompleted {
		t.Fatalf("last event type = %q, want %q", events[2].Type, EventTaskCompleted)
	}
	if events[2].Extra["thread_id"] != "thread-1" {
		t.Fatalf("task_complete thread_id = %v", events[2].Extra["thread_id"])
	}
}

func TestChanSinkDropsWhenFull(t *testing.T) {
	sink, ch := NewChanSink(1)
	ctx := context.Background()
	sink.Emit(ctx, Event{Type: EventProgress})
	sink.Emit(ctx, Event{Type: EventTaskCompleted}) // buffer full: dropped, not blocked

	events := drain(ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestRegistrySubscribeSeesSubsequentEvents(t *testing.T) {
	r := NewRegistry()
	ch := r.Subscribe("task-9", 8)
	emitter := r.EmitterFor("task-9")

	emitter.TaskError(context.Background(), "agent_failure", "boom")

	events := drain(ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != EventTaskError || events[0].Category != "agent_failure" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestContextConsumptionPrefersRealTokens(t *testing.T) {
	sink, ch := NewChanSink(4)
	e := NewEmitter("task-1", sink)
	ctx := context.Background()

	e.ContextConsumption(ctx, 1200, 0, 128000)
	e.ContextConsumption(ctx, 0, 340, 128000)

	events := drain(ch)
	if _, ok := events[0].Extra["real_tokens"]; !ok {
		t.Fatal("first event should carry real_tokens")
	}
	if _, ok := events[0].Extra["approx_tokens"]; ok {
		t.Fatal("real and approx tokens must be mutually exclusive")
	}
	if _, ok := events[1].Extra["approx_tokens"]; !ok {
		t.Fatal("second event should carry approx_tokens")
	}
}

func TestSanitizeHTMLAllowList(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"<p>hello <b>world</b></p>", "<p>hello <b>world</b></p>"},
		{`<script>alert(1)</script>`, "&lt;script&gt;alert(1)&lt;/script&gt;"},
		{`<a href="https://example.com" onclick="x()">link</a>`, `<a href="https://example.com">link</a>`},
		{`<a href="javascript:alert(1)">bad</a>`, "<a>bad</a>"},
		{"line<br>break", "line<br/>break"},
		{`<img src="x" onerror="y">`, `&lt;img src=&#34;x&#34; onerror=&#34;y&#34;&gt;`},
	}
	for _, c := range cases {
		if got := SanitizeHTML(c.in); got != c.want {
			t.Errorf("SanitizeHTML(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestResponseChunkIsSanitized(t *testing.T) {
	sink, ch := NewChanSink(4)
	e := NewEmitter("task-1", sink)
	e.ResponseChunk(context.Background(), `<p>ok</p><script>x</script>`)

	events := drain(ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	chunk := events[0].Extra["chunk"].(string)
	if chunk != "<p>ok</p>&lt;script&gt;x&lt;/script&gt;" {
		t.Fatalf("chunk = %q", chunk)
	}
}
