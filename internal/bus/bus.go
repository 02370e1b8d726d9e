// Package bus implements the per-task event stream: a sequence-numbered
// feed of the canonical task lifecycle events, fanned out over one
// channel per running task so a client attached mid-run still receives
// ordered, monotonic events.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

// EventType is one of the canonical task lifecycle events.
type EventType string

// These values are the canonical event type strings sent verbatim on
// the wire — a consumer matches on the literal string, so they are not
// renamed to fit Go naming conventions.
const (
	EventTaskStarted        EventType = "task_started"
	EventProgress           EventType = "progress_update"
	EventResponseChunk      EventType = "response_chunk"
	EventInteractionNeeded  EventType = "interrupt"
	EventInteractionResumed EventType = "interaction_update"
	EventTaskCompleted      EventType = "task_complete"
	EventTaskError          EventType = "task_error"
	EventContinuousRebuilt  EventType = "continuous_context_rebuilt"
	EventDaySummarized      EventType = "continuous_summary_ready"
	EventContextConsumption EventType = "context_consumption"
	EventNewMessage         EventType = "new_message"
)

// Event is one item on a task's stream. Sequence is monotonic per
// task_id, starting at 1, so a reconnecting client can detect gaps.
type Event struct {
	Sequence  uint64         `json:"sequence"`
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id"`
	Time      time.Time      `json:"time"`
	Step      string         `json:"step,omitempty"`
	Message   string         `json:"message,omitempty"`
	Category  string         `json:"category,omitempty"` // novaerr.Category, on task_error
	Extra     map[string]any `json:"extra,omitempty"`
}

// Sink receives events for one task. Implementations must be safe for
// concurrent use and must not block the emitting goroutine for long —
// a slow consumer should buffer or drop, never stall the executor.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// ChanSink delivers events to a buffered channel, dropping the event if
// the channel is full rather than blocking the executor.
type ChanSink struct {
	ch chan Event
}

// NewChanSink creates a sink backed by a channel of the given buffer
// size. The returned channel is for the caller to range over.
func NewChanSink(buffer int) (*ChanSink, <-chan Event) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	return &ChanSink{ch: ch}, ch
}

func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// Close closes the underlying channel; no further Emit calls are valid.
func (s *ChanSink) Close() { close(s.ch) }

// MultiSink fans an event out to every attached sink (e.g. a live
// stream subscriber plus a persistence sink that appends to
// Task.progress_log).
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: append([]Sink(nil), sinks...)}
}

func (m *MultiSink) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

func (m *MultiSink) Emit(ctx context.Context, e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Emit(ctx, e)
	}
}

// Emitter assigns monotonic sequence numbers to one task's events and
// dispatches them to a sink.
type Emitter struct {
	taskID   string
	sequence uint64
	sink     Sink
}

// NewEmitter creates an Emitter for a task. A nil sink discards events.
func NewEmitter(taskID string, sink Sink) *Emitter {
	if sink == nil {
		sink = nopSink{}
	}
	return &Emitter{taskID: taskID, sink: sink}
}

func (e *Emitter) next() uint64 { return atomic.AddUint64(&e.sequence, 1) }

func (e *Emitter) emit(ctx context.Context, ev Event) {
	ev.Sequence = e.next()
	ev.TaskID = e.taskID
	ev.Time = time.Now()
	e.sink.Emit(ctx, ev)
}

func (e *Emitter) TaskStarted(ctx context.Context) {
	e.emit(ctx, Event{Type: EventTaskStarted})
}

// Progress reports one ProgressEntry appended to a task (spec §4.8:
// "progress_update {progress_log}").
func (e *Emitter) Progress(ctx context.Context, entry models.ProgressEntry) {
	e.emit(ctx, Event{Type: EventProgress, Step: entry.Step, Extra: map[string]any{"progress_log": entry}})
}

// InteractionNeeded reports a graph suspension (spec §4.8: "interrupt
// {interaction_id, question, schema, origin_name}"). schema may be nil
// for a free-form answer.
func (e *Emitter) InteractionNeeded(ctx context.Context, interactionID, question string, schema json.RawMessage, originName string) {
	e.emit(ctx, Event{
		Type:    EventInteractionNeeded,
		Message: question,
		Extra: map[string]any{
			"interaction_id": interactionID,
			"schema":         schema,
			"origin_name":    originName,
		},
	})
}

// InteractionResumed reports an Interaction's status transition (spec
// §4.8: "interaction_update {interaction_id, status}") — used both when
// an answer resumes the task and (by the answer/cancel endpoints,
// outside this package) on cancellation.
func (e *Emitter) InteractionResumed(ctx context.Context, interactionID, status string) {
	e.emit(ctx, Event{
		Type:  EventInteractionResumed,
		Extra: map[string]any{"interaction_id": interactionID, "status": status},
	})
}

// TaskCompleted reports a successful terminal task state (spec §4.8:
// "task_complete {result, thread_id?, thread_subject?}"). threadID and
// threadSubject may be empty when not applicable (e.g. an ephemeral
// run whose thread was already deleted).
func (e *Emitter) TaskCompleted(ctx context.Context, result, threadID, threadSubject string) {
	extra := map[string]any{}
	if threadID != "" {
		extra["thread_id"] = threadID
	}
	if threadSubject != "" {
		extra["thread_subject"] = threadSubject
	}
	e.emit(ctx, Event{Type: EventTaskCompleted, Message: result, Extra: extra})
}

func (e *Emitter) TaskError(ctx context.Context, category, message string) {
	e.emit(ctx, Event{Type: EventTaskError, Category: category, Message: message})
}

func (e *Emitter) ContinuousContextRebuilt(ctx context.Context, fingerprint string) {
	e.emit(ctx, Event{Type: EventContinuousRebuilt, Extra: map[string]any{"fingerprint": fingerprint}})
}

// DaySummarized reports a completed day-summary refresh (spec §4.8:
// "continuous_summary_ready {day_segment_id, day_label, updated_at}").
func (e *Emitter) DaySummarized(ctx context.Context, daySegmentID, dayLabel string, updatedAt time.Time) {
	e.emit(ctx, Event{
		Type: EventDaySummarized,
		Extra: map[string]any{
			"day_segment_id": daySegmentID,
			"day_label":      dayLabel,
			"updated_at":     updatedAt,
		},
	})
}

// ContextConsumption reports the token accounting for one graph turn,
// emitted after the LLM call returns (spec §4.8: "context_consumption
// {real_tokens?, approx_tokens?, max_context}") — usage is observed,
// never estimated ahead of the call. Exactly one of realTokens/
// approxTokens is non-zero: the provider-reported total when available,
// else the chars/4 approximation.
func (e *Emitter) ContextConsumption(ctx context.Context, realTokens, approxTokens, maxContext int) {
	extra := map[string]any{"max_context": maxContext}
	if realTokens > 0 {
		extra["real_tokens"] = realTokens
	} else {
		extra["approx_tokens"] = approxTokens
	}
	e.emit(ctx, Event{Type: EventContextConsumption, Extra: extra})
}

// NewMessage reports one ThreadMessage appended as a post-hoc insert
// (spec §4.8: "new_message {message}" — "for post-hoc inserts (e.g.
// compact notice)"), so a stream subscriber can render it without
// separately polling the thread.
func (e *Emitter) NewMessage(ctx context.Context, message *models.ThreadMessage) {
	e.emit(ctx, Event{
		Type:  EventNewMessage,
		Extra: map[string]any{"message": message},
	})
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// Registry hands out one Emitter/subscriber pair per running task id,
// so a client can attach to "task_<id>" and a late subscriber still
// gets everything emitted from that point on.
type Registry struct {
	mu       sync.Mutex
	base     []Sink // attached to every task stream (e.g. metrics)
	tasks    map[string]*MultiSink
	emitters map[string]*Emitter
}

// NewRegistry creates a Registry. Any base sinks are attached to every
// task's stream in addition to its subscribers.
func NewRegistry(base ...Sink) *Registry {
	return &Registry{base: base, tasks: make(map[string]*MultiSink), emitters: make(map[string]*Emitter)}
}

func (r *Registry) sinkFor(taskID string) *MultiSink {
	ms, ok := r.tasks[taskID]
	if !ok {
		ms = NewMultiSink(r.base...)
		r.tasks[taskID] = ms
	}
	return ms
}

// EmitterFor returns (creating if needed) the Emitter for a task id.
func (r *Registry) EmitterFor(taskID string) *Emitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if em, ok := r.emitters[taskID]; ok {
		return em
	}
	em := NewEmitter(taskID, r.sinkFor(taskID))
	r.emitters[taskID] = em
	return em
}

// Subscribe attaches a new channel sink to a task's stream and returns
// the receive side.
func (r *Registry) Subscribe(taskID string, buffer int) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	sink, ch := NewChanSink(buffer)
	r.sinkFor(taskID).Add(sink)
	return ch
}

// Forget drops a task's sinks once it reaches a terminal state.
func (r *Registry) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
	delete(r.emitters, taskID)
}
