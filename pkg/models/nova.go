package models

import (
	"encoding/json"
	"time"
)

// ThreadMode distinguishes the single per-user continuous thread from
// ordinary ad-hoc threads.
type ThreadMode string

const (
	ThreadModeStandard   ThreadMode = "thread"
	ThreadModeContinuous ThreadMode = "continuous"
)

// Thread is a conversation container. Every user has at most one
// continuous-mode thread; all others are mode=thread.
type Thread struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Subject   string     `json:"subject"`
	Mode      ThreadMode `json:"mode"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DefaultThreadSubjectPrefix begins the auto-titling placeholder subject;
// a thread whose subject still starts with it is eligible for
// auto-titling after its first agent turn.
const DefaultThreadSubjectPrefix = "thread n°"

// Actor identifies who authored a ThreadMessage.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorAgent  Actor = "agent"
	ActorSystem Actor = "system"
)

// MessageType distinguishes plain conversation turns from ask-user
// question/answer turns.
type MessageType string

const (
	MessageTypeStandard MessageType = "standard"
	MessageTypeQuestion MessageType = "question"
	MessageTypeAnswer   MessageType = "answer"
)

// ThreadMessage is one append-only entry in a Thread's history. It is
// distinct from Message (the LLM/graph-facing runtime turn produced by
// the agent loop): ThreadMessage is the durable, user-facing record.
type ThreadMessage struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	ThreadID  string         `json:"thread_id"`
	Actor     Actor          `json:"actor"`
	Text      string         `json:"text"`
	// InternalData is an opaque per-message map, e.g. internal_data.source
	// = {channel, transport, external_message_id} for ingested messages.
	InternalData map[string]any `json:"internal_data,omitempty"`
	Type         MessageType    `json:"type"`
	CreatedAt    time.Time      `json:"created_at"`
}

// InteractionStatus is the lifecycle of an ask-user suspension.
type InteractionStatus string

const (
	InteractionPending  InteractionStatus = "pending"
	InteractionAnswered InteractionStatus = "answered"
	InteractionCanceled InteractionStatus = "canceled"
)

// Interaction is a durable ask-user suspension of a Task.
type Interaction struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	ThreadID   string            `json:"thread_id"`
	AgentRef   string            `json:"agent_ref"`
	Question   string            `json:"question"`
	Schema     json.RawMessage   `json:"schema,omitempty"`
	Answer     json.RawMessage   `json:"answer,omitempty"`
	ResumeToken string           `json:"resume_token,omitempty"`
	Status     InteractionStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TaskStatus is the lifecycle of a Task.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskRunning        TaskStatus = "running"
	TaskAwaitingInput  TaskStatus = "awaiting_input"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
)

// ProgressSeverity tags one ProgressEntry.
type ProgressSeverity string

const (
	ProgressInfo  ProgressSeverity = "info"
	ProgressWarn  ProgressSeverity = "warn"
	ProgressError ProgressSeverity = "error"
)

// ProgressEntry is one ordered step in a Task's progress_log.
type ProgressEntry struct {
	Step      string           `json:"step"`
	Severity  ProgressSeverity `json:"severity"`
	Timestamp time.Time        `json:"timestamp"`
	Extra     map[string]any   `json:"extra,omitempty"`
}

// Task drives one agent execution. Exactly one active (non-terminal)
// Task may write to a given (thread, agent) checkpoint at a time.
type Task struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ThreadID    string          `json:"thread_id"`
	AgentRef    string          `json:"agent_ref"`
	Status      TaskStatus      `json:"status"`
	ProgressLog []ProgressEntry `json:"progress_log,omitempty"`
	Result      string          `json:"result,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	// TriggerMessageID is the user Message, if any, whose submission
	// created this Task; the Continuous Context Builder excludes it from
	// today's window since it is passed as the graph prompt instead
	// (§4.2 step 6, §9 "exclude_message_id").
	TriggerMessageID string    `json:"trigger_message_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsTerminal reports whether the task has finished (no further
// execute/resume calls are valid against it).
func (t TaskStatus) IsTerminal() bool {
	return t == TaskCompleted || t == TaskFailed
}

// CheckpointLink binds one (thread, agent) pair to the opaque graph
// checkpoint that holds its conversational state, plus the fingerprint
// of the continuous-context inputs that last rebuilt it.
type CheckpointLink struct {
	ID                          string    `json:"id"` // UUID; the graph thread-id
	ThreadID                    string    `json:"thread_id"`
	AgentRef                    string    `json:"agent_ref"`
	ContinuousContextFingerprint string   `json:"continuous_context_fingerprint,omitempty"`
	ContinuousContextBuiltAt    time.Time `json:"continuous_context_built_at,omitempty"`
	CreatedAt                   time.Time `json:"created_at"`
}

// DaySegment anchors one local calendar day of a continuous thread.
type DaySegment struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	ThreadID            string    `json:"thread_id"`
	DayLabel            string    `json:"day_label"` // YYYY-MM-DD in user-local TZ
	StartsAtMessageID   string    `json:"starts_at_message_id"`
	SummaryMarkdown     string    `json:"summary_markdown,omitempty"`
	SummaryUntilMessage string    `json:"summary_until_message_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasSummary reports whether the segment carries a non-empty summary.
func (d *DaySegment) HasSummary() bool {
	return d != nil && d.SummaryMarkdown != ""
}

// TranscriptChunk is a ~600-token normalized excerpt used as the unit of
// lexical/semantic retrieval. Consecutive chunks share their boundary
// messages (~100 tokens' worth), so both their content and their message
// ranges overlap.
type TranscriptChunk struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ThreadID       string    `json:"thread_id"`
	DaySegmentID   string    `json:"day_segment_id"`
	StartMessageID string    `json:"start_message_id"`
	EndMessageID   string    `json:"end_message_id"`
	ContentText    string    `json:"content_text"`
	ContentHash    string    `json:"content_hash"`
	TokenEstimate  int       `json:"token_estimate"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EmbeddingState is the lifecycle of an embedding row.
type EmbeddingState string

const (
	EmbeddingPending EmbeddingState = "pending"
	EmbeddingReady   EmbeddingState = "ready"
	EmbeddingError   EmbeddingState = "error"
)

// EmbeddingRecord is the shared shape of DaySegmentEmbedding and
// TranscriptChunkEmbedding: one-to-one with a parent row.
type EmbeddingRecord struct {
	ID         string         `json:"id"`
	ParentID   string         `json:"parent_id"`
	Vector     []float32      `json:"-"`
	State      EmbeddingState `json:"state"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	Dimensions int            `json:"dimensions"`
	Error      string         `json:"error,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TaskTrigger is how a TaskDefinition is invoked.
type TaskTrigger string

const (
	TriggerCron      TaskTrigger = "cron"
	TriggerEmailPoll TaskTrigger = "email_poll"
)

// TaskDefinitionKind distinguishes user agent-tasks from system
// maintenance tasks (e.g. nightly summarization).
type TaskDefinitionKind string

const (
	TaskKindAgent       TaskDefinitionKind = "agent"
	TaskKindMaintenance TaskDefinitionKind = "maintenance"
)

// RunMode selects how an agent TaskDefinition's prompt becomes a Task.
type RunMode string

const (
	RunModeNewThread         RunMode = "new_thread"
	RunModeContinuousMessage RunMode = "continuous_message"
	RunModeEphemeral         RunMode = "ephemeral"
)

// EmailPollState is the persisted runtime_state shape for an
// email_poll TaskDefinition.
type EmailPollState struct {
	LastUID          uint32     `json:"last_uid"`
	UIDValidity      uint32     `json:"uidvalidity"`
	LastPollAt       time.Time  `json:"last_poll_at"`
	Initialized      bool       `json:"initialized"`
	BacklogSkippedAt *time.Time `json:"backlog_skipped_at,omitempty"`
}

// TaskDefinition is a user-owned recurring specification.
type TaskDefinition struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	Name             string             `json:"name"`
	Kind             TaskDefinitionKind `json:"kind"`
	// AgentRef names the Agent that runs this definition's prompt
	// (agent kind only; maintenance definitions leave it empty).
	AgentRef         string             `json:"agent_ref,omitempty"`
	Trigger          TaskTrigger        `json:"trigger"`
	CronExpression   string             `json:"cron_expression,omitempty"`
	TZ               string             `json:"tz,omitempty"`
	PromptTemplate   string             `json:"prompt_template,omitempty"`
	RunMode          RunMode            `json:"run_mode,omitempty"`
	EmailToolRef     string             `json:"email_tool_ref,omitempty"`
	PollIntervalMins int                `json:"poll_interval_minutes,omitempty"`
	RuntimeState     json.RawMessage    `json:"runtime_state,omitempty"`
	IsActive         bool               `json:"is_active"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// ToolBinding joins an Agent to a Tool it may call, carrying optional
// per-binding configuration (e.g. which mailbox for an email tool).
type ToolBinding struct {
	ID       string         `json:"id"`
	AgentID  string         `json:"agent_id"`
	ToolID   string         `json:"tool_id"`
	ToolKind string         `json:"tool_kind"`
	Config   map[string]any `json:"config,omitempty"`
	Label    string         `json:"label,omitempty"` // e.g. "work@example.com" for aggregation
}

// Credential is an opaque per-user, per-tool-kind blob. The core never
// reads field values, only whether any field is populated — the
// encrypted credential store itself is out of scope.
type Credential struct {
	UserID   string            `json:"user_id"`
	ToolKind string            `json:"tool_kind"`
	Fields   map[string]string `json:"-"`
}

// HasAnyField reports whether at least one credential field is set.
func (c *Credential) HasAnyField() bool {
	if c == nil {
		return false
	}
	for _, v := range c.Fields {
		if v != "" {
			return true
		}
	}
	return false
}

// EmailHeader is one entry returned by an email-poll trigger execution.
type EmailHeader struct {
	UID     uint32    `json:"uid"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
}
