// Package novaerr defines the error taxonomy surfaced to users and the
// UI, and the typed wrapper the Task Executor uses to convert any
// component failure into categorized Task state and a task_error event.
package novaerr

import (
	"errors"
	"fmt"
)

// Category is the error taxonomy surfaced to the user/UI.
type Category string

const (
	// CategoryValidation is malformed input at a public boundary; 4xx to
	// the caller; no side effects.
	CategoryValidation Category = "validation_error"
	// CategoryAuth is missing/invalid credentials; 401/403.
	CategoryAuth Category = "auth_error"
	// CategoryNotFound is an addressed entity missing.
	CategoryNotFound Category = "not_found"
	// CategoryToolFailure is a tool that raised or returned a structured
	// error; reported inside the tool output or as an event.
	CategoryToolFailure Category = "tool_failure"
	// CategoryAgentFailure is the LLM/graph raising; Task -> failed.
	CategoryAgentFailure Category = "agent_failure"
	// CategoryNetwork is provider/HTTP timeouts or refusals.
	CategoryNetwork Category = "network_error"
	// CategorySystem is unclassified; logged with full trace.
	CategorySystem Category = "system_error"
	// CategoryUserCanceled is an interaction the user canceled; the task
	// result is the canonical "Interaction canceled by user".
	CategoryUserCanceled Category = "user_canceled"
	// CategorySummary tags a terminal Day Summarizer failure.
	CategorySummary Category = "summary"
)

// Error is a categorized, user-surfaceable error. The Task Executor is
// the single place that converts any exception into one of these before
// writing progress_log/task.result and broadcasting task_error.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a categorized error with no underlying cause.
func New(cat Category, message string) *Error {
	return &Error{Category: cat, Message: message}
}

// Wrap attaches a category to an underlying error.
func Wrap(cat Category, message string, cause error) *Error {
	return &Error{Category: cat, Message: message, Cause: cause}
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf classifies any error, defaulting to CategorySystem when
// the error carries no explicit category.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Category
	}
	return CategorySystem
}

var (
	// ErrNoPendingInteraction indicates resume() was called against a
	// Task with no pending Interaction.
	ErrNoPendingInteraction = errors.New("no pending interaction for task")
	// ErrInteractionNotPending indicates answer/cancel was attempted on a
	// non-pending Interaction.
	ErrInteractionNotPending = errors.New("interaction is not pending")
	// ErrCheckpointBusy indicates a second active Task tried to drive a
	// (thread, agent) checkpoint already held by another active Task.
	ErrCheckpointBusy = errors.New("checkpoint already driven by another active task")
)
