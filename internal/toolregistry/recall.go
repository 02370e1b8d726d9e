package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nova/internal/recall"
)

// recallSearchSchema and recallGetSchema are the JSON schemas advertised
// for conversation_search/conversation_get, matching their parameter
// sets in spec §4.5.
var recallSearchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query":        map[string]any{"type": "string"},
		"day":          map[string]any{"type": "string", "description": "YYYY-MM-DD, scopes the search to one day"},
		"recency_days": map[string]any{"type": "integer", "default": 14},
		"limit":        map[string]any{"type": "integer", "default": 6},
		"offset":       map[string]any{"type": "integer", "default": 0},
	},
	"required": []string{"query"},
}

var recallGetSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"message_id":       map[string]any{"type": "string"},
		"day_segment_id":   map[string]any{"type": "string"},
		"from_message_id":  map[string]any{"type": "string"},
		"to_message_id":    map[string]any{"type": "string"},
		"before_message_id": map[string]any{"type": "string"},
		"after_message_id":  map[string]any{"type": "string"},
		"limit":            map[string]any{"type": "integer", "default": 30},
	},
}

// WithRecall registers conversation_search/conversation_get, scoped to
// threadID, into bt. These two tools are always available to every
// agent (spec §4.5) rather than bound per tool-instance, so they are
// wired directly rather than through the Plugin/aggregation path.
// Errors never cross the tool boundary: both functions return a
// structured {"error": ...} JSON string instead (spec §4.5, §7).
func WithRecall(bt *BoundTools, r *recall.Recall, threadID string) *BoundTools {
	if bt == nil {
		bt = &BoundTools{invocables: make(map[string]func(context.Context, json.RawMessage) (string, bool))}
	}
	if bt.invocables == nil {
		bt.invocables = make(map[string]func(context.Context, json.RawMessage) (string, bool))
	}

	registerFunction(bt, FunctionDescriptor{
		Name:        "conversation_search",
		Description: "Search this conversation's history (day summaries and transcript excerpts) for relevant context.",
		Parameters:  recallSearchSchema,
		Invoke:      searchInvoker(r, threadID),
	})
	registerFunction(bt, FunctionDescriptor{
		Name:        "conversation_get",
		Description: "Fetch a specific day's summary or a window of messages around an anchor.",
		Parameters:  recallGetSchema,
		Invoke:      getInvoker(r, threadID),
	})
	return bt
}

func searchInvoker(r *recall.Recall, threadID string) func(context.Context, json.RawMessage) (string, bool) {
	return func(ctx context.Context, args json.RawMessage) (string, bool) {
		var in struct {
			Query       string `json:"query"`
			Day         string `json:"day"`
			RecencyDays int    `json:"recency_days"`
			Limit       int    `json:"limit"`
			Offset      int    `json:"offset"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return errJSON("invalid_request", "malformed arguments: "+err.Error()), true
			}
		}
		if in.Query == "" {
			return errJSON("invalid_request", "query is required"), true
		}
		resp, err := r.Search(ctx, recall.SearchRequest{
			ThreadID: threadID, Query: in.Query, Day: in.Day,
			RecencyDays: in.RecencyDays, Limit: in.Limit, Offset: in.Offset,
		})
		if err != nil {
			return errJSON("not_found", err.Error()), true
		}
		out, _ := json.Marshal(resp)
		return string(out), false
	}
}

func getInvoker(r *recall.Recall, threadID string) func(context.Context, json.RawMessage) (string, bool) {
	return func(ctx context.Context, args json.RawMessage) (string, bool) {
		var in struct {
			MessageID     string `json:"message_id"`
			DaySegmentID  string `json:"day_segment_id"`
			FromMessageID string `json:"from_message_id"`
			ToMessageID   string `json:"to_message_id"`
			BeforeID      string `json:"before_message_id"`
			AfterID       string `json:"after_message_id"`
			Limit         int    `json:"limit"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return errJSON("invalid_request", "malformed arguments: "+err.Error()), true
			}
		}
		res, err := r.Get(ctx, recall.GetRequest{
			ThreadID: threadID, MessageID: in.MessageID, DaySegmentID: in.DaySegmentID,
			FromMessageID: in.FromMessageID, ToMessageID: in.ToMessageID,
			BeforeID: in.BeforeID, AfterID: in.AfterID, Limit: in.Limit,
		})
		if err != nil {
			if err == recall.ErrInvalidRequest {
				return errJSON("invalid_request", "no identifying parameter supplied"), true
			}
			return errJSON("not_found", err.Error()), true
		}
		out, _ := json.Marshal(res)
		return string(out), false
	}
}

func errJSON(kind, message string) string {
	return fmt.Sprintf(`{"error":%q,"message":%q}`, kind, message)
}
