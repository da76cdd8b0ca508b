// Package seed rebuilds a resumable prompt prefix from a prior job's stored
// transcript, so a retried task continues from the last coherent point
// instead of replaying failures or half-finished tool turns.
package seed

import (
	"strings"

	"github.com/droverhq/drover/pkg/transcript"
)

// Seed is a trimmed prompt prefix plus flags describing what the trim
// removed.
type Seed struct {
	Messages                      []transcript.Message
	DroppedIncompleteTrailingTurn bool
	SkippedInitialDuplicateUser   bool
}

// failureTemplates are prefixes of assistant messages the orchestrator
// appends on fatal paths. A resumed run must not start from one of these.
var failureTemplates = []string{
	"i hit an internal error",
	"i ran into an internal error",
	"this run was cancelled",
	"this run exceeded its cost limit",
	"i reached the turn limit",
	"i wasn't able to finish",
}

// IsFailureTemplate reports whether text matches a known internal-failure
// message appended by the run itself.
func IsFailureTemplate(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, p := range failureTemplates {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// Build derives a retry seed from a prior transcript and the new inbound
// user text:
//
//  1. System messages are dropped; they are re-derived for the new run.
//  2. Trailing assistant messages matching internal-failure templates are
//     trimmed.
//  3. The transcript is cut at the last safe boundary: a point where no
//     tool_call_id is awaiting its tool result, or where a user message
//     appears. Anything after it is dropped.
//  4. A leading user message identical (whitespace-normalized) to the new
//     inbound text is skipped to avoid duplication.
//  5. Messages that carry nothing (empty assistant text, no tool calls) are
//     omitted.
func Build(stored []transcript.StoredMessage, newUserText string) Seed {
	var out Seed

	msgs := make([]transcript.Message, 0, len(stored))
	for _, sm := range stored {
		if sm.Message.Role == transcript.RoleSystem {
			continue
		}
		msgs = append(msgs, sm.Message)
	}

	for len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Role == transcript.RoleAssistant && len(last.ToolCalls) == 0 && IsFailureTemplate(last.Text) {
			msgs = msgs[:len(msgs)-1]
			continue
		}
		break
	}

	boundary := 0
	open := map[string]struct{}{}
	for i, m := range msgs {
		switch m.Role {
		case transcript.RoleAssistant:
			for _, tc := range m.ToolCalls {
				if tc.IsFunction() {
					open[tc.ID] = struct{}{}
				}
			}
		case transcript.RoleTool:
			delete(open, m.ToolCallID)
		}
		if len(open) == 0 || m.Role == transcript.RoleUser {
			boundary = i + 1
		}
	}
	if boundary < len(msgs) {
		msgs = msgs[:boundary]
		out.DroppedIncompleteTrailingTurn = true
	}

	if len(msgs) > 0 && msgs[0].Role == transcript.RoleUser &&
		normalizeWhitespace(msgs[0].Text) == normalizeWhitespace(newUserText) {
		msgs = msgs[1:]
		out.SkippedInitialDuplicateUser = true
	}

	for _, m := range msgs {
		if m.Role == transcript.RoleAssistant && strings.TrimSpace(m.Text) == "" && len(m.ToolCalls) == 0 {
			continue
		}
		out.Messages = append(out.Messages, m)
	}
	return out
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
