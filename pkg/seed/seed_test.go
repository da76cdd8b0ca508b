package seed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/transcript"
)

func stored(msgs ...transcript.Message) []transcript.StoredMessage {
	out := make([]transcript.StoredMessage, len(msgs))
	for i, m := range msgs {
		out[i] = transcript.StoredMessage{JobID: "job-1", Seq: i + 1, Message: m}
	}
	return out
}

func toolCall(id, name string) transcript.ToolCall {
	return transcript.ToolCall{ID: id, Type: "function", Name: name, Arguments: "{}"}
}

func TestBuild(t *testing.T) {
	t.Run("should drop system messages", func(t *testing.T) {
		s := Build(stored(
			transcript.SystemMessage("you are an agent"),
			transcript.UserMessage("do the thing"),
			transcript.AssistantMessage("done", nil),
		), "new request")

		require.Len(t, s.Messages, 2)
		assert.Equal(t, transcript.RoleUser, s.Messages[0].Role)
		assert.False(t, s.DroppedIncompleteTrailingTurn)
	})

	t.Run("should trim trailing failure-template assistants", func(t *testing.T) {
		s := Build(stored(
			transcript.UserMessage("do the thing"),
			transcript.AssistantMessage("working on it", nil),
			transcript.AssistantMessage("I hit an internal error and could not finish.", nil),
		), "new request")

		require.Len(t, s.Messages, 2)
		assert.Equal(t, "working on it", s.Messages[1].Text)
	})

	t.Run("should drop an incomplete trailing tool turn", func(t *testing.T) {
		s := Build(stored(
			transcript.UserMessage("list files"),
			transcript.AssistantMessage("", []transcript.ToolCall{toolCall("c1", "exec")}),
			transcript.ToolMessage("c1", "file.txt"),
			transcript.AssistantMessage("", []transcript.ToolCall{toolCall("c2", "exec")}),
		), "new request")

		assert.True(t, s.DroppedIncompleteTrailingTurn)
		require.Len(t, s.Messages, 3)
		assert.Equal(t, transcript.RoleTool, s.Messages[2].Role)
	})

	t.Run("should keep a complete tool turn", func(t *testing.T) {
		s := Build(stored(
			transcript.UserMessage("list files"),
			transcript.AssistantMessage("", []transcript.ToolCall{toolCall("c1", "exec")}),
			transcript.ToolMessage("c1", "file.txt"),
			transcript.AssistantMessage("there is one file", nil),
		), "new request")

		assert.False(t, s.DroppedIncompleteTrailingTurn)
		assert.Len(t, s.Messages, 4)
	})

	t.Run("should skip a duplicate leading user message", func(t *testing.T) {
		s := Build(stored(
			transcript.UserMessage("  do   the thing \n"),
			transcript.AssistantMessage("ok", nil),
		), "do the thing")

		assert.True(t, s.SkippedInitialDuplicateUser)
		require.Len(t, s.Messages, 1)
		assert.Equal(t, transcript.RoleAssistant, s.Messages[0].Role)
	})

	t.Run("should omit empty assistant messages", func(t *testing.T) {
		s := Build(stored(
			transcript.UserMessage("hi"),
			transcript.AssistantMessage("   ", nil),
			transcript.AssistantMessage("hello", nil),
		), "other")

		require.Len(t, s.Messages, 2)
		assert.Equal(t, "hello", s.Messages[1].Text)
	})

	t.Run("should be idempotent on its own output", func(t *testing.T) {
		first := Build(stored(
			transcript.SystemMessage("sys"),
			transcript.UserMessage("task"),
			transcript.AssistantMessage("", []transcript.ToolCall{toolCall("c1", "exec")}),
			transcript.ToolMessage("c1", "out"),
			transcript.AssistantMessage("", []transcript.ToolCall{toolCall("c2", "exec")}),
		), "task two")

		again := Build(stored(first.Messages...), "task two")
		assert.False(t, again.DroppedIncompleteTrailingTurn)
		assert.Equal(t, first.Messages, again.Messages)

		// No retained tool message references an id outside the retained set.
		openIDs := map[string]bool{}
		for _, m := range again.Messages {
			for _, tc := range m.ToolCalls {
				openIDs[tc.ID] = true
			}
			if m.Role == transcript.RoleTool {
				assert.True(t, openIDs[m.ToolCallID])
			}
		}
	})

	t.Run("should handle an empty transcript", func(t *testing.T) {
		s := Build(nil, "anything")
		assert.Empty(t, s.Messages)
		assert.False(t, s.DroppedIncompleteTrailingTurn)
		assert.False(t, s.SkippedInitialDuplicateUser)
	})
}

func TestIsFailureTemplate(t *testing.T) {
	assert.True(t, IsFailureTemplate("I hit an internal error while running this task."))
	assert.True(t, IsFailureTemplate("  this run was cancelled before completion"))
	assert.False(t, IsFailureTemplate("the build failed with exit code 1"))
}
