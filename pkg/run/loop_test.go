package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/runcontrol"
	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/transcript"
)

func TestInferenceLoop_Run(t *testing.T) {
	t.Run("should stop naturally on a plain text response", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{textStop("all done")}}
		rc := testRunContext(store, prov, newFakeExecutor())

		loop := NewInferenceLoop(rc)
		result, err := loop.Run(context.Background(), "span-job")

		require.NoError(t, err)
		assert.Equal(t, "all done", result.FinalText)
		assert.Equal(t, 1, result.Turns)
		assert.False(t, result.HitLimit)

		assistants := store.messagesByRole(transcript.RoleAssistant)
		require.Len(t, assistants, 1)
		assert.Equal(t, "all done", assistants[0].Text)
	})

	t.Run("should run the tool batch and feed results back into the next turn", func(t *testing.T) {
		store := newFakeStore()
		exec := newFakeExecutor()
		exec.onOutput("exec", "README.md\nmain.go")
		prov := &scriptedProvider{steps: []providerStep{
			toolCallStep("checking the tree", fnCall("call-1", "exec", `{"command":"ls"}`)),
			textStop("two files found"),
		}}
		rc := testRunContext(store, prov, exec)

		loop := NewInferenceLoop(rc)
		result, err := loop.Run(context.Background(), "span-job")

		require.NoError(t, err)
		assert.Equal(t, 2, result.Turns)
		assert.Equal(t, "two files found", result.FinalText)

		// The second request must carry the assistant tool-call message and
		// its tool result.
		reqs := prov.recorded()
		require.Len(t, reqs, 2)
		last := reqs[1].Messages
		require.GreaterOrEqual(t, len(last), 4)
		assert.Equal(t, transcript.RoleAssistant, last[len(last)-2].Role)
		assert.Equal(t, transcript.RoleTool, last[len(last)-1].Role)
		assert.Equal(t, "call-1", last[len(last)-1].ToolCallID)
		assert.Equal(t, "README.md\nmain.go", last[len(last)-1].Content)
	})

	t.Run("should answer every tool call id exactly once across the run", func(t *testing.T) {
		store := newFakeStore()
		exec := newFakeExecutor()
		exec.onOutput("exec", "ok")
		prov := &scriptedProvider{steps: []providerStep{
			toolCallStep("", fnCall("c1", "exec", `{}`), fnCall("c2", "exec", `{}`)),
			toolCallStep("", fnCall("c3", "exec", `{}`)),
			textStop("finished"),
		}}
		rc := testRunContext(store, prov, exec)

		loop := NewInferenceLoop(rc)
		_, err := loop.Run(context.Background(), "span-job")
		require.NoError(t, err)

		answered := map[string]int{}
		var issued []string
		for _, m := range store.snapshot() {
			switch m.Role {
			case transcript.RoleAssistant:
				for _, tc := range m.ToolCalls {
					if tc.IsFunction() {
						issued = append(issued, tc.ID)
					}
				}
			case transcript.RoleTool:
				answered[m.ToolCallID]++
			}
		}
		require.Len(t, issued, 3)
		for _, id := range issued {
			assert.Equal(t, 1, answered[id], "tool call %s", id)
		}
	})

	t.Run("should hit the turn limit and append the limit explanation", func(t *testing.T) {
		store := newFakeStore()
		exec := newFakeExecutor()
		exec.onOutput("exec", "ok")
		prov := &scriptedProvider{steps: []providerStep{
			toolCallStep("", fnCall("c1", "exec", `{}`)),
			toolCallStep("", fnCall("c2", "exec", `{}`)),
			toolCallStep("", fnCall("c3", "exec", `{}`)),
		}}
		rc := testRunContext(store, prov, exec)
		rc.MaxTurns = 3

		loop := NewInferenceLoop(rc)
		result, err := loop.Run(context.Background(), "span-job")

		require.NoError(t, err)
		assert.True(t, result.HitLimit)
		assert.Equal(t, 3, result.Turns)
		assert.Equal(t, turnLimitMessage, result.FinalText)

		msgs := store.snapshot()
		require.NotEmpty(t, msgs)
		lastMsg := msgs[len(msgs)-1]
		assert.Equal(t, transcript.RoleAssistant, lastMsg.Role)
		assert.Equal(t, turnLimitMessage, lastMsg.Text)
	})

	t.Run("should warn once when approaching the turn limit", func(t *testing.T) {
		store := newFakeStore()
		exec := newFakeExecutor()
		exec.onOutput("exec", "ok")
		prov := &scriptedProvider{steps: []providerStep{
			toolCallStep("", fnCall("c1", "exec", `{}`)),
			textStop("wrapping up"),
		}}
		rc := testRunContext(store, prov, exec)
		rc.MaxTurns = 5

		loop := NewInferenceLoop(rc)
		_, err := loop.Run(context.Background(), "span-job")
		require.NoError(t, err)

		warnings := 0
		for _, m := range store.messagesByRole(transcript.RoleSystem) {
			if m.Text == wrapUpWarning {
				warnings++
			}
		}
		assert.Equal(t, 1, warnings)
	})

	t.Run("should fail the run when the cost limit is exceeded", func(t *testing.T) {
		store := newFakeStore()
		store.limits = transcript.LimitStatus{Exceeded: true, Spent: 12.5, Limit: 10, Details: "spent 12.50 of 10.00"}
		prov := &scriptedProvider{steps: []providerStep{textStop("never reached")}}
		rc := testRunContext(store, prov, newFakeExecutor())

		loop := NewInferenceLoop(rc)
		_, err := loop.Run(context.Background(), "span-job")

		require.ErrorIs(t, err, ErrCostLimitExceeded)
		assert.Contains(t, err.Error(), "spent 12.50 of 10.00")
		assert.Empty(t, prov.recorded(), "no model call once the limit is exceeded")
	})

	t.Run("should inject a single cost warning when nearing the limit", func(t *testing.T) {
		store := newFakeStore()
		store.limits = transcript.LimitStatus{Warned: true, Spent: 8, Limit: 10}
		exec := newFakeExecutor()
		exec.onOutput("exec", "ok")
		prov := &scriptedProvider{steps: []providerStep{
			toolCallStep("", fnCall("c1", "exec", `{}`)),
			textStop("done under budget"),
		}}
		rc := testRunContext(store, prov, exec)

		loop := NewInferenceLoop(rc)
		_, err := loop.Run(context.Background(), "span-job")
		require.NoError(t, err)

		warnings := 0
		for _, m := range store.messagesByRole(transcript.RoleSystem) {
			if m.Text == costWarning {
				warnings++
			}
		}
		assert.Equal(t, 1, warnings)
	})

	t.Run("should keep running when the limit check itself fails", func(t *testing.T) {
		store := newFakeStore()
		store.limitsErr = assert.AnError
		prov := &scriptedProvider{steps: []providerStep{textStop("fine")}}
		rc := testRunContext(store, prov, newFakeExecutor())

		loop := NewInferenceLoop(rc)
		result, err := loop.Run(context.Background(), "span-job")

		require.NoError(t, err)
		assert.Equal(t, "fine", result.FinalText)
	})

	t.Run("should surface cancellation from the gate", func(t *testing.T) {
		store := newFakeStore()
		port := runcontrol.NewMemoryPort()
		port.Cancel()
		prov := &scriptedProvider{}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.Gate = runcontrol.NewGate(port, nil, time.Millisecond)

		loop := NewInferenceLoop(rc)
		_, err := loop.Run(context.Background(), "span-job")

		require.ErrorIs(t, err, runcontrol.ErrCancelled)
		assert.Empty(t, prov.recorded())
	})
}

func TestInferenceLoop_Steering(t *testing.T) {
	t.Run("should inject queued steering before the first turn without consuming one", func(t *testing.T) {
		store := newFakeStore()
		port := runcontrol.NewMemoryPort()
		port.Steer(runcontrol.SteeringMessage{Text: "also check the logs", SenderName: "ana"})
		prov := &scriptedProvider{steps: []providerStep{textStop("checked")}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.Gate = runcontrol.NewGate(port, nil, time.Millisecond)

		loop := NewInferenceLoop(rc)
		result, err := loop.Run(context.Background(), "span-job")

		require.NoError(t, err)
		assert.Equal(t, 1, result.Turns)

		users := store.messagesByRole(transcript.RoleUser)
		require.Len(t, users, 1)
		assert.Equal(t, "[ana] also check the logs", users[0].Text)

		// The injected messages reached the model in the first request.
		reqs := prov.recorded()
		require.Len(t, reqs, 1)
		found := false
		for _, m := range reqs[0].Messages {
			if m.Role == transcript.RoleUser && m.Text == "[ana] also check the logs" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("should interrupt a tool batch and address the new message next turn", func(t *testing.T) {
		store := newFakeStore()
		port := runcontrol.NewMemoryPort()
		exec := newFakeExecutor()
		exec.on("exec", func(map[string]interface{}, *sandbox.ExecContext) sandbox.ToolCallResult {
			port.Steer(runcontrol.SteeringMessage{Text: "change of plans"})
			return sandbox.ToolCallResult{Success: true, Output: "partial work"}
		})
		prov := &scriptedProvider{steps: []providerStep{
			toolCallStep("", fnCall("c1", "exec", `{}`), fnCall("c2", "exec", `{}`)),
			textStop("plans changed"),
		}}
		rc := testRunContext(store, prov, exec)
		rc.Gate = runcontrol.NewGate(port, nil, time.Millisecond)

		loop := NewInferenceLoop(rc)
		result, err := loop.Run(context.Background(), "span-job")

		require.NoError(t, err)
		assert.Equal(t, "plans changed", result.FinalText)

		msgs := store.snapshot()
		var toolContents []string
		var sawSteerNote, sawUser bool
		for _, m := range msgs {
			switch m.Role {
			case transcript.RoleTool:
				toolContents = append(toolContents, m.Content)
			case transcript.RoleSystem:
				if m.Text == steerNote {
					sawSteerNote = true
				}
			case transcript.RoleUser:
				if m.Text == "[user] change of plans" {
					sawUser = true
				}
			}
		}
		require.Len(t, toolContents, 2)
		assert.Equal(t, "partial work", toolContents[0])
		assert.Equal(t, skippedForSteerResult, toolContents[1])
		assert.True(t, sawSteerNote)
		assert.True(t, sawUser)

		// Both call ids were answered before the injected user message.
		last := prov.recorded()[1].Messages
		var seenUser bool
		for _, m := range last {
			if m.Role == transcript.RoleUser && m.Text == "[user] change of plans" {
				seenUser = true
			}
			if m.Role == transcript.RoleTool {
				assert.False(t, seenUser, "tool results precede the steering injection")
			}
		}
	})

	t.Run("should fold a late steer into a last-look reply after natural completion", func(t *testing.T) {
		store := newFakeStore()
		port := runcontrol.NewMemoryPort()
		prov := &scriptedProvider{steps: []providerStep{
			textStop("first answer"),
			textStop("updated answer"),
		}}
		// The message lands while the final model call is in flight, after
		// the turn's poll, so only the last look can see it.
		prov.onCall = func(callIndex int) {
			if callIndex == 1 {
				port.Steer(runcontrol.SteeringMessage{Text: "one more thing"})
			}
		}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.Gate = runcontrol.NewGate(port, nil, time.Millisecond)

		loop := NewInferenceLoop(rc)
		result, err := loop.Run(context.Background(), "span-job")

		require.NoError(t, err)
		assert.Equal(t, "updated answer", result.FinalText)
		assert.Equal(t, 1, result.Turns)

		reqs := prov.recorded()
		require.Len(t, reqs, 2)
		assert.Empty(t, reqs[1].Tools, "last look runs without tools")
		assert.Contains(t, store.receiptKinds(), transcript.AttemptLastLook)
	})
}
