package run

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/transcript"
)

func rejectsToolUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not support tools")
}

func rejectsImages(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not support image")
}

func TestModelCallStage_Call(t *testing.T) {
	t.Run("should return the primary response and save a receipt", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{textStop("hello")}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.defaults()

		stage := newModelCallStage(rc)
		resp, err := stage.Call(context.Background(), rc.Seed, "span-job")

		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Text)
		require.Len(t, store.receipts, 1)
		assert.Equal(t, transcript.AttemptPrimary, store.receipts[0].AttemptKind)
		assert.True(t, store.receipts[0].Success)
		assert.Equal(t, "test-model", store.receipts[0].Model)
	})

	t.Run("should fall back without tools when the provider rejects tool use", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{
			failStep("model does not support tools"),
			textStop("recovered"),
		}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.ToolUseRejected = rejectsToolUse
		rc.defaults()

		stage := newModelCallStage(rc)
		resp, err := stage.Call(context.Background(), rc.Seed, "")

		require.NoError(t, err)
		assert.Equal(t, "recovered", resp.Text)
		assert.False(t, stage.ToolsEnabled())

		kinds := store.receiptKinds()
		assert.Equal(t, []transcript.AttemptKind{transcript.AttemptPrimary, transcript.AttemptNoToolsFallback}, kinds)
		assert.False(t, store.receipts[0].Success)
		assert.NotEmpty(t, store.receipts[0].ErrorText)

		reqs := prov.recorded()
		require.Len(t, reqs, 2)
		assert.NotEmpty(t, reqs[0].Tools)
		assert.Empty(t, reqs[1].Tools)
	})

	t.Run("should keep tools disabled on later calls", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{
			failStep("model does not support tools"),
			textStop("first"),
			textStop("second"),
		}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.ToolUseRejected = rejectsToolUse
		rc.defaults()

		stage := newModelCallStage(rc)
		_, err := stage.Call(context.Background(), rc.Seed, "")
		require.NoError(t, err)
		_, err = stage.Call(context.Background(), rc.Seed, "")
		require.NoError(t, err)

		reqs := prov.recorded()
		require.Len(t, reqs, 3)
		assert.Empty(t, reqs[2].Tools, "tools must stay off after a rejection")
	})

	t.Run("should strip image parts and retry when the provider rejects images", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{
			failStep("model does not support image input"),
			textStop("text-only ok"),
		}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.ImageRejected = rejectsImages
		rc.defaults()

		messages := []transcript.Message{
			transcript.SystemMessage("sys"),
			transcript.UserMessageWithParts("look at this", []transcript.ContentPart{
				{Type: transcript.PartText, Text: "look at this"},
				{Type: transcript.PartImage, MediaType: "image/png", Data: "aGk="},
			}),
		}

		stage := newModelCallStage(rc)
		resp, err := stage.Call(context.Background(), messages, "")

		require.NoError(t, err)
		assert.Equal(t, "text-only ok", resp.Text)
		assert.True(t, stage.ToolsEnabled(), "image fallback keeps tools on")

		reqs := prov.recorded()
		require.Len(t, reqs, 2)
		for _, m := range reqs[1].Messages {
			assert.False(t, m.HasImageParts())
		}
		assert.Equal(t, []transcript.AttemptKind{transcript.AttemptPrimary, transcript.AttemptImageFallback}, store.receiptKinds())
	})

	t.Run("should chain to the tools-off image fallback", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{
			failStep("model does not support image input"),
			failStep("model does not support tools"),
			textStop("bare ok"),
		}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.ToolUseRejected = rejectsToolUse
		rc.ImageRejected = rejectsImages
		rc.defaults()

		stage := newModelCallStage(rc)
		resp, err := stage.Call(context.Background(), rc.Seed, "")

		require.NoError(t, err)
		assert.Equal(t, "bare ok", resp.Text)
		assert.False(t, stage.ToolsEnabled())
		assert.Equal(t, []transcript.AttemptKind{
			transcript.AttemptPrimary,
			transcript.AttemptImageFallback,
			transcript.AttemptImageNoToolsFallback,
		}, store.receiptKinds())
	})

	t.Run("should fail the run when the whole chain is exhausted", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{
			failStep("model does not support tools"),
			failStep("upstream is on fire"),
		}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.ToolUseRejected = rejectsToolUse
		rc.defaults()

		stage := newModelCallStage(rc)
		_, err := stage.Call(context.Background(), rc.Seed, "")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream is on fire")
		for _, r := range store.receipts {
			assert.False(t, r.Success)
		}
	})

	t.Run("should not fall back on unclassified errors", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{failStep("rate limited")}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.defaults()

		stage := newModelCallStage(rc)
		_, err := stage.Call(context.Background(), rc.Seed, "")

		require.Error(t, err)
		assert.Len(t, prov.recorded(), 1)
		assert.True(t, stage.ToolsEnabled())
	})
}

func TestModelCallStage_CallWithKind(t *testing.T) {
	t.Run("should use the override model", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{textStop(`{"action":"run"}`)}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.defaults()

		stage := newModelCallStage(rc)
		_, err := stage.CallWithKind(context.Background(), "cheap-model", rc.Seed, nil, transcript.AttemptTriage, "")

		require.NoError(t, err)
		reqs := prov.recorded()
		require.Len(t, reqs, 1)
		assert.Equal(t, "cheap-model", reqs[0].Model)
		require.Len(t, store.receipts, 1)
		assert.Equal(t, "cheap-model", store.receipts[0].Model)
		assert.Equal(t, transcript.AttemptTriage, store.receipts[0].AttemptKind)
	})

	t.Run("should fall back to the primary model when empty", func(t *testing.T) {
		store := newFakeStore()
		prov := &scriptedProvider{steps: []providerStep{textStop("ok")}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.defaults()

		stage := newModelCallStage(rc)
		_, err := stage.CallWithKind(context.Background(), "", rc.Seed, nil, transcript.AttemptLastLook, "")

		require.NoError(t, err)
		assert.Equal(t, "test-model", prov.recorded()[0].Model)
	})

	t.Run("should not swallow the provider error", func(t *testing.T) {
		store := newFakeStore()
		wantErr := errors.New("provider down")
		prov := &scriptedProvider{steps: []providerStep{{err: wantErr}}}
		rc := testRunContext(store, prov, newFakeExecutor())
		rc.defaults()

		stage := newModelCallStage(rc)
		_, err := stage.CallWithKind(context.Background(), "", rc.Seed, nil, transcript.AttemptPostProcess, "")

		assert.ErrorIs(t, err, wantErr)
	})
}

var _ provider.ChatProvider = (*scriptedProvider)(nil)
