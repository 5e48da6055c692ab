package message

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/id"
	"github.com/kiln-ai/kiln/internal/storage"
	"github.com/kiln-ai/kiln/pkg/types"
)

func newStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	return NewStore(storage.New(t.TempDir()), b), b
}

func userMessage(sessionID string) *types.UserMessage {
	return &types.UserMessage{
		ID:        id.Ascending(id.Message),
		SessionID: sessionID,
		Role:      "user",
		Agent:     "build",
	}
}

func TestUpdateAndGetMessage(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	msg := userMessage("ses_1")
	require.NoError(t, s.UpdateMessage(ctx, msg))

	got, err := s.Get(ctx, "ses_1", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg, got.Info)
	assert.Empty(t, got.Parts)
}

func TestGetMissingMessage(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), "ses_1", "msg_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPartsSortedByCreationOrder(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	msg := userMessage("ses_1")
	require.NoError(t, s.UpdateMessage(ctx, msg))

	var created []string
	for _, text := range []string{"one", "two", "three"} {
		part := &types.TextPart{
			ID:        id.Ascending(id.Part),
			SessionID: msg.SessionID,
			MessageID: msg.ID,
			Type:      "text",
			Text:      text,
		}
		created = append(created, part.ID)
		require.NoError(t, s.UpdatePart(ctx, part))
	}

	parts, err := s.Parts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for i, part := range parts {
		assert.Equal(t, created[i], part.PartID())
	}
}

func TestToolPartStateRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	part := &types.ToolPart{
		ID:        id.Ascending(id.Part),
		SessionID: "ses_1",
		MessageID: "msg_1",
		Type:      "tool",
		CallID:    "call_1",
		Tool:      "bash",
		State: types.ToolStateCompleted{
			Input:  map[string]any{"command": "ls"},
			Output: "main.go",
			Title:  "ls",
		},
	}
	require.NoError(t, s.UpdatePart(ctx, part))

	got, err := s.GetPart(ctx, "msg_1", part.ID)
	require.NoError(t, err)
	tool, ok := got.(*types.ToolPart)
	require.True(t, ok)
	state, ok := tool.State.(types.ToolStateCompleted)
	require.True(t, ok)
	assert.Equal(t, "main.go", state.Output)
}

func TestUpdatePartPublishesDelta(t *testing.T) {
	s, b := newStore(t)
	ctx := context.Background()

	var events []bus.MessagePartUpdatedData
	b.Subscribe(bus.MessagePartUpdated, func(e bus.Event) {
		events = append(events, e.Properties.(bus.MessagePartUpdatedData))
	})

	part := &types.TextPart{
		ID:        id.Ascending(id.Part),
		SessionID: "ses_1",
		MessageID: "msg_1",
		Type:      "text",
		Text:      "hel",
	}
	require.NoError(t, s.UpdatePartDelta(ctx, part, "hel"))
	part.Text = "hello"
	require.NoError(t, s.UpdatePartDelta(ctx, part, "lo"))
	require.NoError(t, s.UpdatePart(ctx, part))

	require.Len(t, events, 3)
	assert.Equal(t, "hel", events[0].Delta)
	assert.Equal(t, "lo", events[1].Delta)
	assert.Empty(t, events[2].Delta)
}

func TestRemoveMessageDeletesParts(t *testing.T) {
	s, b := newStore(t)
	ctx := context.Background()

	removed := 0
	b.Subscribe(bus.MessageRemoved, func(bus.Event) { removed++ })

	msg := userMessage("ses_1")
	require.NoError(t, s.UpdateMessage(ctx, msg))
	part := &types.TextPart{
		ID:        id.Ascending(id.Part),
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		Type:      "text",
		Text:      "x",
	}
	require.NoError(t, s.UpdatePart(ctx, part))

	require.NoError(t, s.RemoveMessage(ctx, msg.SessionID, msg.ID))

	_, err := s.Get(ctx, msg.SessionID, msg.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	parts, err := s.Parts(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, parts)
	assert.Equal(t, 1, removed)
}

func TestListChronologicalWithLimit(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		msg := userMessage("ses_1")
		ids = append(ids, msg.ID)
		require.NoError(t, s.UpdateMessage(ctx, msg))
	}

	all, err := s.List(ctx, "ses_1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, m := range all {
		assert.Equal(t, ids[i], m.Info.MessageID())
	}

	tail, err := s.List(ctx, "ses_1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[2], tail[0].Info.MessageID())
	assert.Equal(t, ids[3], tail[1].Info.MessageID())
}
