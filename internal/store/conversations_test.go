package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tavern/internal/types"
)

func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	s, err := NewConversationStore(filepath.Join(t.TempDir(), "tavern.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta := Metadata{CurrentLocation: "tavern/common-room", Traits: []string{"brave", "curious"}}
	require.NoError(t, s.Create(ctx, "adv-1", "The Broken Compass", meta))

	conv, err := s.Load(ctx, "adv-1")
	require.NoError(t, err)
	assert.Equal(t, "adv-1", conv.ID)
	assert.Equal(t, "The Broken Compass", conv.Title)
	assert.Equal(t, meta, conv.Metadata)
	assert.Empty(t, conv.Messages)
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAppendPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "adv-1", "", Metadata{}))

	contents := []string{"I enter.", "It is dark.", "I light a torch."}
	for _, c := range contents {
		msg := types.ChatMessage{
			ID:        uuid.NewString(),
			Role:      types.RoleUser,
			Source:    "player",
			Content:   c,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.Append(ctx, "adv-1", msg))
	}

	conv, err := s.Load(ctx, "adv-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	for i, c := range contents {
		assert.Equal(t, c, conv.Messages[i].Content)
	}
}

func TestAppendToUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(context.Background(), "missing", types.ChatMessage{
		ID: uuid.NewString(), Role: types.RoleUser, Source: "player", CreatedAt: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetLocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "adv-1", "", Metadata{CurrentLocation: "tavern"}))

	require.NoError(t, s.SetLocation(ctx, "adv-1", "tavern/cellar"))

	conv, err := s.Load(ctx, "adv-1")
	require.NoError(t, err)
	assert.Equal(t, "tavern/cellar", conv.Metadata.CurrentLocation)

	err = s.SetLocation(ctx, "missing", "x")
	assert.True(t, errors.Is(err, ErrNotFound))
}
