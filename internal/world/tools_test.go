package world

import (
	"context"
	"path/filepath"
	"testing"

	"tavern/internal/lorebook"
	"tavern/internal/store"
	"tavern/internal/types"
)

func newTestTools(t *testing.T) (*Tools, *lorebook.Store, *store.ConversationStore) {
	t.Helper()
	dir := t.TempDir()

	lb, err := lorebook.NewStore(filepath.Join(dir, "lorebook.db"))
	if err != nil {
		t.Fatalf("failed to open lorebook: %v", err)
	}
	t.Cleanup(func() { lb.Close() })

	conv, err := store.NewConversationStore(filepath.Join(dir, "conversations.db"))
	if err != nil {
		t.Fatalf("failed to open conversations: %v", err)
	}
	t.Cleanup(func() { conv.Close() })

	return NewTools(lb, "default", conv), lb, conv
}

func TestApplyAddLoreEntry(t *testing.T) {
	tools, lb, _ := newTestTools(t)
	ctx := context.Background()

	_, err := tools.Apply(ctx, "conv", []types.ToolCall{{
		Name: "add_lore_entry",
		Args: map[string]interface{}{
			"category": "characters",
			"name":     "Old Tom",
			"content":  "A retired sailor.",
			"keywords": []interface{}{"old tom", "sailor"},
		},
	}})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	entries, _ := lb.List(ctx, "default")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Category != types.CategoryCharacters || len(entries[0].Keywords) != 2 {
		t.Errorf("entry not recorded as given: %+v", entries[0])
	}
}

func TestApplyAddLoreEntryDefaults(t *testing.T) {
	tools, lb, _ := newTestTools(t)
	ctx := context.Background()

	tools.Apply(ctx, "conv", []types.ToolCall{{
		Name: "add_lore_entry",
		Args: map[string]interface{}{
			"category": "nonsense",
			"name":     "The Ledger",
			"content":  "A smudged book of accounts.",
		},
	}})

	entries, _ := lb.List(ctx, "default")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Category != types.CategoryOther {
		t.Errorf("unknown category should fall back to other, got %q", entries[0].Category)
	}
	if len(entries[0].Keywords) != 1 || entries[0].Keywords[0] != "The Ledger" {
		t.Errorf("missing keywords should default to the name, got %v", entries[0].Keywords)
	}
}

func TestApplySetLocation(t *testing.T) {
	tools, _, conv := newTestTools(t)
	ctx := context.Background()

	if err := conv.Create(ctx, "conv", "Test", store.Metadata{CurrentLocation: "/town"}); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	loc, err := tools.Apply(ctx, "conv", []types.ToolCall{{
		Name: "set_location",
		Args: map[string]interface{}{"location": "/town/tavern"},
	}})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if loc != "/town/tavern" {
		t.Errorf("expected new location returned, got %q", loc)
	}

	loaded, _ := conv.Load(ctx, "conv")
	if loaded.Metadata.CurrentLocation != "/town/tavern" {
		t.Errorf("location not persisted: %q", loaded.Metadata.CurrentLocation)
	}
}

func TestApplySkipsBadCalls(t *testing.T) {
	tools, lb, _ := newTestTools(t)
	ctx := context.Background()

	_, err := tools.Apply(ctx, "conv", []types.ToolCall{
		{Name: "no_such_tool", Args: map[string]interface{}{}},
		{Name: "add_lore_entry", Args: map[string]interface{}{"name": "only a name"}},
		{Name: "update_character_state", Args: map[string]interface{}{"name": "Nobody", "states": []interface{}{"gone"}}},
		{Name: "add_lore_entry", Args: map[string]interface{}{
			"category": "items", "name": "Coin", "content": "A bent copper.",
		}},
	})
	if err != nil {
		t.Fatalf("bad calls should be skipped, not fail the batch: %v", err)
	}

	entries, _ := lb.List(ctx, "default")
	if len(entries) != 1 || entries[0].Name != "Coin" {
		t.Fatalf("expected only the valid entry, got %+v", entries)
	}
}
