package lorebook

import (
	"context"
	"path/filepath"
	"testing"

	"tavern/internal/types"
)

func sampleEntries() []Entry {
	return []Entry{
		{
			Category: types.CategoryCharacters,
			Name:     "Mira",
			Content:  "The tavern keeper, sharp-tongued but fair.",
			Keywords: []string{"mira", "tavern keeper"},
			Location: "/town/tavern",
			States:   []string{"suspicious of strangers"},
		},
		{
			Category: types.CategoryLocations,
			Name:     "The Rusty Flagon",
			Content:  "A low-ceilinged tavern thick with pipe smoke.",
			Keywords: []string{"rusty flagon"},
			Location: "/town/tavern",
		},
		{
			Category: types.CategoryItems,
			Name:     "Iron Key",
			Content:  "Opens the cellar door.",
			Keywords: []string{"iron key", "cellar"},
			Location: "/town/tavern/cellar",
		},
		{
			Category:     types.CategoryGoals,
			Name:         "Find the smuggler",
			Content:      "Someone is moving contraband through the cellar.",
			Keywords:     []string{"smuggler", "contraband"},
			Requirements: []string{"Iron Key"},
		},
		{
			Category: types.CategoryOther,
			Name:     "Thieves' cant",
			Content:  "Street slang used by the guild.",
			Keywords: []string{"streetwise"},
		},
	}
}

func TestFindActiveByKeyword(t *testing.T) {
	active := FindActive(sampleEntries(), Query{
		Text: "I ask Mira about the SMUGGLER.",
	})
	if len(active) != 2 {
		t.Fatalf("expected 2 active entries, got %d", len(active))
	}
	if active[0].Name != "Mira" || active[1].Name != "Find the smuggler" {
		t.Errorf("unexpected activation order: %q, %q", active[0].Name, active[1].Name)
	}
}

func TestFindActiveByLocation(t *testing.T) {
	active := FindActive(sampleEntries(), Query{
		Text:            "I look around.",
		CurrentLocation: "/town/tavern",
	})
	if len(active) != 1 {
		t.Fatalf("expected 1 active entry, got %d", len(active))
	}
	if active[0].Name != "The Rusty Flagon" {
		t.Errorf("expected location entry, got %q", active[0].Name)
	}
}

func TestFindActiveLocationPrefix(t *testing.T) {
	active := FindActive(sampleEntries(), Query{
		CurrentLocation: "/town/tavern/cellar",
	})
	// The tavern contains the cellar, so its entry still activates.
	if len(active) != 1 || active[0].Name != "The Rusty Flagon" {
		t.Fatalf("expected tavern to activate for cellar location, got %+v", active)
	}
}

func TestFindActiveByTrait(t *testing.T) {
	active := FindActive(sampleEntries(), Query{
		Text:   "I listen in on the conversation.",
		Traits: []string{"Streetwise"},
	})
	if len(active) != 1 || active[0].Name != "Thieves' cant" {
		t.Fatalf("expected trait activation, got %+v", active)
	}
}

func TestFindActivePreservesOrder(t *testing.T) {
	active := FindActive(sampleEntries(), Query{
		Text:            "Mira hands me the iron key and warns me about the smuggler.",
		CurrentLocation: "/town/tavern",
	})
	want := []string{"Mira", "The Rusty Flagon", "Iron Key", "Find the smuggler"}
	if len(active) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(active))
	}
	for i, name := range want {
		if active[i].Name != name {
			t.Errorf("entry %d: expected %q, got %q", i, name, active[i].Name)
		}
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "lorebook.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAddAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range sampleEntries() {
		e.LorebookID = "default"
		if _, err := s.Add(ctx, e); err != nil {
			t.Fatalf("failed to add entry: %v", err)
		}
	}

	entries, err := s.List(ctx, "default")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].Name != "Mira" || entries[4].Name != "Thieves' cant" {
		t.Errorf("insertion order not preserved: %q, %q", entries[0].Name, entries[4].Name)
	}
	if len(entries[0].Keywords) != 2 {
		t.Errorf("keywords not round-tripped: %v", entries[0].Keywords)
	}

	other, err := s.List(ctx, "other")
	if err != nil {
		t.Fatalf("failed to list empty lorebook: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no entries for other lorebook, got %d", len(other))
	}
}

func TestStoreUpdateStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleEntries()[0]
	e.LorebookID = "default"
	if _, err := s.Add(ctx, e); err != nil {
		t.Fatalf("failed to add: %v", err)
	}

	if err := s.UpdateStates(ctx, "default", "Mira", []string{"trusts the player"}); err != nil {
		t.Fatalf("failed to update states: %v", err)
	}
	entries, _ := s.List(ctx, "default")
	if len(entries[0].States) != 1 || entries[0].States[0] != "trusts the player" {
		t.Errorf("states not updated: %v", entries[0].States)
	}

	if err := s.UpdateStates(ctx, "default", "Nobody", nil); err == nil {
		t.Error("expected error for unknown character")
	}
}

func TestStoreCompleteGoal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := sampleEntries()[3]
	e.LorebookID = "default"
	if _, err := s.Add(ctx, e); err != nil {
		t.Fatalf("failed to add: %v", err)
	}

	if err := s.CompleteGoal(ctx, "default", "Find the smuggler"); err != nil {
		t.Fatalf("failed to complete goal: %v", err)
	}
	entries, _ := s.List(ctx, "default")
	if !entries[0].Completed {
		t.Error("goal not marked completed")
	}

	if err := s.CompleteGoal(ctx, "default", "Mira"); err == nil {
		t.Error("expected error for non-goal entry")
	}
}

func TestActivatorFindActiveEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range sampleEntries() {
		e.LorebookID = "default"
		if _, err := s.Add(ctx, e); err != nil {
			t.Fatalf("failed to add: %v", err)
		}
	}

	active, err := NewActivator(s).FindActiveEntries(ctx, "default", Query{
		Text: "where is mira",
	})
	if err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	if len(active) != 1 || active[0].Name != "Mira" {
		t.Fatalf("unexpected activation result: %+v", active)
	}
}
