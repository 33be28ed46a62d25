// Package world renders the active lorebook entries into the narrative
// context block that prompt builders place ahead of the conversation.
package world

import (
	"fmt"
	"strings"

	"tavern/internal/types"
)

// State is the scene signal the context is built from.
type State struct {
	CurrentLocation string
	Traits          []string
}

// BuildContext renders the active entries as a sectioned narrative. Section
// order is fixed: location, characters, items, goals, other lore, player
// traits. Sections with nothing to say are omitted.
func BuildContext(entries []types.ActiveEntry, state State) string {
	var b strings.Builder

	writeLocation(&b, entries, state.CurrentLocation)
	writeCharacters(&b, entries)
	writeItems(&b, entries)
	writeGoals(&b, entries)
	writeOther(&b, entries)
	writeTraits(&b, state.Traits)

	return strings.TrimRight(b.String(), "\n")
}

// Characters returns the names of active character entries, in order. The
// pipeline uses this both for the roster and to decide whether the
// character step runs at all.
func Characters(entries []types.ActiveEntry) []string {
	var names []string
	for _, e := range entries {
		if e.Category == types.CategoryCharacters {
			names = append(names, e.Name)
		}
	}
	return names
}

func writeLocation(b *strings.Builder, entries []types.ActiveEntry, current string) {
	wrote := false
	for _, e := range entries {
		if e.Category != types.CategoryLocations {
			continue
		}
		if !wrote {
			section(b, "Current Location")
			wrote = true
		}
		fmt.Fprintf(b, "%s: %s\n", e.Name, e.Content)
	}
	if !wrote && current != "" {
		// No lore for the place, but the player is still somewhere.
		section(b, "Current Location")
		fmt.Fprintf(b, "%s\n", current)
	}
}

func writeCharacters(b *strings.Builder, entries []types.ActiveEntry) {
	wrote := false
	for _, e := range entries {
		if e.Category != types.CategoryCharacters {
			continue
		}
		if !wrote {
			section(b, "Characters Present")
			wrote = true
		}
		fmt.Fprintf(b, "%s: %s", e.Name, e.Content)
		if len(e.States) > 0 {
			fmt.Fprintf(b, " [%s]", strings.Join(e.States, "; "))
		}
		b.WriteString("\n")
	}
}

func writeItems(b *strings.Builder, entries []types.ActiveEntry) {
	wrote := false
	for _, e := range entries {
		if e.Category != types.CategoryItems {
			continue
		}
		if !wrote {
			section(b, "Items")
			wrote = true
		}
		fmt.Fprintf(b, "%s: %s", e.Name, e.Content)
		if e.Location != "" {
			fmt.Fprintf(b, " (at %s)", e.Location)
		}
		b.WriteString("\n")
	}
}

func writeGoals(b *strings.Builder, entries []types.ActiveEntry) {
	wrote := false
	for _, e := range entries {
		if e.Category != types.CategoryGoals || e.Completed {
			continue
		}
		if !wrote {
			section(b, "Open Goals")
			wrote = true
		}
		fmt.Fprintf(b, "%s: %s", e.Name, e.Content)
		if len(e.Requirements) > 0 {
			fmt.Fprintf(b, " (requires %s)", strings.Join(e.Requirements, ", "))
		}
		b.WriteString("\n")
	}
}

func writeOther(b *strings.Builder, entries []types.ActiveEntry) {
	wrote := false
	for _, e := range entries {
		if e.Category != types.CategoryOther {
			continue
		}
		if !wrote {
			section(b, "Lore")
			wrote = true
		}
		fmt.Fprintf(b, "%s: %s\n", e.Name, e.Content)
	}
}

func writeTraits(b *strings.Builder, traits []string) {
	if len(traits) == 0 {
		return
	}
	section(b, "Player Traits")
	fmt.Fprintf(b, "%s\n", strings.Join(traits, ", "))
}

func section(b *strings.Builder, title string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "## %s\n", title)
}
