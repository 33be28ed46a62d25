// Package lorebook stores world-knowledge entries and implements
// activation: selecting the entries relevant to the current scene from the
// recent conversation text, the current location, and the player's traits.
package lorebook

import (
	"strings"

	"tavern/internal/types"
)

// Entry is one stored world fact. Keywords trigger activation when they
// appear in the relevance text; location-category entries also activate by
// path match against the current location.
type Entry struct {
	ID           string              `json:"id"`
	LorebookID   string              `json:"lorebook_id"`
	Category     types.EntryCategory `json:"category"`
	Name         string              `json:"name"`
	Content      string              `json:"content"`
	Keywords     []string            `json:"keywords"`
	Location     string              `json:"location,omitempty"`
	States       []string            `json:"states,omitempty"`
	Requirements []string            `json:"requirements,omitempty"`
	Completed    bool                `json:"completed,omitempty"`
}

// Query is the relevance signal for one activation lookup.
type Query struct {
	Text            string
	CurrentLocation string
	Traits          []string
}

// FindActive selects the entries relevant to the query, preserving entry
// order. An entry activates when any of its keywords appears in the text
// (case-insensitive), when it names the current location, or when a keyword
// matches a player trait.
func FindActive(entries []Entry, q Query) []types.ActiveEntry {
	text := strings.ToLower(q.Text)

	var active []types.ActiveEntry
	for _, e := range entries {
		if !matches(e, text, q) {
			continue
		}
		active = append(active, types.ActiveEntry{
			Category:     e.Category,
			Name:         e.Name,
			Content:      e.Content,
			States:       e.States,
			Location:     e.Location,
			Requirements: e.Requirements,
			Completed:    e.Completed,
		})
	}
	return active
}

func matches(e Entry, loweredText string, q Query) bool {
	if e.Category == types.CategoryLocations && locationMatches(e.Location, q.CurrentLocation) {
		return true
	}
	for _, kw := range e.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(loweredText, kw) {
			return true
		}
		for _, trait := range q.Traits {
			if strings.EqualFold(trait, kw) {
				return true
			}
		}
	}
	return false
}

// locationMatches reports whether current sits at or below the entry's
// location path.
func locationMatches(entryPath, current string) bool {
	if entryPath == "" || current == "" {
		return false
	}
	entryPath = strings.Trim(entryPath, "/")
	current = strings.Trim(current, "/")
	return strings.EqualFold(entryPath, current) ||
		strings.HasPrefix(strings.ToLower(current), strings.ToLower(entryPath)+"/")
}
