// Package syncx holds small helpers shared by the sync service and the
// HTTP layer: the scope vocabulary, millisecond clocks, and lenient
// parsing for JSON text columns.
package syncx

import "sort"

// Scope names gate which record classes a user syncs.
const (
	ScopeChatHistory       = "chat.history"
	ScopeCharacterCards    = "characters.cards"
	ScopeCharacterSettings = "characters.per_settings"
	ScopeProviderConfig    = "providers.config"
	ScopeProviderKeys      = "providers.keys"
	ScopeUserTextInputs    = "user.text_inputs"
)

var validScopes = map[string]bool{
	ScopeChatHistory:       true,
	ScopeCharacterCards:    true,
	ScopeCharacterSettings: true,
	ScopeProviderConfig:    true,
	ScopeProviderKeys:      true,
	ScopeUserTextInputs:    true,
}

// ValidScope reports whether s is a known scope name.
func ValidScope(s string) bool {
	return validScopes[s]
}

// AllScopes returns every known scope name, sorted.
func AllScopes() []string {
	names := make([]string, 0, len(validScopes))
	for s := range validScopes {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// DefaultScopes returns the scope set for users who never saved one.
func DefaultScopes() []string {
	return []string{ScopeChatHistory, ScopeCharacterCards}
}

// ScopeSet answers membership queries over an enabled-scope list.
type ScopeSet map[string]bool

// NewScopeSet builds a set from the stored scope list.
func NewScopeSet(scopes []string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	return set
}

// Has reports whether the scope is enabled.
func (s ScopeSet) Has(scope string) bool {
	return s[scope]
}

// PullsConversations reports whether conversation rows sync. Either chat
// history or character cards pulls them, since cards ride on the
// conversation record.
func (s ScopeSet) PullsConversations() bool {
	return s.Has(ScopeChatHistory) || s.Has(ScopeCharacterCards)
}

// PullsMessages reports whether message rows sync.
func (s ScopeSet) PullsMessages() bool {
	return s.Has(ScopeChatHistory)
}

// PullsProviders reports whether provider rows sync.
func (s ScopeSet) PullsProviders() bool {
	return s.Has(ScopeProviderConfig)
}

// PullsProviderKeys reports whether provider credentials are included
// with synced provider rows.
func (s ScopeSet) PullsProviderKeys() bool {
	return s.Has(ScopeProviderKeys)
}
