// ABOUTME: Parses @mention tokens from chat message text.
// ABOUTME: Shared by routing decisions and the autocomplete path in clients.

package mention

import (
	"fmt"
	"regexp"
	"strings"
)

// tokenPattern matches "@" followed by one name token. Hyphens count as
// name characters ("@bob-2"); any other punctuation terminates the token.
var tokenPattern = regexp.MustCompile(`@([\w-]+)`)

// Parse extracts the @mentions from text, lowercased, in order of
// appearance. Duplicates are retained. Empty or mention-free text yields
// a nil slice.
//
// Parse yields single tokens only. Multi-word display names ("@Testing
// Agent") cannot be recognized without knowing the name in advance, so
// they are resolved by Mentions instead.
func Parse(text string) []string {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		mentions = append(mentions, strings.ToLower(m[1]))
	}
	return mentions
}

// Mentions reports whether text contains an @mention of name. The match
// is case-insensitive, supports multi-word names, and must not be
// followed by a word character, so "@coder" does not match an agent
// named "code".
func Mentions(text, name string) bool {
	if name == "" {
		return false
	}
	// RE2 has no lookahead; ([^\w-]|$) after the name is equivalent to
	// the desktop client's (?!\w) given our token alphabet.
	pattern := fmt.Sprintf(`(?i)@%s([^\w-]|$)`, regexp.QuoteMeta(name))
	return regexp.MustCompile(pattern).MatchString(text)
}
