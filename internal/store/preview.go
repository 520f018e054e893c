package store

import "unicode/utf8"

// previewMaxLen caps the conversation-list preview derived from a
// message body.
const previewMaxLen = 100

// Preview shortens a message body for use as a conversation preview.
// The cut lands on a rune boundary so multi-byte characters are never
// split.
func Preview(s string) string {
	if len(s) <= previewMaxLen {
		return s
	}
	cut := previewMaxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
