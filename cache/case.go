package cache

import (
	"strings"
	"unicode"
)

// NormalizeNamespace turns a resource or type name ("NoteRecord", "*notes.Note",
// "search-docs") into a snake_case key namespace ("note_record", "notes_note",
// "search_docs"). Punctuation collapses into a single underscore so namespaces
// stay safe for prefix scans and for backends that reject symbols in keys.
func NormalizeNamespace(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	pendingSep := false
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if b.Len() > 0 && boundaryBefore(runes, i) {
				pendingSep = true
			}
			writeSep(&b, &pendingSep)
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLower(r):
			writeSep(&b, &pendingSep)
			b.WriteRune(r)
		case unicode.IsDigit(r):
			if b.Len() > 0 && !unicode.IsDigit(runes[i-1]) {
				pendingSep = true
			}
			writeSep(&b, &pendingSep)
			b.WriteRune(r)
		default:
			if b.Len() > 0 {
				pendingSep = true
			}
		}
	}
	return b.String()
}

func boundaryBefore(runes []rune, i int) bool {
	prev := runes[i-1]
	nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
	return unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower)
}

func writeSep(b *strings.Builder, pending *bool) {
	if *pending && b.Len() > 0 {
		b.WriteByte('_')
	}
	*pending = false
}
