// Package label derives valid IMAP folder names from local path segments.
package label

import (
	"sort"
	"strings"
)

// DefaultDelimiter is used when the server's hierarchy delimiter cannot be
// discovered.
const DefaultDelimiter = "/"

// Sanitize maps an arbitrary path-derived string to a name the server will
// accept as a folder path: only ASCII letters, digits, underscore and the
// hierarchy delimiter survive, everything else becomes an underscore. Runs of
// underscores collapse to one, and the result carries no leading or trailing
// underscore and no trailing delimiter. Sanitize is idempotent.
func Sanitize(raw, delim string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case delim != "" && strings.ContainsRune(delim, r):
			b.WriteRune(r)
		default:
			// Non-ASCII, whitespace, dots, punctuation: all fold to '_'.
			b.WriteByte('_')
		}
	}
	s := collapseUnderscores(b.String())
	// Trimming trailing delimiters can expose a trailing underscore (and vice
	// versa), so iterate until stable.
	for {
		t := strings.Trim(s, "_")
		if delim != "" {
			t = strings.TrimRight(t, delim)
		}
		if t == s {
			return s
		}
		s = t
	}
}

func collapseUnderscores(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prev := false
	for _, r := range s {
		if r == '_' {
			if prev {
				continue
			}
			prev = true
		} else {
			prev = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Depth counts hierarchy levels below the top: the number of delimiter
// occurrences in the label.
func Depth(name, delim string) int {
	if delim == "" {
		return 0
	}
	return strings.Count(name, delim)
}

// SortByDepth returns the labels of set ordered so that no label precedes an
// ancestor: ascending by depth, ties broken lexically for determinism.
func SortByDepth(set map[string]struct{}, delim string) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := Depth(names[i], delim), Depth(names[j], delim)
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})
	return names
}
