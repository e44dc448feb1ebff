package turn

import (
	"strings"
	"unicode"
)

// appendText merges addition onto the end of base for untimed transcript
// updates. Extending text replaces, repeated tails are dropped, overlapping
// words are joined once and anything else is appended.
func appendText(base, addition string) string {
	base = collapse(base)
	addition = collapse(addition)
	switch {
	case base == "":
		return addition
	case addition == "":
		return base
	}

	nb, na := normalize(base), normalize(addition)
	switch {
	case extends(na, nb):
		return addition
	case strings.HasSuffix(nb, na) && (len(nb) == len(na) || nb[len(nb)-len(na)-1] == ' '):
		return base
	}

	bw := strings.Fields(base)
	aw := strings.Fields(addition)
	for k := min(len(bw), len(aw)); k > 0; k-- {
		if wordsEqual(bw[len(bw)-k:], aw[:k]) {
			return strings.Join(append(bw, aw[k:]...), " ")
		}
	}
	return base + " " + addition
}

// mergePartial folds a new interim result into the pending one. A partial
// that extends or trims the pending text, or restarts from its first word,
// is a revision of the same audio and replaces it. Anything else is merged
// like a final so earlier words are kept.
func mergePartial(pending, next string) string {
	pending = collapse(pending)
	next = collapse(next)
	if pending == "" || next == "" {
		return pending + next
	}

	np, nn := normalize(pending), normalize(next)
	if strings.HasPrefix(nn, np) || strings.HasPrefix(np, nn) {
		return next
	}
	if bareWord(strings.Fields(pending)[0]) == bareWord(strings.Fields(next)[0]) {
		return next
	}
	return appendText(pending, next)
}

// extends reports whether s starts with prefix on a word boundary.
func extends(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) {
		return true
	}
	r := rune(s[len(prefix)])
	return r == ' ' || unicode.IsPunct(r)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalize(s string) string {
	return strings.ToLower(s)
}

func wordsEqual(a, b []string) bool {
	for i := range a {
		if bareWord(a[i]) != bareWord(b[i]) {
			return false
		}
	}
	return true
}

func bareWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r)
	}))
}
