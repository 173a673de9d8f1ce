package variation

import (
	"strings"
	"unicode/utf8"
)

var zeroWidth = []string{"\u200b", "\u200c", "\u200d", "\u2060"}

const (
	fpTrailingSpaces = iota
	fpZeroWidth
	fpPunctuation
	fpKinds
)

// Fingerprint applies exactly one invisible mutation to s.
func (e *Engine) Fingerprint(s string) string {
	switch e.intn(fpKinds) {
	case fpZeroWidth:
		return e.insertZeroWidth(s)
	case fpPunctuation:
		if out, ok := varyPunctuation(s); ok {
			return out
		}
	}
	return s + strings.Repeat(" ", 1+e.intn(3))
}

func (e *Engine) insertZeroWidth(s string) string {
	n := 1 + e.intn(2)
	for i := 0; i < n; i++ {
		offs := insertOffsets(s)
		at := offs[e.intn(len(offs))]
		s = s[:at] + zeroWidth[e.intn(len(zeroWidth))] + s[at:]
	}
	return s
}

// insertOffsets lists rune boundaries that do not fall inside a link, so the
// inserted character cannot break a URL. len(s) is always a candidate.
func insertOffsets(s string) []int {
	spans := reURL.FindAllStringIndex(s, -1)
	offs := make([]int, 0, utf8.RuneCountInString(s)+1)
	for i := range s {
		if !insideSpan(i, spans) {
			offs = append(offs, i)
		}
	}
	return append(offs, len(s))
}

func insideSpan(i int, spans [][]int) bool {
	for _, sp := range spans {
		if i > sp[0] && i < sp[1] {
			return true
		}
	}
	return false
}

func varyPunctuation(s string) (string, bool) {
	if s == "" {
		return s, false
	}
	last := s[len(s)-1]
	switch last {
	case '.', '!', '?':
		return s + string(last), true
	}
	return s, false
}
