package variation

import (
	"fmt"
	"strings"
)

// SyntaxError reports an unbalanced brace in a template.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("spintext: %s at position %d", e.Msg, e.Pos)
}

// ValidateSpintext checks brace balance. It is meant for template authoring;
// Render never fails on malformed input.
func ValidateSpintext(s string) error {
	var open []int
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			open = append(open, i)
		case '}':
			if len(open) == 0 {
				return &SyntaxError{Pos: i, Msg: "unexpected '}'"}
			}
			open = open[:len(open)-1]
		}
	}
	if len(open) > 0 {
		return &SyntaxError{Pos: open[len(open)-1], Msg: "unclosed '{'"}
	}
	return nil
}

func (e *Engine) resolveSpintext(s string) string {
	if !strings.ContainsRune(s, '{') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}

		// {{placeholder}} is copied through untouched.
		if i+1 < len(s) && s[i+1] == '{' {
			end := strings.Index(s[i+2:], "}}")
			if end < 0 {
				b.WriteString(s[i:])
				break
			}
			stop := i + 2 + end + 2
			b.WriteString(s[i:stop])
			i = stop
			continue
		}

		end := strings.IndexByte(s[i+1:], '}')
		if end < 0 {
			b.WriteByte('{')
			i++
			continue
		}
		body := s[i+1 : i+1+end]
		if strings.ContainsRune(body, '{') {
			b.WriteByte('{')
			i++
			continue
		}

		opts := strings.Split(body, "|")
		if len(opts) < 2 {
			b.WriteString(s[i : i+1+end+1])
		} else {
			b.WriteString(opts[e.intn(len(opts))])
		}
		i += end + 2
	}
	return b.String()
}
