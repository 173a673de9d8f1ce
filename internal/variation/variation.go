// Package variation turns a campaign template into a unique per-recipient
// message: spintext groups are resolved, placeholders filled, links tagged
// with a reference code and the result fingerprinted with an invisible
// mutation so no two recipients receive byte-identical text.
package variation

import (
	"math/rand"
	"regexp"
	"sync"
	"time"
)

type Recipient struct {
	ID    int64
	Name  string
	Phone string
}

func (r Recipient) displayName() string {
	for _, c := range r.Name {
		if c != ' ' && c != '\t' && c != '\n' {
			return r.Name
		}
	}
	return r.Phone
}

// Engine holds the random source and clock used for rendering. It is safe for
// concurrent use.
type Engine struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

func New(seed int64, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{rnd: rand.New(rand.NewSource(seed)), now: now}
}

var std = New(time.Now().UnixNano(), nil)

// Render produces the message text for one recipient.
func Render(template string, r Recipient) string { return std.Render(template, r) }

// ResolveSpintext picks one alternative for every {a|b} group.
func ResolveSpintext(s string) string { return std.resolveSpintext(s) }

func (e *Engine) Render(template string, r Recipient) string {
	if template == "" {
		return ""
	}
	out := e.resolveSpintext(template)
	out = ReplacePlaceholders(out, r)
	out = TagURLs(out, r.ID, e.now())
	return e.Fingerprint(out)
}

var (
	reName  = regexp.MustCompile(`(?i)\{\{\s*(name|nama)\s*\}\}`)
	rePhone = regexp.MustCompile(`(?i)\{\{\s*(phone|nomor)\s*\}\}`)
)

func ReplacePlaceholders(s string, r Recipient) string {
	s = reName.ReplaceAllLiteralString(s, r.displayName())
	return rePhone.ReplaceAllLiteralString(s, r.Phone)
}

// PickVariant rotates through pool by index.
func PickVariant(pool []string, index int) string {
	if len(pool) == 0 {
		return ""
	}
	if index < 0 {
		index = -index
	}
	return pool[index%len(pool)]
}

func (e *Engine) intn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rnd.Intn(n)
}
