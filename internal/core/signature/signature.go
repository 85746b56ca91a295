// Package signature matches API response bodies against configured error signatures.
// Both sides are folded the same way before comparison
// 1 UTF-8 repair drop invalid bytes
// 2 Unicode NFKC normalization
// 3 Case folding
// 4 Remove format chars (ZWJ, BOM and friends)
// 5 Width fold fullwidth to ASCII
// 6 Drop all whitespace so `"code": 17` and `"code":17` compare equal
package signature

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var chainPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKC,
			cases.Fold(),
			runes.Remove(runes.In(unicode.Cf)),
			width.Fold,
		)
	},
}

// Fold returns the comparison form of s
func Fold(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")

	tr := chainPool.Get().(transform.Transformer)
	fs, _, _ := transform.String(tr, s)
	tr.Reset()
	chainPool.Put(tr)

	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, fs)
}

type entry struct {
	raw    string
	folded string
}

// Matcher holds a fixed list of signatures. It is safe for concurrent use
type Matcher struct {
	sigs []entry
}

// New builds a Matcher, skipping blank signatures
func New(sigs ...string) *Matcher {
	m := &Matcher{}
	for _, s := range sigs {
		f := Fold(s)
		if f == "" {
			continue
		}
		m.sigs = append(m.sigs, entry{raw: s, folded: f})
	}
	return m
}

// Len returns the number of usable signatures
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.sigs)
}

// Match reports the first configured signature contained in body
func (m *Matcher) Match(body []byte) (string, bool) {
	if m.Len() == 0 || len(body) == 0 {
		return "", false
	}
	fb := Fold(string(body))
	for _, e := range m.sigs {
		if strings.Contains(fb, e.folded) {
			return e.raw, true
		}
	}
	return "", false
}
