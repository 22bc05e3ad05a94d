package transcript

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

var (
	strayPunctuation = regexp.MustCompile(`([a-zA-Z])[,.](\s+|$)`)
	yearToken        = regexp.MustCompile(`(\s+)2022(\s+|$)`)
	leadingPronoun   = regexp.MustCompile(`^I\s+`)
)

// Stitch joins an incoming fragment onto the committed transcript with a single space.
func Stitch(committed, incoming string) string {
	if committed == "" {
		return incoming
	}
	return committed + " " + incoming
}

// CleanFinal prepares a final recognition fragment before it is committed.
func CleanFinal(text string) string {
	text = strings.TrimSuffix(text, ".")
	if utf8.RuneCountInString(text) <= 1 || leadingPronoun.MatchString(text) {
		return text
	}
	first, size := utf8.DecodeRuneInString(text)
	return string(unicode.ToLower(first)) + text[size:]
}

// Normalize applies the transcript cleanup rules. It is a fixed point on its own output.
func Normalize(text string) string {
	text = strayPunctuation.ReplaceAllString(text, "${1}${2}")
	// Adjacent tokens share the separating whitespace, so one pass can leave a match behind.
	for yearToken.MatchString(text) {
		text = yearToken.ReplaceAllString(text, "${1}2020 to${2}")
	}
	return text
}

// Accumulator holds the committed transcript for one session.
type Accumulator struct {
	mu        sync.Mutex
	committed string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Preview stitches a partial result onto the committed text without storing it.
func (a *Accumulator) Preview(partial string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stitch(a.committed, partial)
}

// Commit cleans, stitches and normalizes a final result and returns the new committed text.
func (a *Accumulator) Commit(final string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed = Normalize(Stitch(a.committed, CleanFinal(final)))
	return a.committed
}

func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.committed = ""
	a.mu.Unlock()
}
