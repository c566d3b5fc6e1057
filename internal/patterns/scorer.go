// Package patterns scores free text against named sets of phrase patterns.
// All functions are pure; a compiled Set is safe for concurrent use.
package patterns

import (
	"fmt"
	"regexp"
	"strings"
)

// Entry is the source form of one pattern: either a list of alternative
// terms matched as whole words/phrases, or a raw regular expression.
type Entry struct {
	ID    string   `yaml:"id"`
	Terms []string `yaml:"terms,omitempty"`
	Regex string   `yaml:"regex,omitempty"`
}

// Pattern is one compiled entry.
type Pattern struct {
	ID string
	re *regexp.Regexp
}

// Match reports whether the pattern occurs anywhere in text.
func (p Pattern) Match(text string) bool {
	return p.re.MatchString(text)
}

// Set is a named, compiled collection of patterns.
type Set struct {
	Name     string
	Patterns []Pattern
}

// Sets maps set names to compiled sets.
type Sets map[string]*Set

// Word boundaries are spelled out with Unicode classes because \b in RE2 is
// ASCII-only and would not match after "olá" or "você".
const (
	leftBoundary  = `(?:^|[^\p{L}\p{N}_])`
	rightBoundary = `(?:[^\p{L}\p{N}_]|$)`
)

// Compile builds a Set from its entries.
func Compile(name string, entries []Entry) (*Set, error) {
	set := &Set{Name: name, Patterns: make([]Pattern, 0, len(entries))}
	for i, e := range entries {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("%s.%d", name, i)
		}
		expr, err := entryExpr(e)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", id, err)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", id, err)
		}
		set.Patterns = append(set.Patterns, Pattern{ID: id, re: re})
	}
	return set, nil
}

// MustCompile is Compile for package-level defaults.
func MustCompile(name string, entries []Entry) *Set {
	s, err := Compile(name, entries)
	if err != nil {
		panic(err)
	}
	return s
}

func entryExpr(e Entry) (string, error) {
	switch {
	case e.Regex != "" && len(e.Terms) > 0:
		return "", fmt.Errorf("both terms and regex given")
	case e.Regex != "":
		return "(?i)" + e.Regex, nil
	case len(e.Terms) == 0:
		return "", fmt.Errorf("no terms")
	}
	alts := make([]string, 0, len(e.Terms))
	for _, t := range e.Terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		words := strings.Fields(regexp.QuoteMeta(t))
		alts = append(alts, strings.Join(words, `\s+`))
	}
	if len(alts) == 0 {
		return "", fmt.Errorf("no terms")
	}
	return "(?i)" + leftBoundary + "(?:" + strings.Join(alts, "|") + ")" + rightBoundary, nil
}

// Score returns the fraction of patterns in set that match text, in [0,1].
// An empty or nil set scores 0.
func Score(text string, set *Set) float64 {
	if set == nil || len(set.Patterns) == 0 {
		return 0
	}
	return float64(len(set.Matches(text))) / float64(len(set.Patterns))
}

// Matches returns the ids of the patterns that match text, in set order.
func (s *Set) Matches(text string) []string {
	if s == nil {
		return nil
	}
	var ids []string
	for _, p := range s.Patterns {
		if p.Match(text) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Any reports whether at least one pattern matches.
func (s *Set) Any(text string) bool {
	if s == nil {
		return false
	}
	for _, p := range s.Patterns {
		if p.Match(text) {
			return true
		}
	}
	return false
}

var (
	repeatedBang     = regexp.MustCompile(`!{2,}`)
	repeatedQuestion = regexp.MustCompile(`\?{2,}`)
	repeatedDots     = regexp.MustCompile(`\.{2,}`)
	spaceRun         = regexp.MustCompile(`\s+`)
)

var abbreviations = []struct {
	re   *regexp.Regexp
	full string
}{
	{regexp.MustCompile(`(^|[^\p{L}\p{N}_])vc([^\p{L}\p{N}_]|$)`), "${1}você${2}"},
	{regexp.MustCompile(`(^|[^\p{L}\p{N}_])q([^\p{L}\p{N}_]|$)`), "${1}que${2}"},
	{regexp.MustCompile(`(^|[^\p{L}\p{N}_])tb([^\p{L}\p{N}_]|$)`), "${1}também${2}"},
	{regexp.MustCompile(`(^|[^\p{L}\p{N}_])pq([^\p{L}\p{N}_]|$)`), "${1}porque${2}"},
}

// Normalize lowercases text, collapses punctuation runs and expands common
// chat abbreviations so that scoring sees one spelling per word.
func Normalize(text string) string {
	t := strings.ToLower(text)
	t = repeatedBang.ReplaceAllString(t, "!")
	t = repeatedQuestion.ReplaceAllString(t, "?")
	t = repeatedDots.ReplaceAllString(t, "...")
	t = spaceRun.ReplaceAllString(t, " ")
	for _, a := range abbreviations {
		// Adjacent abbreviations share a separator, so one pass can miss every
		// second occurrence ("vc vc").
		for {
			next := a.re.ReplaceAllString(t, a.full)
			if next == t {
				break
			}
			t = next
		}
	}
	return strings.TrimSpace(t)
}
