// Package match implements glob matching of intents against a container
// inventory.
package match

import (
	"regexp"
	"strings"
)

// Matcher tests values against one compiled glob pattern.
// The zero value and matchers built from invalid patterns match nothing.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Compile turns a glob pattern into an anchored, case-insensitive matcher.
// Only * (any run of characters) and ? (exactly one character) are special;
// a pattern without them matches only itself, ignoring case.
func Compile(pattern string) Matcher {
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return Matcher{pattern: pattern}
	}
	return Matcher{pattern: pattern, re: re}
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// Test reports whether value matches the pattern.
func (m Matcher) Test(value string) bool {
	if m.re == nil {
		return false
	}
	return m.re.MatchString(value)
}

// String returns the source pattern.
func (m Matcher) String() string {
	return m.pattern
}

// Set is a list of matchers where any one matching is enough.
type Set []Matcher

// CompileAll compiles every pattern.
func CompileAll(patterns []string) Set {
	set := make(Set, 0, len(patterns))
	for _, p := range patterns {
		set = append(set, Compile(p))
	}
	return set
}

// Any reports whether one of the matchers accepts value.
func (s Set) Any(value string) bool {
	for _, m := range s {
		if m.Test(value) {
			return true
		}
	}
	return false
}

// AnyOf reports whether one of the matchers accepts one of values.
func (s Set) AnyOf(values ...string) bool {
	for _, v := range values {
		if v != "" && s.Any(v) {
			return true
		}
	}
	return false
}
