package match

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompile_Literal(t *testing.T) {
	m := Compile("nginx:1.25")

	assert.True(t, m.Test("nginx:1.25"))
	assert.True(t, m.Test("NGINX:1.25"))
	assert.False(t, m.Test("nginx:1.25.1"))
	assert.False(t, m.Test("my-nginx:1.25"))
}

func TestCompile_LiteralEqualsCaseInsensitiveEquality(t *testing.T) {
	values := []string{"web", "Web-1", "db.internal", "a+b", "(x)", "[y]", "z|w", "$HOME", "^caret", "back\\slash", ""}
	for _, p := range values {
		m := Compile(p)
		for _, v := range values {
			assert.Equal(t, strings.EqualFold(p, v), m.Test(v), "pattern %q value %q", p, v)
		}
	}
}

func TestCompile_Globs(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"nginx:*", "nginx:1.25", true},
		{"nginx:*", "nginx:", true},
		{"nginx:*", "postgres:16", false},
		{"*", "", true},
		{"web?", "web1", true},
		{"web?", "web", false},
		{"web?", "web12", false},
		{"*.example.com/*", "registry.example.com/team/app:1", true},
		{"ghcr.io/*", "GHCR.IO/owner/app", true},
		{"a.c", "abc", false},
		{"a*c", "a.b.c", true},
		{"[abc]", "a", false},
		{"[abc]", "[ABC]", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, Compile(tt.pattern).Test(tt.value))
		})
	}
}

// filepath.Match agrees with our semantics for patterns without separators
// or character classes once both sides are lower-cased.
func TestCompile_AgreesWithShellGlob(t *testing.T) {
	patterns := []string{"*", "a*", "*b", "a?c", "??", "a*b*c", "web-*-prod", "x?y*z"}
	values := []string{"", "a", "ab", "abc", "aXc", "abbc", "web-1-prod", "web--prod", "xyz", "xAyBBz", "acb"}
	for _, p := range patterns {
		m := Compile(p)
		for _, v := range values {
			want, err := filepath.Match(strings.ToLower(p), strings.ToLower(v))
			assert.NoError(t, err)
			assert.Equal(t, want, m.Test(v), "pattern %q value %q", p, v)
		}
	}
}

func TestMatcher_ZeroValueMatchesNothing(t *testing.T) {
	var m Matcher
	assert.False(t, m.Test(""))
	assert.False(t, m.Test("anything"))
}

func TestSet_AnyOfSkipsEmptyValues(t *testing.T) {
	s := CompileAll([]string{"*"})
	assert.False(t, s.AnyOf(""))
	assert.True(t, s.AnyOf("", "x"))
}
