// Package match selects files below a directory with doublestar include and
// exclude patterns. Patterns are slash separated and relative to the root.
package match

import (
	"sort"
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts unescaped backslashes to forward slashes while
// escapes of glob metacharacters (\*, \?, \[) stay literal.
//
//	`2024\01\*.log`  -> `2024/01\*.log`  (\0 is a separator, \* an escape)
//	`2024\01\dd.log` -> "2024/01/dd.log"
//	`logs/dd\*.log`  -> `logs/dd\*.log`
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(pattern) && strings.IndexByte(globEscapable, pattern[i+1]) >= 0 {
			b.WriteByte('\\')
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		b.WriteByte('/')
	}
	return b.String()
}

// IsHidden reports whether any segment of rel starts with a dot.
func IsHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "" && seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// StaticPrefix returns the leading path segments of pattern that contain no
// glob metacharacters, with escapes removed.
//
//	"2024-01-*/**/*.log"  -> ""
//	"2024-01-01/**/*.log" -> "2024-01-01/"
//	"2024-01-01/dd.log"   -> "2024-01-01/dd.log"
func StaticPrefix(pattern string) string {
	pattern = NormalizePattern(pattern)
	meta := firstUnescapedMeta(pattern)
	switch {
	case meta == -1:
		return unescape(pattern)
	case meta == 0:
		return ""
	}
	prefix := pattern[:meta]
	if slash := strings.LastIndex(prefix, "/"); slash >= 0 {
		return unescape(prefix[:slash+1])
	}
	return ""
}

// StaticPrefixes derives the prefix of every pattern and drops those covered
// by a shorter one. The result is sorted; [""] means the whole tree.
func StaticPrefixes(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	prefixes := make([]string, 0, len(patterns))
	for _, p := range patterns {
		prefix := StaticPrefix(p)
		if prefix == "" {
			return []string{""}
		}
		prefixes = append(prefixes, prefix)
	}

	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) < len(prefixes[j]) })
	out := make([]string, 0, len(prefixes))
	for _, candidate := range prefixes {
		covered := false
		for _, kept := range out {
			if covers(kept, candidate) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, candidate)
		}
	}
	sort.Strings(out)
	return out
}

// covers reports whether everything below candidate is also below parent.
func covers(parent, candidate string) bool {
	if parent == candidate {
		return true
	}
	return strings.HasSuffix(parent, "/") && strings.HasPrefix(candidate, parent)
}

func firstUnescapedMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i+1 < len(pattern) && strings.IndexByte(`*?[{\`, pattern[i+1]) >= 0 {
				i++
			}
		case '*', '?', '[', '{':
			return i
		}
	}
	return -1
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte(globEscapable, s[i+1]) >= 0 {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
