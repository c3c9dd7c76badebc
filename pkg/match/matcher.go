package match

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher selects relative file paths by include and exclude patterns. It is
// safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	roots         []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes must match at least once. At least one is required.
	Includes []string
	// Excludes must not match at all.
	Excludes []string
	// IncludeHidden also selects paths with a dot segment.
	IncludeHidden bool
}

var (
	ErrNoIncludes     = errors.New("at least one include pattern is required")
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError names the pattern that failed to compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New validates and normalizes the configured patterns.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		roots:         StaticPrefixes(includes),
		includeHidden: cfg.IncludeHidden,
	}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		normalized := NormalizePattern(strings.TrimPrefix(p, "./"))
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Match reports whether rel, a slash separated path relative to the walk
// root, is selected.
func (m *Matcher) Match(rel string) bool {
	if !m.includeHidden && IsHidden(rel) {
		return false
	}
	if !matchAny(m.includes, rel) {
		return false
	}
	return !matchAny(m.excludes, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		// patterns are validated in New
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Roots returns the directories (or files) a walk must start from to see
// every selectable path. "." means the whole tree.
func (m *Matcher) Roots() []string {
	roots := make([]string, 0, len(m.roots))
	for _, r := range m.roots {
		r = strings.TrimSuffix(r, "/")
		if r == "" {
			r = "."
		}
		roots = append(roots, r)
	}
	return roots
}

// Walk calls fn for every selected regular file of fsys. Missing roots are
// skipped. Hidden directories are not entered unless IncludeHidden is set.
func (m *Matcher) Walk(fsys fs.FS, fn func(rel string, d fs.DirEntry) error) error {
	for _, root := range m.Roots() {
		err := fs.WalkDir(fsys, root, func(rel string, d fs.DirEntry, err error) error {
			if err != nil {
				if rel == root && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipDir
				}
				return err
			}
			if d.IsDir() {
				if rel != root && !m.includeHidden && IsHidden(rel) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !m.Match(rel) {
				return nil
			}
			return fn(rel, d)
		})
		if err != nil && !errors.Is(err, fs.SkipDir) {
			return err
		}
	}
	return nil
}
