// Package ignore filters repository paths out of phase auto-commits using
// gitignore-style patterns.
package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultPatterns are applied when a repository carries no ignore files of
// its own. They cover build output, dependency caches, virtualenvs, and OS
// metadata that should never ride along in a phase commit.
func DefaultPatterns() []string {
	return []string{
		"node_modules/",
		"__pycache__/",
		".venv/",
		"venv/",
		"dist/",
		"build/",
		"target/",
		".idea/",
		".vscode/",
		"*.pyc",
		"*.log",
		".DS_Store",
		"Thumbs.db",
	}
}

// Parser reads gitignore-style files from a repository root.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns are used when no ignore files are found.
	FallbackPatterns []string
}

// NewParser creates a parser. Nil fallbackPatterns means DefaultPatterns.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	if len(ignoreFiles) == 0 {
		ignoreFiles = []string{".phaserunignore", ".gitignore"}
	}
	if fallbackPatterns == nil {
		fallbackPatterns = DefaultPatterns()
	}
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// ParseRoot reads every configured ignore file under root and returns a
// Matcher over the combined patterns. Missing files are skipped; when none
// exist the fallback patterns apply.
func (p *Parser) ParseRoot(root string) (*Matcher, error) {
	var patterns []string
	foundAny := false

	for _, name := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
		foundAny = true
	}

	if !foundAny {
		patterns = p.FallbackPatterns
	}
	return NewMatcher(patterns), nil
}

func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine normalizes a single ignore file line. Comments, blank lines, and
// negations (unsupported) yield "".
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return line
}

// Matcher matches repository-relative paths against a normalized pattern set.
type Matcher struct {
	patterns []string
}

// NewMatcher normalizes gitignore-style patterns into the internal glob form
// and deduplicates them.
func NewMatcher(patterns []string) *Matcher {
	seen := make(map[string]bool)
	normalized := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		p := toGlobPattern(raw)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		normalized = append(normalized, p)
	}
	return &Matcher{patterns: normalized}
}

// Patterns returns the normalized pattern set.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match reports whether the repository-relative path matches any pattern.
func (m *Matcher) Match(relpath string) bool {
	relpath = filepath.ToSlash(relpath)
	for _, pattern := range m.patterns {
		if matchOne(pattern, relpath) {
			return true
		}
	}
	return false
}

// Filter returns the paths that do NOT match any pattern, preserving order.
func (m *Matcher) Filter(paths []string) []string {
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if !m.Match(p) {
			kept = append(kept, p)
		}
	}
	return kept
}

// toGlobPattern converts a gitignore pattern into the matcher's glob form:
// a "**/" prefix means match at any depth, a "/**" suffix means match the
// directory and everything under it.
func toGlobPattern(pattern string) string {
	rooted := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	if pattern == "" {
		return ""
	}

	if strings.HasSuffix(pattern, "/") {
		pattern = strings.TrimSuffix(pattern, "/") + "/**"
	}
	if !rooted && !strings.Contains(strings.TrimSuffix(pattern, "/**"), "/") {
		pattern = "**/" + pattern
	}
	return pattern
}

func matchOne(pattern, relpath string) bool {
	anyDepth := strings.HasPrefix(pattern, "**/")
	if anyDepth {
		pattern = strings.TrimPrefix(pattern, "**/")
	}
	dirOnly := strings.HasSuffix(pattern, "/**")
	if dirOnly {
		pattern = strings.TrimSuffix(pattern, "/**")
	}

	candidates := []string{relpath}
	if anyDepth {
		segs := strings.Split(relpath, "/")
		for i := 1; i < len(segs); i++ {
			candidates = append(candidates, strings.Join(segs[i:], "/"))
		}
	}

	pdepth := len(strings.Split(pattern, "/"))
	for _, cand := range candidates {
		if dirOnly {
			segs := strings.Split(cand, "/")
			if len(segs) < pdepth {
				continue
			}
			head := strings.Join(segs[:pdepth], "/")
			if ok, _ := path.Match(pattern, head); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, cand); ok {
			return true
		}
	}
	return false
}
