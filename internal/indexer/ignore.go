package indexer

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// deniedDirs are always skipped regardless of .gitignore.
var deniedDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".venv":        true,
	"target":       true,
	".git":         true,
}

// ignoreRule is one .gitignore pattern anchored at the directory that
// declared it. Negation rules are not supported; a file matched by any rule
// stays ignored.
type ignoreRule struct {
	base    string // slash-relative dir of the declaring .gitignore
	pattern string
	dirOnly bool
}

// ignoreSet accumulates .gitignore rules while walking a tree.
type ignoreSet struct {
	rules []ignoreRule
}

// loadDir reads dir/.gitignore if present. relDir is dir's slash-relative
// path from the walk root ("" for the root itself).
func (ig *ignoreSet) loadDir(dir, relDir string) {
	f, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		rule := ignoreRule{base: relDir}
		if strings.HasSuffix(line, "/") {
			rule.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		rule.pattern = strings.TrimPrefix(line, "/")
		ig.rules = append(ig.rules, rule)
	}
}

// ignored reports whether the slash-relative path matches any loaded rule.
func (ig *ignoreSet) ignored(rel string, isDir bool) bool {
	for _, r := range ig.rules {
		if r.dirOnly && !isDir {
			continue
		}
		target := rel
		if r.base != "" {
			if !strings.HasPrefix(rel, r.base+"/") {
				continue
			}
			target = strings.TrimPrefix(rel, r.base+"/")
		}
		if !strings.Contains(r.pattern, "/") {
			// Bare patterns match at any depth, per gitignore semantics.
			if ok, _ := doublestar.Match(r.pattern, filepath.Base(target)); ok {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(r.pattern, target); ok {
			return true
		}
	}
	return false
}
