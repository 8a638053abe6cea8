// Package tokens provides the deterministic token estimator shared by the
// chunker, the repo-map emitter, and the query path. The same estimator must
// be used everywhere so budget fitting at index time matches counting at
// query time.
package tokens

import (
	"math"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	bytesPerCodeToken  = 3.3
	runesPerProseToken = 3.8
)

var proseExtensions = map[string]bool{
	".md":   true,
	".txt":  true,
	".rst":  true,
	".adoc": true,
}

// IsProsePath reports whether the path names a documentation file.
func IsProsePath(path string) bool {
	return proseExtensions[strings.ToLower(filepath.Ext(path))]
}

// EstimateCode estimates the token count of source-code text:
// ceiling(byte length / 3.3).
func EstimateCode(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / bytesPerCodeToken))
}

// EstimateProse estimates the token count of natural-language text:
// ceiling(UTF-8 codepoints / 3.8).
func EstimateProse(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / runesPerProseToken))
}

// Estimate picks the estimator by file path.
func Estimate(text, path string) int {
	if IsProsePath(path) {
		return EstimateProse(text)
	}
	return EstimateCode(text)
}
