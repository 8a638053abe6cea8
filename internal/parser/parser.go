// Package parser extracts symbol tags from source files with tree-sitter.
// One parser instance exists per language, rented through a channel so
// concurrent indexer workers never share a parser. Results are cached in a
// bounded SQLite side table keyed by content identity.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"corpusd/internal/config"
	"corpusd/internal/logging"
	"corpusd/internal/types"
)

const binarySniffLen = 8 << 10

// SkipReason explains why a file produced no tags without being an error.
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipTooLarge    SkipReason = "too_large"
	SkipBinary      SkipReason = "binary"
	SkipUnknownLang SkipReason = "unknown_language"
	SkipEmpty       SkipReason = "empty"
)

// Result is the outcome of parsing one file.
type Result struct {
	Tags    []types.Tag
	Skipped SkipReason
}

// Parser owns the per-language parser pools and the tag cache.
type Parser struct {
	cfg   config.ParserConfig
	cache *TagCache
	pools map[string]chan *sitter.Parser
}

// New builds a Parser. The cache is optional: an empty cache path disables it.
func New(cfg config.ParserConfig) (*Parser, error) {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 8 << 20
	}

	p := &Parser{
		cfg:   cfg,
		pools: make(map[string]chan *sitter.Parser, len(languageSpecs)),
	}

	for _, spec := range languageSpecs {
		sp := sitter.NewParser()
		sp.SetLanguage(spec.language)
		pool := make(chan *sitter.Parser, 1)
		pool <- sp
		p.pools[spec.name] = pool
	}

	if cfg.CachePath != "" {
		cache, err := OpenTagCache(cfg.CachePath, cfg.CacheEntries, cfg.CacheMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("open tag cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// Close releases the parsers and the cache.
func (p *Parser) Close() {
	for _, pool := range p.pools {
		select {
		case sp := <-pool:
			sp.Close()
		default:
		}
	}
	if p.cache != nil {
		p.cache.Close()
	}
}

// Supported reports whether the path maps to a known grammar.
func Supported(path string) bool {
	_, ok := specByExtension[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ParseFile extracts tags from one file. mtimeNS and size identify the file
// version for the cache; pass zeros to bypass it.
func (p *Parser) ParseFile(ctx context.Context, path string, content []byte, mtimeNS, size int64) (Result, error) {
	if len(content) == 0 {
		return Result{Skipped: SkipEmpty}, nil
	}
	if int64(len(content)) > p.cfg.MaxFileBytes {
		logging.ParseDebug("skipping %s: %d bytes over limit", path, len(content))
		return Result{Skipped: SkipTooLarge}, nil
	}
	if isBinary(content) {
		return Result{Skipped: SkipBinary}, nil
	}

	spec, ok := specByExtension[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return Result{Skipped: SkipUnknownLang}, nil
	}

	useCache := p.cache != nil && mtimeNS != 0
	var key string
	if useCache {
		key = CacheKey(path, mtimeNS, size)
		if tags, hit := p.cache.Get(key); hit {
			return Result{Tags: tags}, nil
		}
	}

	timer := logging.StartTimer(logging.CategoryParse, fmt.Sprintf("parse %s", filepath.Base(path)))
	tags, err := p.parseWith(ctx, spec, path, content)
	timer.Stop()
	if err != nil {
		return Result{}, err
	}

	if useCache {
		p.cache.Put(key, path, tags)
	}
	return Result{Tags: tags}, nil
}

// parseWith rents the language's parser for the duration of one parse.
func (p *Parser) parseWith(ctx context.Context, spec *languageSpec, path string, content []byte) ([]types.Tag, error) {
	pool := p.pools[spec.name]
	var sp *sitter.Parser
	select {
	case sp = <-pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { pool <- sp }()

	tree, err := sp.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("%s parse failed for %s: %w", spec.name, path, err)
	}
	defer tree.Close()

	return extractTags(spec, tree.RootNode(), path, content), nil
}

// isBinary sniffs for a NUL byte in the leading window.
func isBinary(content []byte) bool {
	window := content
	if len(window) > binarySniffLen {
		window = window[:binarySniffLen]
	}
	return bytes.IndexByte(window, 0) >= 0
}
