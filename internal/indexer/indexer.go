// Package indexer drives the two ingestion pipelines: a structural pass
// (parse, graph, rank, repo map) and a selective semantic pass (chunk,
// embed, persist). Both run as staged channel pipelines so backpressure
// flows naturally and cancellation lands at file boundaries.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"corpusd/internal/chunker"
	"corpusd/internal/config"
	"corpusd/internal/graph"
	"corpusd/internal/logging"
	"corpusd/internal/parser"
	"corpusd/internal/repomap"
	"corpusd/internal/store"
	"corpusd/internal/types"
)

const (
	maxSemanticFileBytes = 2 << 20
	defaultTokenBudget   = 1024
)

var docPatterns = []string{"*.md", "*.txt", "*.rst"}

// Embedder is the slice of the embedding client the indexer needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Progress receives percent updates; the job queue's Active implements it.
type Progress interface {
	SetProgress(pct float64, message string)
}

// Indexer orchestrates ingestion against one store.
type Indexer struct {
	cfg     config.Config
	store   *store.Store
	parser  *parser.Parser
	embed   Embedder
	chunker *chunker.Chunker
}

// New wires an indexer.
func New(cfg config.Config, st *store.Store, p *parser.Parser, embed Embedder) *Indexer {
	if cfg.Embedding.GracePeriod <= 0 {
		cfg.Embedding.GracePeriod = 60 * time.Second
	}
	if cfg.Ranking.RecentDays <= 0 {
		cfg.Ranking.RecentDays = 30
	}
	if cfg.Ranking.TopPercent <= 0 {
		cfg.Ranking.TopPercent = 0.20
	}
	return &Indexer{
		cfg:     cfg,
		store:   st,
		parser:  p,
		embed:   embed,
		chunker: chunker.New(cfg.Chunking),
	}
}

// StructuralResult summarizes one structural pass.
type StructuralResult struct {
	Files     int            `json:"files"`
	Skipped   map[string]int `json:"skipped,omitempty"`
	Symbols   int            `json:"symbols"`
	Edges     int            `json:"edges"`
	MapTokens int            `json:"map_tokens"`
	Overflow  bool           `json:"overflow"`
}

type parsedFile struct {
	rel  string
	tags []types.Tag
	skip parser.SkipReason
}

// IndexStructural walks root, parses every supported file, ranks the
// dependency graph, and atomically replaces the KB's structural index and
// repo map. chatFiles feed the personalization vector.
func (ix *Indexer) IndexStructural(ctx context.Context, kbID int64, root string, tokenBudget int, chatFiles []string, prog Progress) (*StructuralResult, error) {
	defer logging.StartTimer(logging.CategoryIndex, "structural index "+root).Stop()
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}

	files, err := ix.enumerate(root, func(rel string) bool { return parser.Supported(rel) })
	if err != nil {
		return nil, err
	}

	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	paths := make(chan string)
	parsed := make(chan parsedFile)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(paths)
		for _, rel := range files {
			select {
			case paths <- rel:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var workersDone sync.WaitGroup
	for i := 0; i < workers; i++ {
		workersDone.Add(1)
		g.Go(func() error {
			defer workersDone.Done()
			for rel := range paths {
				pf, err := ix.parseOne(gctx, root, rel)
				if err != nil {
					return err
				}
				select {
				case parsed <- pf:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		workersDone.Wait()
		close(parsed)
	}()

	result := &StructuralResult{Skipped: make(map[string]int)}
	var allTags []types.Tag
	var recent []string
	cutoff := time.Now().AddDate(0, 0, -ix.cfg.Ranking.RecentDays)

	done := 0
	g.Go(func() error {
		for pf := range parsed {
			done++
			if prog != nil && len(files) > 0 {
				prog.SetProgress(float64(done)/float64(len(files))*100, pf.rel)
			}
			if pf.skip != parser.SkipNone {
				result.Skipped[string(pf.skip)]++
				continue
			}
			result.Files++
			allTags = append(allTags, pf.tags...)
			if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(pf.rel))); err == nil && info.ModTime().After(cutoff) {
				recent = append(recent, pf.rel)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	depGraph := graph.Build(allTags)
	ranked, _ := depGraph.RankTags(ix.cfg.Ranking, graph.Personalization{
		ChatFiles:   chatFiles,
		RecentFiles: recent,
	})
	rm := repomap.Emit(kbID, ranked, tokenBudget)

	if err := ix.store.ReplaceStructuralIndex(kbID, ranked, depGraph.Edges, rm); err != nil {
		return nil, err
	}
	if err := ix.store.TouchKB(kbID); err != nil {
		return nil, err
	}

	result.Symbols = len(ranked)
	result.Edges = len(depGraph.Edges)
	result.MapTokens = rm.TokenCount
	result.Overflow = rm.Overflow
	logging.Index("structural index of %s: %d files, %d symbols, %d edges, map %d tokens",
		root, result.Files, result.Symbols, result.Edges, result.MapTokens)
	return result, nil
}

func (ix *Indexer) parseOne(ctx context.Context, root, rel string) (parsedFile, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	content, err := os.ReadFile(abs)
	if err != nil {
		return parsedFile{}, fmt.Errorf("read %s: %w", rel, err)
	}
	var mtimeNS, size int64
	if info, err := os.Stat(abs); err == nil {
		mtimeNS = info.ModTime().UnixNano()
		size = info.Size()
	}
	res, err := ix.parser.ParseFile(ctx, abs, content, mtimeNS, size)
	if err != nil {
		return parsedFile{}, err
	}
	tags := make([]types.Tag, len(res.Tags))
	for i, tag := range res.Tags {
		tag.File = rel
		tags[i] = tag
	}
	return parsedFile{rel: rel, tags: tags, skip: res.Skipped}, nil
}

// SemanticResult summarizes one semantic pass.
type SemanticResult struct {
	Selected int               `json:"selected"`
	Embedded int               `json:"embedded"`
	Skipped  int               `json:"skipped"` // unchanged, oversized, or binary
	Failures map[string]string `json:"failures,omitempty"`
}

// IndexSemantic embeds the selected slice of root into kbID. In selective
// mode structKBID supplies the importance ranking; pass selective=false to
// embed every eligible file.
func (ix *Indexer) IndexSemantic(ctx context.Context, kbID, structKBID int64, root string, selective bool, prog Progress) (*SemanticResult, error) {
	return ix.IndexSemanticFiltered(ctx, kbID, structKBID, root, selective, nil, prog)
}

// IndexSemanticFiltered additionally restricts the selection to filenames
// with one of the given extensions (".md", ".go", ...). An empty filter
// keeps every eligible file.
func (ix *Indexer) IndexSemanticFiltered(ctx context.Context, kbID, structKBID int64, root string, selective bool, fileTypes []string, prog Progress) (*SemanticResult, error) {
	defer logging.StartTimer(logging.CategoryIndex, "semantic index "+root).Stop()

	selected, err := ix.selectFiles(root, structKBID, selective, fileTypes)
	if err != nil {
		return nil, err
	}
	logging.Index("semantic selection for %s: %d files (selective=%v)", root, len(selected), selective)

	result := &SemanticResult{Selected: len(selected), Failures: make(map[string]string)}
	var unreachableSince time.Time

	for i, rel := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if prog != nil {
			prog.SetProgress(float64(i)/float64(len(selected))*100, rel)
		}

		changed, err := ix.ingestFile(ctx, kbID, root, rel)
		switch {
		case err == nil:
			if changed {
				result.Embedded++
			} else {
				result.Skipped++
			}
			unreachableSince = time.Time{}
		case types.IsKind(err, types.KindDependency):
			if unreachableSince.IsZero() {
				unreachableSince = time.Now()
			}
			if time.Since(unreachableSince) > ix.cfg.Embedding.GracePeriod {
				return nil, types.Wrap(types.KindDependency, err,
					"embedding backend unreachable beyond grace period")
			}
			result.Failures[rel] = err.Error()
		default:
			result.Failures[rel] = err.Error()
		}
	}

	if err := ix.store.TouchKB(kbID); err != nil {
		return nil, err
	}
	if prog != nil {
		prog.SetProgress(100, "done")
	}
	logging.Index("semantic index of %s: %d embedded, %d skipped, %d failed",
		root, result.Embedded, result.Skipped, len(result.Failures))
	return result, nil
}

// ingestFile chunks and embeds one file. Returns false when the stored
// content hash already matches, making re-runs no-ops.
func (ix *Indexer) ingestFile(ctx context.Context, kbID int64, root, rel string) (bool, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.Size() > maxSemanticFileBytes {
		return false, nil
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", rel, err)
	}
	if isBinary(content) {
		return false, nil
	}

	hash := types.HashBytes(content)
	stored, err := ix.store.DocumentHash(kbID, rel)
	if err != nil {
		return false, err
	}
	if stored == hash {
		return false, nil
	}

	var tags []types.Tag
	if parser.Supported(rel) {
		res, err := ix.parser.ParseFile(ctx, abs, content, info.ModTime().UnixNano(), info.Size())
		if err == nil {
			tags = res.Tags
		}
	}
	chunks := ix.chunker.Chunk(string(content), rel, tags)
	if len(chunks) == 0 {
		return false, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := ix.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return false, err
	}

	doc := types.Document{
		Filename:    rel,
		SourcePath:  abs,
		Size:        info.Size(),
		ContentHash: hash,
	}
	if _, err := ix.store.UpsertDocument(kbID, doc, chunks, vectors); err != nil {
		return false, err
	}
	return true, nil
}

// IngestBytes chunks, embeds, and stores one in-memory document, the path
// taken by uploads and RPC ingestion. Returns the document id.
func (ix *Indexer) IngestBytes(ctx context.Context, kbID int64, filename string, content []byte) (int64, error) {
	if len(content) == 0 {
		return 0, types.E(types.KindValidation, "document %q is empty", filename)
	}
	if len(content) > maxSemanticFileBytes {
		return 0, types.E(types.KindValidation, "document %q exceeds %d bytes", filename, maxSemanticFileBytes)
	}
	if isBinary(content) {
		return 0, types.E(types.KindValidation, "document %q looks binary", filename)
	}

	var tags []types.Tag
	if parser.Supported(filename) {
		if res, err := ix.parser.ParseFile(ctx, filename, content, 0, 0); err == nil {
			tags = res.Tags
		}
	}
	chunks := ix.chunker.Chunk(string(content), filename, tags)
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := ix.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	doc := types.Document{
		Filename:    filename,
		Size:        int64(len(content)),
		ContentHash: types.HashBytes(content),
	}
	return ix.store.UpsertDocument(kbID, doc, chunks, vectors)
}

// ReindexFile re-reads one stored document from its recorded source path and
// replaces its chunks and embeddings. A vanished source removes the document.
// Returns false when the stored content hash already matches.
func (ix *Indexer) ReindexFile(ctx context.Context, kbID int64, filename string) (bool, error) {
	docs, err := ix.store.ListDocuments(kbID)
	if err != nil {
		return false, err
	}
	var doc *types.Document
	for i := range docs {
		if docs[i].Filename == filename {
			doc = &docs[i]
			break
		}
	}
	if doc == nil {
		return false, types.E(types.KindNotFound, "document %q not found", filename)
	}
	if doc.SourcePath == "" {
		return false, types.E(types.KindValidation, "document %q has no source path to reindex from", filename)
	}

	content, err := os.ReadFile(doc.SourcePath)
	if os.IsNotExist(err) {
		if derr := ix.store.DeleteDocument(kbID, filename); derr != nil {
			return false, derr
		}
		logging.Index("reindex: source of %q gone, document removed", filename)
		return true, ix.store.TouchKB(kbID)
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", doc.SourcePath, err)
	}
	if isBinary(content) {
		return false, types.E(types.KindValidation, "document %q looks binary", filename)
	}

	hash := types.HashBytes(content)
	if hash == doc.ContentHash {
		return false, nil
	}

	var tags []types.Tag
	if parser.Supported(filename) {
		if res, err := ix.parser.ParseFile(ctx, doc.SourcePath, content, 0, 0); err == nil {
			tags = res.Tags
		}
	}
	chunks := ix.chunker.Chunk(string(content), filename, tags)
	if len(chunks) == 0 {
		return false, nil
	}
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := ix.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return false, err
	}

	updated := types.Document{
		Filename:    filename,
		SourcePath:  doc.SourcePath,
		Size:        int64(len(content)),
		ContentHash: hash,
		Metadata:    doc.Metadata,
	}
	if _, err := ix.store.UpsertDocument(kbID, updated, chunks, vectors); err != nil {
		return false, err
	}
	return true, ix.store.TouchKB(kbID)
}

// EmbedPendingChunks embeds every stored chunk that has no vector yet, the
// state a snapshot restore leaves documents in. Returns the number of
// documents embedded.
func (ix *Indexer) EmbedPendingChunks(ctx context.Context, kbID int64, prog Progress) (int, error) {
	stored, err := ix.store.ChunksForKB(kbID)
	if err != nil {
		return 0, err
	}
	byDoc := make(map[int64][]types.Chunk)
	pending := make(map[int64]bool)
	for _, sc := range stored {
		byDoc[sc.Chunk.DocumentID] = append(byDoc[sc.Chunk.DocumentID], sc.Chunk)
		if sc.Vector == nil {
			pending[sc.Chunk.DocumentID] = true
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	docs, err := ix.store.ListDocuments(kbID)
	if err != nil {
		return 0, err
	}

	embedded, done := 0, 0
	for _, doc := range docs {
		if !pending[doc.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		if prog != nil {
			prog.SetProgress(float64(done)/float64(len(pending))*100, doc.Filename)
		}
		done++

		chunks := byDoc[doc.ID]
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Text
		}
		vectors, err := ix.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return embedded, err
		}
		if _, err := ix.store.UpsertDocument(kbID, doc, chunks, vectors); err != nil {
			return embedded, err
		}
		embedded++
	}
	if prog != nil {
		prog.SetProgress(100, "done")
	}
	if err := ix.store.TouchKB(kbID); err != nil {
		return embedded, err
	}
	logging.Index("embedded pending chunks in kb %d: %d documents", kbID, embedded)
	return embedded, nil
}

// selectFiles computes the deterministic semantic selection: top-ranked
// code files (selective mode), documentation files, and recently modified
// files.
func (ix *Indexer) selectFiles(root string, structKBID int64, selective bool, fileTypes []string) ([]string, error) {
	exts := make(map[string]bool, len(fileTypes))
	for _, t := range fileTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, ".") {
			t = "." + t
		}
		exts[t] = true
	}

	all, err := ix.enumerate(root, func(rel string) bool { return true })
	if err != nil {
		return nil, err
	}

	pick := make(map[string]bool)
	cutoff := time.Now().AddDate(0, 0, -ix.cfg.Ranking.RecentDays)
	for _, rel := range all {
		if isDocFile(rel) {
			pick[rel] = true
			continue
		}
		if !parser.Supported(rel) {
			continue
		}
		if !selective {
			pick[rel] = true
			continue
		}
		if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err == nil && info.ModTime().After(cutoff) {
			pick[rel] = true
		}
	}

	if selective && structKBID != 0 {
		symbols, err := ix.store.SymbolsForKB(structKBID)
		if err != nil {
			return nil, err
		}
		ranked := make([]graph.RankedTag, len(symbols))
		for i, sym := range symbols {
			ranked[i] = graph.RankedTag{
				File: sym.File, Name: sym.Name, Kind: sym.Kind,
				Line: sym.Line, Score: sym.Importance,
			}
		}
		onDisk := make(map[string]bool, len(all))
		for _, rel := range all {
			onDisk[rel] = true
		}
		for _, file := range graph.TopPercentFiles(ranked, ix.cfg.Ranking.TopPercent) {
			if onDisk[file] {
				pick[file] = true
			}
		}
	}

	out := make([]string, 0, len(pick))
	for rel := range pick {
		if len(exts) > 0 && !exts[strings.ToLower(filepath.Ext(rel))] {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

// enumerate walks root honoring .gitignore files and the built-in deny
// list, returning slash-relative paths accepted by keep, sorted.
func (ix *Indexer) enumerate(root string, keep func(rel string) bool) ([]string, error) {
	ig := &ignoreSet{}
	var out []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				ig.loadDir(path, "")
				return nil
			}
			if deniedDirs[d.Name()] || ig.ignored(rel, true) {
				return filepath.SkipDir
			}
			ig.loadDir(path, rel)
			return nil
		}
		if rel == "." || ig.ignored(rel, false) {
			return nil
		}
		if keep(rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

func isDocFile(rel string) bool {
	base := filepath.Base(rel)
	for _, p := range docPatterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// isBinary mirrors the parser's sniff: a NUL byte in the first 8 KiB.
func isBinary(content []byte) bool {
	window := content
	if len(window) > 8<<10 {
		window = window[:8<<10]
	}
	return bytes.IndexByte(window, 0) >= 0
}
