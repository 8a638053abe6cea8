package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/config"
	"corpusd/internal/parser"
	"corpusd/internal/store"
	"corpusd/internal/types"
)

type fakeEmbedder struct {
	calls   int
	failAll bool
	failFor string // substring of text that triggers a failure
	err     error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failAll {
		return nil, f.err
	}
	for _, text := range texts {
		if f.failFor != "" && strings.Contains(text, f.failFor) {
			return nil, f.err
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

type env struct {
	store   *store.Store
	parser  *parser.Parser
	embed   *fakeEmbedder
	indexer *Indexer
	root    string
}

func newEnv(t *testing.T, cfg config.Config) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p, err := parser.New(config.ParserConfig{})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	embed := &fakeEmbedder{err: errors.New("embed failed")}
	return &env{
		store:   s,
		parser:  p,
		embed:   embed,
		indexer: New(cfg, s, p, embed),
		root:    t.TempDir(),
	}
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const (
	userRb    = "class User\n  def authenticate\n  end\nend\n"
	sessionRb = "class Session\n  def user\n    User.authenticate\n  end\nend\n"
)

func TestStructuralRoundTrip(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("ruby-demo", types.KBStructure, "", 4)
	require.NoError(t, err)

	e.write(t, "user.rb", userRb)
	e.write(t, "session.rb", sessionRb)
	e.write(t, "README.md", "# not source code\n")

	res, err := e.indexer.IndexStructural(context.Background(), kb.ID, e.root, 1024, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.False(t, res.Overflow)

	edges, err := e.store.EdgesForKB(kb.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "user.rb", edges[0].From)
	assert.Equal(t, "session.rb", edges[0].To)
	assert.Equal(t, "authenticate", edges[0].Ident)

	syms, err := e.store.SymbolsForKB(kb.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, syms)

	rm, err := e.store.GetRepoMap(kb.ID)
	require.NoError(t, err)
	assert.Contains(t, rm.Text, "user.rb")
	assert.Contains(t, rm.Text, "session.rb")
	assert.Less(t, strings.Index(rm.Text, "user.rb"), strings.Index(rm.Text, "session.rb"))
}

func TestStructuralIsDeterministic(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("repeat", types.KBStructure, "", 4)
	require.NoError(t, err)
	e.write(t, "user.rb", userRb)
	e.write(t, "session.rb", sessionRb)

	_, err = e.indexer.IndexStructural(context.Background(), kb.ID, e.root, 1024, nil, nil)
	require.NoError(t, err)
	first, err := e.store.GetRepoMap(kb.ID)
	require.NoError(t, err)

	_, err = e.indexer.IndexStructural(context.Background(), kb.ID, e.root, 1024, nil, nil)
	require.NoError(t, err)
	second, err := e.store.GetRepoMap(kb.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.TokenCount, second.TokenCount)
}

func TestStructuralHonorsIgnoreRules(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("ignores", types.KBStructure, "", 4)
	require.NoError(t, err)

	e.write(t, "kept.rb", userRb)
	e.write(t, "node_modules/dep.rb", userRb)
	e.write(t, "vendor/skip.rb", userRb)
	e.write(t, ".gitignore", "vendor/\n*.tmp.rb\n")
	e.write(t, "scratch.tmp.rb", userRb)

	res, err := e.indexer.IndexStructural(context.Background(), kb.ID, e.root, 1024, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)

	syms, err := e.store.SymbolsForKB(kb.ID)
	require.NoError(t, err)
	for _, sym := range syms {
		assert.Equal(t, "kept.rb", sym.File)
	}
}

func TestSemanticFullModeAndIdempotence(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	e.write(t, "user.rb", userRb)
	e.write(t, "guide.md", "install the gem and run the server\n")
	e.write(t, "notes.txt", "misc notes\n")

	res, err := e.indexer.IndexSemantic(context.Background(), kb.ID, 0, e.root, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, 3, res.Embedded)
	assert.Empty(t, res.Failures)
	callsAfterFirst := e.embed.calls

	// Unchanged corpus: the second run embeds nothing.
	res, err = e.indexer.IndexSemantic(context.Background(), kb.ID, 0, e.root, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Embedded)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, callsAfterFirst, e.embed.calls)

	docs, err := e.store.ListDocuments(kb.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestSemanticFileTypeFilter(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	e.write(t, "user.rb", userRb)
	e.write(t, "guide.md", "install the gem and run the server\n")
	e.write(t, "notes.txt", "misc notes\n")

	res, err := e.indexer.IndexSemanticFiltered(context.Background(), kb.ID, 0, e.root, false, []string{"md"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected)
	assert.Equal(t, 1, res.Embedded)

	docs, err := e.store.ListDocuments(kb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "guide.md", docs[0].Filename)
}

func TestSemanticSkipsBinaryFiles(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	e.write(t, "blob.md", "prefix\x00suffix")

	res, err := e.indexer.IndexSemantic(context.Background(), kb.ID, 0, e.root, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected)
	assert.Equal(t, 0, res.Embedded)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Failures)
}

func TestSemanticRecordsPerFileFailures(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	e.write(t, "good.md", "plain sailing\n")
	e.write(t, "poison.md", "this one is cursed\n")
	e.embed.failFor = "cursed"

	res, err := e.indexer.IndexSemantic(context.Background(), kb.ID, 0, e.root, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Embedded)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures, "poison.md")
}

func TestSemanticAbortsWhenBackendStaysDown(t *testing.T) {
	cfg := config.Config{}
	cfg.Embedding.GracePeriod = time.Nanosecond
	e := newEnv(t, cfg)
	kb, err := e.store.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	e.write(t, "a.md", "first\n")
	e.write(t, "b.md", "second\n")
	e.write(t, "c.md", "third\n")
	e.embed.failAll = true
	e.embed.err = types.E(types.KindDependency, "connection refused")

	_, err = e.indexer.IndexSemantic(context.Background(), kb.ID, 0, e.root, false, nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindDependency))
}

func TestSemanticSelectiveUsesStructuralRanking(t *testing.T) {
	e := newEnv(t, config.Config{})
	structKB, err := e.store.CreateKB("code-structure", types.KBStructure, "", 4)
	require.NoError(t, err)
	docsKB, err := e.store.CreateKB("code-index", types.KBCode, "", 4)
	require.NoError(t, err)

	e.write(t, "user.rb", userRb)
	e.write(t, "session.rb", sessionRb)
	e.write(t, "guide.md", "documentation always selected\n")

	// Age the code files out of the recent-modification window.
	old := time.Now().AddDate(0, 0, -90)
	for _, rel := range []string{"user.rb", "session.rb"} {
		require.NoError(t, os.Chtimes(filepath.Join(e.root, rel), old, old))
	}

	_, err = e.indexer.IndexStructural(context.Background(), structKB.ID, e.root, 1024, nil, nil)
	require.NoError(t, err)

	res, err := e.indexer.IndexSemantic(context.Background(), docsKB.ID, structKB.ID, e.root, true, nil)
	require.NoError(t, err)

	docs, err := e.store.ListDocuments(docsKB.ID)
	require.NoError(t, err)
	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = d.Filename
	}
	// Docs are always in; user.rb carries the top-ranked symbols.
	assert.Contains(t, names, "guide.md")
	assert.Contains(t, names, "user.rb")
	assert.Equal(t, res.Embedded, len(docs))
}

func TestReindexFileRefreshesFromSource(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	e.write(t, "guide.md", "first version\n")
	_, err = e.indexer.IndexSemantic(context.Background(), kb.ID, 0, e.root, false, nil)
	require.NoError(t, err)

	// Unchanged source is a no-op.
	changed, err := e.indexer.ReindexFile(context.Background(), kb.ID, "guide.md")
	require.NoError(t, err)
	assert.False(t, changed)

	e.write(t, "guide.md", "second version with more words\n")
	changed, err = e.indexer.ReindexFile(context.Background(), kb.ID, "guide.md")
	require.NoError(t, err)
	assert.True(t, changed)

	docs, err := e.store.ListDocuments(kb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, types.HashBytes([]byte("second version with more words\n")), docs[0].ContentHash)

	// A vanished source removes the document.
	require.NoError(t, os.Remove(filepath.Join(e.root, "guide.md")))
	changed, err = e.indexer.ReindexFile(context.Background(), kb.ID, "guide.md")
	require.NoError(t, err)
	assert.True(t, changed)

	docs, err = e.store.ListDocuments(kb.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = e.indexer.ReindexFile(context.Background(), kb.ID, "guide.md")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestEmbedPendingChunks(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("restored", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	// Documents stored without embeddings, the shape a restore produces.
	chunks := []types.Chunk{
		{Ordinal: 0, Text: "alpha section", Tokens: 2},
		{Ordinal: 1, Text: "beta section", Tokens: 2},
	}
	_, err = e.store.UpsertDocument(kb.ID, types.Document{
		Filename: "a.md", ContentHash: "hash-a",
	}, chunks, nil)
	require.NoError(t, err)
	_, err = e.store.UpsertDocument(kb.ID, types.Document{
		Filename: "b.md", ContentHash: "hash-b",
	}, []types.Chunk{{Ordinal: 0, Text: "gamma", Tokens: 1}}, nil)
	require.NoError(t, err)

	n, err := e.indexer.EmbedPendingChunks(context.Background(), kb.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := e.store.ChunksForKB(kb.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for _, sc := range stored {
		assert.NotNil(t, sc.Vector)
	}

	// Nothing pending on the second pass.
	callsBefore := e.embed.calls
	n, err = e.indexer.EmbedPendingChunks(context.Background(), kb.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, callsBefore, e.embed.calls)
}

func TestSyncFileLifecycle(t *testing.T) {
	e := newEnv(t, config.Config{})
	folder := t.TempDir()
	project, err := e.store.CreateProject("app", folder, "", 4)
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertHook(types.Hook{
		ProjectID:  project.ID,
		Role:       types.RoleDocs,
		Enabled:    true,
		FolderPath: folder,
		Patterns:   []string{"*.md"},
	}))

	path := filepath.Join(folder, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("remember the milk\n"), 0644))

	task := types.SyncTask{
		Role: types.RoleDocs, ProjectID: project.ID,
		Path: path, EventKind: "create", ObservedAt: time.Now().UTC(),
	}
	require.NoError(t, e.indexer.SyncFile(context.Background(), task))

	docsKB := project.KBs[types.RoleDocs]
	docs, err := e.store.ListDocuments(docsKB)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "note.md", docs[0].Filename)

	hook, err := e.store.GetHook(project.ID, types.RoleDocs)
	require.NoError(t, err)
	assert.Equal(t, docs[0].ContentHash, hook.SyncedFiles["note.md"])

	task.EventKind = "delete"
	require.NoError(t, e.indexer.SyncFile(context.Background(), task))

	docs, err = e.store.ListDocuments(docsKB)
	require.NoError(t, err)
	assert.Empty(t, docs)

	hook, err = e.store.GetHook(project.ID, types.RoleDocs)
	require.NoError(t, err)
	assert.NotContains(t, hook.SyncedFiles, "note.md")
}

func TestSyncFileOutsideHookFolderRejected(t *testing.T) {
	e := newEnv(t, config.Config{})
	folder := t.TempDir()
	project, err := e.store.CreateProject("app", folder, "", 4)
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertHook(types.Hook{
		ProjectID: project.ID, Role: types.RoleDocs, Enabled: true, FolderPath: folder,
	}))

	err = e.indexer.SyncFile(context.Background(), types.SyncTask{
		Role: types.RoleDocs, ProjectID: project.ID,
		Path: "/etc/passwd", EventKind: "modify",
	})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestStructuralCancellation(t *testing.T) {
	e := newEnv(t, config.Config{})
	kb, err := e.store.CreateKB("cancel", types.KBStructure, "", 4)
	require.NoError(t, err)
	e.write(t, "a.rb", userRb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.indexer.IndexStructural(ctx, kb.ID, e.root, 1024, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
