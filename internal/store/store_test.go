package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/graph"
	"corpusd/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetKB(t *testing.T) {
	s := openTestStore(t)

	kb, err := s.CreateKB("Ruby Demo", types.KBCode, "fixture", 8)
	require.NoError(t, err)
	assert.Equal(t, "ruby-demo", kb.Slug)
	assert.Equal(t, 8, kb.Dimensions)

	byName, err := s.GetKB("Ruby Demo")
	require.NoError(t, err)
	bySlug, err := s.GetKB("ruby-demo")
	require.NoError(t, err)
	assert.Equal(t, byName.ID, bySlug.ID)
}

func TestCreateKBConflicts(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateKB("demo", types.KBGeneric, "", 8)
	require.NoError(t, err)

	_, err = s.CreateKB("demo", types.KBGeneric, "", 8)
	assert.True(t, types.IsKind(err, types.KindConflict))

	// A different name with the same slug is still a conflict.
	_, err = s.CreateKB("Demo!", types.KBGeneric, "", 8)
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestCreateKBValidation(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateKB("   ", types.KBGeneric, "", 8)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestGetKBNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetKB("missing")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func makeChunks(texts ...string) []types.Chunk {
	chunks := make([]types.Chunk, len(texts))
	offset := 0
	for i, text := range texts {
		chunks[i] = types.Chunk{
			Ordinal:   i,
			Text:      text,
			StartByte: offset,
			EndByte:   offset + len(text),
			Tokens:    len(text) / 3,
		}
		offset += len(text)
	}
	return chunks
}

func unitVec(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot%dims] = 1
	return v
}

func TestUpsertDocumentWithEmbeddings(t *testing.T) {
	s := openTestStore(t)
	kb, err := s.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	chunks := makeChunks("alpha beta", "gamma delta")
	embs := [][]float32{unitVec(4, 0), unitVec(4, 1)}
	doc := types.Document{Filename: "a.md", ContentHash: types.HashBytes([]byte("alpha"))}

	_, err = s.UpsertDocument(kb.ID, doc, chunks, embs)
	require.NoError(t, err)

	stored, err := s.ChunksForKB(kb.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "alpha beta", stored[0].Chunk.Text)
	assert.Equal(t, 0, stored[0].Chunk.Ordinal)
	assert.Equal(t, []float32{1, 0, 0, 0}, stored[0].Vector)

	st, err := s.Stats("docs")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Documents)
	assert.Equal(t, 2, st.Chunks)
	assert.Equal(t, 2, st.Embeddings)
}

func TestUpsertDocumentReplacesOldVersion(t *testing.T) {
	s := openTestStore(t)
	kb, err := s.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	doc := types.Document{Filename: "a.md"}
	_, err = s.UpsertDocument(kb.ID, doc, makeChunks("one", "two", "three"), nil)
	require.NoError(t, err)
	_, err = s.UpsertDocument(kb.ID, doc, makeChunks("only"), nil)
	require.NoError(t, err)

	st, err := s.Stats("docs")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Documents)
	assert.Equal(t, 1, st.Chunks)
}

func TestUpsertDocumentDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	kb, err := s.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	_, err = s.UpsertDocument(kb.ID, types.Document{Filename: "a.md"},
		makeChunks("text"), [][]float32{make([]float32, 8)})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestDocumentHashIdempotence(t *testing.T) {
	s := openTestStore(t)
	kb, err := s.CreateKB("docs", types.KBDocumentation, "", 4)
	require.NoError(t, err)

	hash := types.HashBytes([]byte("content"))
	_, err = s.UpsertDocument(kb.ID, types.Document{Filename: "a.md", ContentHash: hash},
		makeChunks("content"), nil)
	require.NoError(t, err)

	got, err := s.DocumentHash(kb.ID, "a.md")
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	missing, err := s.DocumentHash(kb.ID, "b.md")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestCascadeDeleteLeavesNothing(t *testing.T) {
	s := openTestStore(t)
	kb, err := s.CreateKB("doomed", types.KBCode, "", 4)
	require.NoError(t, err)

	_, err = s.UpsertDocument(kb.ID, types.Document{Filename: "a.rb"},
		makeChunks("class User", "def authenticate"),
		[][]float32{unitVec(4, 0), unitVec(4, 1)})
	require.NoError(t, err)

	ranked := []graph.RankedTag{
		{File: "a.rb", Name: "User", Kind: types.KindClass, Line: 1, Score: 0.9},
	}
	edges := []types.DependencyEdge{
		{From: "a.rb", To: "b.rb", Ident: "User", Kind: types.EdgeReferences, Weight: 1},
	}
	require.NoError(t, s.ReplaceStructuralIndex(kb.ID, ranked, edges, types.RepoMap{
		KBID: kb.ID, Text: "a.rb\n", TokenCount: 2, TokenBudget: 100, GeneratedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteKB("doomed"))

	_, err = s.GetKB("doomed")
	assert.True(t, types.IsKind(err, types.KindNotFound))

	// No dangling descendants of any kind.
	for _, q := range []string{
		"SELECT COUNT(*) FROM documents",
		"SELECT COUNT(*) FROM chunks",
		"SELECT COUNT(*) FROM embeddings",
		"SELECT COUNT(*) FROM symbols",
		"SELECT COUNT(*) FROM dependency_edges",
		"SELECT COUNT(*) FROM repo_maps",
	} {
		var n int
		require.NoError(t, s.db.QueryRow(q).Scan(&n))
		assert.Zero(t, n, q)
	}
	require.NoError(t, s.Vacuum())
}

func TestReplaceStructuralIndexRejectsBadSymbols(t *testing.T) {
	s := openTestStore(t)
	kb, err := s.CreateKB("code", types.KBStructure, "", 4)
	require.NoError(t, err)

	err = s.ReplaceStructuralIndex(kb.ID, []graph.RankedTag{
		{File: "", Name: "broken", Line: 1},
	}, nil, types.RepoMap{KBID: kb.ID})
	assert.True(t, types.IsKind(err, types.KindIntegrity))

	err = s.ReplaceStructuralIndex(kb.ID, []graph.RankedTag{
		{File: "a.go", Name: "broken", Line: 0},
	}, nil, types.RepoMap{KBID: kb.ID})
	assert.True(t, types.IsKind(err, types.KindIntegrity))
}

func TestReplaceStructuralIndexSwapsAtomically(t *testing.T) {
	s := openTestStore(t)
	kb, err := s.CreateKB("code", types.KBStructure, "", 4)
	require.NoError(t, err)

	first := []graph.RankedTag{{File: "a.go", Name: "A", Kind: types.KindFunction, Line: 1, Score: 1}}
	require.NoError(t, s.ReplaceStructuralIndex(kb.ID, first, nil, types.RepoMap{KBID: kb.ID, Text: "a.go\n"}))

	second := []graph.RankedTag{
		{File: "b.go", Name: "B", Kind: types.KindFunction, Line: 1, Score: 1},
		{File: "c.go", Name: "C", Kind: types.KindFunction, Line: 2, Score: 0.5},
	}
	require.NoError(t, s.ReplaceStructuralIndex(kb.ID, second, nil, types.RepoMap{KBID: kb.ID, Text: "b.go\n"}))

	syms, err := s.SymbolsForKB(kb.ID)
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, "B", syms[0].Name)

	rm, err := s.GetRepoMap(kb.ID)
	require.NoError(t, err)
	assert.Equal(t, "b.go\n", rm.Text)
}

func TestGetRepoMapEmptyKB(t *testing.T) {
	s := openTestStore(t)
	kb, err := s.CreateKB("empty", types.KBStructure, "", 4)
	require.NoError(t, err)

	rm, err := s.GetRepoMap(kb.ID)
	require.NoError(t, err)
	assert.Empty(t, rm.Text)
	assert.Zero(t, rm.TokenCount)
}

func TestCreateProjectAutoCreatesRoleKBs(t *testing.T) {
	s := openTestStore(t)

	p, err := s.CreateProject("myapp", "/srv/myapp", "demo", 8)
	require.NoError(t, err)
	assert.Len(t, p.KBs, 5)

	for _, role := range types.ProjectRoles {
		kbID, ok := p.KBs[role]
		require.True(t, ok, "missing role %s", role)
		kb, err := s.GetKBByID(kbID)
		require.NoError(t, err)
		assert.Equal(t, types.Slugify("myapp-"+string(role)), kb.Slug)
	}

	got, err := s.GetProjectByName("myapp")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Len(t, got.KBs, 5)
}

func TestCreateProjectValidatesPath(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateProject("app", "relative/path", "", 8)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestHookRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p, err := s.CreateProject("app", "/srv/app", "", 8)
	require.NoError(t, err)

	hook := types.Hook{
		ProjectID:   p.ID,
		Role:        types.RoleDocs,
		Enabled:     true,
		FolderPath:  "/srv/app/docs",
		Patterns:    []string{"*.md", "*.txt"},
		SyncedFiles: map[string]string{},
	}
	require.NoError(t, s.UpsertHook(hook))

	require.NoError(t, s.MarkHookSynced(p.ID, types.RoleDocs, "a.md", "hash-1"))

	got, err := s.GetHook(p.ID, types.RoleDocs)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, []string{"*.md", "*.txt"}, got.Patterns)
	assert.Equal(t, "hash-1", got.SyncedFiles["a.md"])
	assert.False(t, got.LastSyncAt.IsZero())

	enabled, err := s.ListEnabledHooks()
	require.NoError(t, err)
	assert.Len(t, enabled, 1)
}

func TestMarkHookSyncedConcurrentKeepsAllEntries(t *testing.T) {
	s := openTestStore(t)
	p, err := s.CreateProject("app", "/srv/app", "", 8)
	require.NoError(t, err)

	seeded := map[string]string{"seed.md": "hash-seed"}
	require.NoError(t, s.UpsertHook(types.Hook{
		ProjectID:   p.ID,
		Role:        types.RoleDocs,
		Enabled:     true,
		FolderPath:  "/srv/app/docs",
		Patterns:    []string{"*.md"},
		SyncedFiles: seeded,
	}))

	const markers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, markers)
	for i := 0; i < markers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			errs[n] = s.MarkHookSynced(p.ID, types.RoleDocs,
				fmt.Sprintf("file-%02d.md", n), fmt.Sprintf("hash-%02d", n))
		}(i)
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetHook(p.ID, types.RoleDocs)
	require.NoError(t, err)
	require.Len(t, got.SyncedFiles, markers+1)
	assert.Equal(t, "hash-seed", got.SyncedFiles["seed.md"])
	for i := 0; i < markers; i++ {
		assert.Equal(t, fmt.Sprintf("hash-%02d", i),
			got.SyncedFiles[fmt.Sprintf("file-%02d.md", i)])
	}

	// An empty hash removes the entry without disturbing the others.
	require.NoError(t, s.MarkHookSynced(p.ID, types.RoleDocs, "file-00.md", ""))
	got, err = s.GetHook(p.ID, types.RoleDocs)
	require.NoError(t, err)
	assert.Len(t, got.SyncedFiles, markers)
	assert.NotContains(t, got.SyncedFiles, "file-00.md")
}

func TestMarkHookSyncedMissingHook(t *testing.T) {
	s := openTestStore(t)
	p, err := s.CreateProject("app", "/srv/app", "", 8)
	require.NoError(t, err)

	err = s.MarkHookSynced(p.ID, types.RoleDocs, "a.md", "hash-1")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestJobSnapshotPersistenceAndRecovery(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	started := now.Add(time.Second)
	running := types.JobSnapshot{
		ID: "job-1", Kind: types.JobStructuralIndex, State: types.JobRunning,
		Progress: 40, SubmittedAt: now, StartedAt: &started,
	}
	interrupted := types.JobSnapshot{
		ID: "job-2", Kind: types.JobSyncFile, State: types.JobRunning,
		SubmittedAt: now, StartedAt: &started,
	}
	require.NoError(t, s.SaveJobSnapshot(running))
	require.NoError(t, s.SaveJobSnapshot(interrupted))

	resumed, err := s.RecoverInterruptedJobs()
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	assert.Equal(t, "job-1", resumed[0].ID)
	assert.Equal(t, types.JobQueued, resumed[0].State)

	failed, err := s.LoadJobSnapshots(types.JobFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "job-2", failed[0].ID)
	assert.Equal(t, "interrupted", failed[0].Error)
}

func TestSessionStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p, err := s.CreateProject("app", "/srv/app", "", 8)
	require.NoError(t, err)

	state := types.SessionState{
		ProjectID:      p.ID,
		SyncedFiles:    []string{"a.go", "b.go"},
		LastStructural: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSessionState(state))

	got, err := s.GetSessionState(p.ID)
	require.NoError(t, err)
	assert.Equal(t, state.SyncedFiles, got.SyncedFiles)
	assert.False(t, got.LastStructural.IsZero())
}

func TestVectorEncodeDecode(t *testing.T) {
	v := []float32{0.25, -1.5, 3.125, 0}
	decoded, err := DecodeVector(EncodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p, err := s.CreateProject("app", "/srv/app", "", 4)
	require.NoError(t, err)

	docsKB := p.KBs[types.RoleDocs]
	_, err = s.UpsertDocument(docsKB, types.Document{
		Filename:    "guide.md",
		ContentHash: types.HashBytes([]byte("install and run")),
	}, makeChunks("install and run"), [][]float32{unitVec(4, 2)})
	require.NoError(t, err)

	dir := t.TempDir()
	dbPath, manifestPath, err := s.ExportProject("app", dir)
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
	assert.FileExists(t, manifestPath)

	// Restore into a fresh store.
	fresh := openTestStore(t)
	require.NoError(t, fresh.Restore(dbPath))

	kb, err := fresh.GetKB("app-docs")
	require.NoError(t, err)
	docs, err := fresh.ListDocuments(kb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "guide.md", docs[0].Filename)

	stored, err := fresh.ChunksForKB(kb.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored)
	assert.Equal(t, "install and run", stored[0].Chunk.Text)
}

func TestRestoreRejectsUnknownFormat(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.db")

	out, err := Open(bad)
	require.NoError(t, err)
	out.Close()

	err = s.Restore(bad)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestSchemaMigrationIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.CreateKB("kept", types.KBGeneric, "", 8)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	kb, err := s2.GetKB("kept")
	require.NoError(t, err)
	assert.Equal(t, "kept", kb.Name)
}
