package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"corpusd/internal/graph"
	"corpusd/internal/repomap"
	"corpusd/internal/retrieval"
	"corpusd/internal/types"
)

const maxUploadBytes = 32 << 20

// ===== KNOWLEDGE BASES =====

func (s *Server) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		KBType      string `json:"kb_type"`
		Description string `json:"description"`
		Dimensions  int    `json:"dimensions"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.KBType == "" {
		req.KBType = string(types.KBGeneric)
	}
	if req.Dimensions <= 0 {
		req.Dimensions = s.cfg.Embedding.Dimensions
	}
	kb, err := s.store.CreateKB(req.Name, types.KBType(req.KBType), req.Description, req.Dimensions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

func (s *Server) handleListKBs(w http.ResponseWriter, r *http.Request) {
	kbs, err := s.store.ListKBs()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kbs)
}

func (s *Server) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteKB(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKBStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ===== INGESTION =====

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKB(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, types.Wrap(types.KindValidation, err, "parse multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, types.Wrap(types.KindValidation, err, "missing file field"))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(content) > maxUploadBytes {
		writeError(w, types.E(types.KindValidation, "upload exceeds %d bytes", maxUploadBytes))
		return
	}

	// Keep the raw bytes content-addressed next to the store.
	hash := types.HashBytes(content)
	rawPath := filepath.Join(s.cfg.UploadsDir(), hash)
	if err := os.MkdirAll(s.cfg.UploadsDir(), 0755); err == nil {
		os.WriteFile(rawPath, content, 0644)
	}

	docID, err := s.indexer.IngestBytes(r.Context(), kb.ID, filepath.Base(header.Filename), content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"document_id":  docID,
		"filename":     filepath.Base(header.Filename),
		"content_hash": hash,
	})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKB(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		DirectoryPath string   `json:"directory_path"`
		FileTypes     []string `json:"file_types"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !filepath.IsAbs(req.DirectoryPath) {
		writeError(w, types.E(types.KindValidation, "directory_path must be absolute"))
		return
	}
	params := types.JobParams{KBID: kb.ID, Path: req.DirectoryPath}
	if len(req.FileTypes) > 0 {
		params.Extra = map[string]string{"file_types": strings.Join(req.FileTypes, ",")}
	}
	jobID, err := s.queue.Submit(types.JobSemanticIndex, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleEmbedPending queues embedding for chunks stored without vectors,
// typically after a snapshot restore.
func (s *Server) handleEmbedPending(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKB(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.queue.Submit(types.JobChunkEmbed, types.JobParams{KBID: kb.ID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleReindexFile queues a single-document refresh from its source path.
func (s *Server) handleReindexFile(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKB(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Filename string `json:"filename"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Filename == "" {
		writeError(w, types.E(types.KindValidation, "filename must not be empty"))
		return
	}
	jobID, err := s.queue.Submit(types.JobReindexFile, types.JobParams{KBID: kb.ID, Path: req.Filename})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleIndexStructural(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKB(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ProjectPath string `json:"project_path"`
		TokenBudget int    `json:"token_budget"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !filepath.IsAbs(req.ProjectPath) {
		writeError(w, types.E(types.KindValidation, "project_path must be absolute"))
		return
	}
	jobID, err := s.queue.Submit(types.JobStructuralIndex, types.JobParams{
		KBID: kb.ID, Path: req.ProjectPath, TokenBudget: req.TokenBudget,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleIndexSemantic(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKB(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ProjectPath     string `json:"project_path"`
		Selective       bool   `json:"selective"`
		CodeStructureKB string `json:"code_structure_kb"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !filepath.IsAbs(req.ProjectPath) {
		writeError(w, types.E(types.KindValidation, "project_path must be absolute"))
		return
	}
	params := types.JobParams{KBID: kb.ID, Path: req.ProjectPath, Selective: req.Selective}
	if req.CodeStructureKB != "" {
		structKB, err := s.store.GetKB(req.CodeStructureKB)
		if err != nil {
			writeError(w, err)
			return
		}
		params.StructKBID = structKB.ID
	}
	jobID, err := s.queue.Submit(types.JobSemanticIndex, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// ===== RETRIEVAL =====

func (s *Server) handleRepoMap(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKB(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	budget := 0
	if budgetStr := r.URL.Query().Get("token_budget"); budgetStr != "" {
		budget, err = strconv.Atoi(budgetStr)
		if err != nil || budget <= 0 {
			writeError(w, types.E(types.KindValidation, "token_budget must be a positive integer"))
			return
		}
	}
	rm, err := s.repoMapForKB(kb.ID, budget)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

// repoMapForKB returns the stored map, or re-renders it from the stored
// symbol ranking when a different positive budget is requested.
func (s *Server) repoMapForKB(kbID int64, budget int) (*types.RepoMap, error) {
	rm, err := s.store.GetRepoMap(kbID)
	if err != nil {
		return nil, err
	}
	if budget <= 0 || budget == rm.TokenBudget {
		return rm, nil
	}
	symbols, err := s.store.SymbolsForKB(kbID)
	if err != nil {
		return nil, err
	}
	ranked := make([]graph.RankedTag, len(symbols))
	for i, sym := range symbols {
		ranked[i] = graph.RankedTag{
			File: sym.File, Name: sym.Name, Kind: sym.Kind, Line: sym.Line,
			Signature: sym.Signature, Language: sym.Language, Score: sym.Importance,
		}
	}
	fresh := repomap.Emit(kbID, ranked, budget)
	return &fresh, nil
}

type queryRequest struct {
	Query     string            `json:"query"`
	K         *int              `json:"k"`
	UseVector *bool             `json:"use_vector"`
	UseBM25   bool              `json:"use_bm25"`
	UseRerank bool              `json:"use_rerank"`
	Filter    map[string]string `json:"filter"`
}

func (s *Server) queryOptions(req queryRequest) retrieval.Options {
	opts := retrieval.Options{
		UseVector: true,
		UseBM25:   req.UseBM25,
		UseRerank: req.UseRerank,
		Filter:    req.Filter,
		K:         s.engine.DefaultK(),
	}
	if req.UseVector != nil {
		opts.UseVector = *req.UseVector
	}
	if req.K != nil {
		opts.K = *req.K
	}
	return opts
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	results, err := s.engine.Query(r.Context(), chi.URLParam(r, "name"), req.Query, s.queryOptions(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message     string `json:"message"`
		ContextSize int    `json:"context_size"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	k := req.ContextSize
	if k <= 0 {
		k = s.engine.DefaultK()
	}
	results, err := s.engine.Query(r.Context(), chi.URLParam(r, "name"), req.Message,
		retrieval.Options{UseVector: true, UseBM25: true, K: k})
	if err != nil {
		writeError(w, err)
		return
	}

	contextTexts := make([]string, len(results))
	sources := make([]string, 0, len(results))
	seen := make(map[string]bool)
	for i, res := range results {
		contextTexts[i] = res.Chunk.Text
		if !seen[res.Document] {
			seen[res.Document] = true
			sources = append(sources, res.Document)
		}
	}
	// Answer generation is delegated to the caller; this returns the
	// retrieved context only.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"context": contextTexts,
		"sources": sources,
	})
}

// ===== PROJECTS & HOOKS =====

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Path        string `json:"path"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	project, err := s.store.CreateProject(req.Name, req.Path, req.Description, s.cfg.Embedding.Dimensions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleEnableHook(w http.ResponseWriter, r *http.Request) {
	projectID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, types.E(types.KindValidation, "project id must be numeric"))
		return
	}
	role := types.KBRole(chi.URLParam(r, "role"))
	project, err := s.store.GetProject(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, ok := project.KBs[role]; !ok {
		writeError(w, types.E(types.KindValidation, "unknown role %q", role))
		return
	}

	var req struct {
		FolderPath string   `json:"folder_path"`
		Patterns   []string `json:"patterns"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !filepath.IsAbs(req.FolderPath) {
		writeError(w, types.E(types.KindValidation, "folder_path must be absolute"))
		return
	}
	if len(req.Patterns) == 0 {
		req.Patterns = []string{"*.md", "*.txt", "*.rst"}
	}

	hook := types.Hook{
		ProjectID:   projectID,
		Role:        role,
		Enabled:     true,
		FolderPath:  req.FolderPath,
		Patterns:    req.Patterns,
		SyncedFiles: map[string]string{},
	}
	if existing, err := s.store.GetHook(projectID, role); err == nil {
		hook.SyncedFiles = existing.SyncedFiles
	}
	if err := s.store.UpsertHook(hook); err != nil {
		writeError(w, err)
		return
	}
	if s.watcher != nil {
		if err := s.watcher.AddHook(hook); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, hook)
}

// ===== JOBS =====

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := types.JobState(r.URL.Query().Get("state"))
	writeJSON(w, http.StatusOK, s.queue.List(state))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.queue.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ===== HEALTH =====

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	detail := map[string]interface{}{
		"queue_depth": s.queue.Depth(),
		"store":       "ok",
		"embedder":    "ok",
	}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			status = "degraded"
			detail["embedder"] = err.Error()
		}
	}
	if s.store.ReadOnly() {
		status = "critical"
		detail["store"] = "read-only"
	}
	detail["status"] = status

	code := http.StatusOK
	if status == "critical" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, detail)
}
