package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-chi/chi/v5"

	"corpusd/internal/types"
)

// JSON-RPC 2.0 error codes. Core error kinds map onto the server-defined
// range.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32000
	rpcNotFound       = -32001
	rpcConflict       = -32002
	rpcDependency     = -32003
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// toolFunc executes one tool. boundKB is the slug bound by a scoped
// endpoint, empty on the global one.
type toolFunc func(ctx context.Context, s *Server, boundKB string, params json.RawMessage) (interface{}, error)

// kbParam resolves the kb argument, honoring a path-bound slug.
func kbParam(boundKB, fromParams string) (string, error) {
	if boundKB != "" {
		return boundKB, nil
	}
	if fromParams == "" {
		return "", types.E(types.KindValidation, "missing kb argument")
	}
	return fromParams, nil
}

// globalOnly marks tools excluded from KB-scoped catalogs.
var globalOnly = map[string]bool{
	"list_knowledge_bases":  true,
	"create_knowledge_base": true,
}

// list_tools is registered in init: a closure over toolCatalog inside its own
// composite literal is an initialization cycle.
func init() {
	toolCatalog["list_tools"] = func(ctx context.Context, s *Server, boundKB string, _ json.RawMessage) (interface{}, error) {
		var names []string
		for name := range toolCatalog {
			if boundKB != "" && globalOnly[name] {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
}

var toolCatalog = map[string]toolFunc{
	"list_knowledge_bases": func(ctx context.Context, s *Server, _ string, _ json.RawMessage) (interface{}, error) {
		return s.store.ListKBs()
	},

	"create_knowledge_base": func(ctx context.Context, s *Server, _ string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Name        string `json:"name"`
			KBType      string `json:"kb_type"`
			Description string `json:"description"`
			Dimensions  int    `json:"dimensions"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.KBType == "" {
			p.KBType = string(types.KBGeneric)
		}
		if p.Dimensions <= 0 {
			p.Dimensions = s.cfg.Embedding.Dimensions
		}
		return s.store.CreateKB(p.Name, types.KBType(p.KBType), p.Description, p.Dimensions)
	},

	"delete_knowledge_base": func(ctx context.Context, s *Server, boundKB string, params json.RawMessage) (interface{}, error) {
		var p struct {
			KB string `json:"kb"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		kb, err := kbParam(boundKB, p.KB)
		if err != nil {
			return nil, err
		}
		if err := s.store.DeleteKB(kb); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil
	},

	"search_knowledge_base": func(ctx context.Context, s *Server, boundKB string, params json.RawMessage) (interface{}, error) {
		var p struct {
			KB      string       `json:"kb"`
			Query   string       `json:"query"`
			K       *int         `json:"k"`
			Options queryRequest `json:"options"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		kb, err := kbParam(boundKB, p.KB)
		if err != nil {
			return nil, err
		}
		if p.K != nil {
			p.Options.K = p.K
		}
		return s.engine.Query(ctx, kb, p.Query, s.queryOptions(p.Options))
	},

	"get_kb_stats": func(ctx context.Context, s *Server, boundKB string, params json.RawMessage) (interface{}, error) {
		var p struct {
			KB string `json:"kb"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		kb, err := kbParam(boundKB, p.KB)
		if err != nil {
			return nil, err
		}
		return s.store.Stats(kb)
	},

	"list_documents": func(ctx context.Context, s *Server, boundKB string, params json.RawMessage) (interface{}, error) {
		var p struct {
			KB string `json:"kb"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		name, err := kbParam(boundKB, p.KB)
		if err != nil {
			return nil, err
		}
		kb, err := s.store.GetKB(name)
		if err != nil {
			return nil, err
		}
		return s.store.ListDocuments(kb.ID)
	},

	"ingest_document": func(ctx context.Context, s *Server, boundKB string, params json.RawMessage) (interface{}, error) {
		var p struct {
			KB       string `json:"kb"`
			Filename string `json:"filename"`
			Content  string `json:"content"`
			Path     string `json:"path"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		name, err := kbParam(boundKB, p.KB)
		if err != nil {
			return nil, err
		}
		kb, err := s.store.GetKB(name)
		if err != nil {
			return nil, err
		}

		content := []byte(p.Content)
		filename := p.Filename
		if p.Path != "" {
			if !filepath.IsAbs(p.Path) {
				return nil, types.E(types.KindValidation, "path must be absolute")
			}
			content, err = os.ReadFile(p.Path)
			if err != nil {
				return nil, types.Wrap(types.KindValidation, err, "read %s", p.Path)
			}
			if filename == "" {
				filename = filepath.Base(p.Path)
			}
		}
		if filename == "" {
			return nil, types.E(types.KindValidation, "missing filename")
		}
		docID, err := s.indexer.IngestBytes(ctx, kb.ID, filename, content)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"document_id": docID, "filename": filename}, nil
	},

	"ingest_directory": func(ctx context.Context, s *Server, boundKB string, params json.RawMessage) (interface{}, error) {
		var p struct {
			KB   string `json:"kb"`
			Path string `json:"path"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		name, err := kbParam(boundKB, p.KB)
		if err != nil {
			return nil, err
		}
		kb, err := s.store.GetKB(name)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(p.Path) {
			return nil, types.E(types.KindValidation, "path must be absolute")
		}
		jobID, err := s.queue.Submit(types.JobSemanticIndex, types.JobParams{KBID: kb.ID, Path: p.Path})
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": jobID}, nil
	},

	"get_repo_map": func(ctx context.Context, s *Server, boundKB string, params json.RawMessage) (interface{}, error) {
		var p struct {
			KB          string `json:"kb"`
			TokenBudget int    `json:"token_budget"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		name, err := kbParam(boundKB, p.KB)
		if err != nil {
			return nil, err
		}
		kb, err := s.store.GetKB(name)
		if err != nil {
			return nil, err
		}
		return s.repoMapForKB(kb.ID, p.TokenBudget)
	},
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return types.Wrap(types.KindValidation, err, "invalid params")
	}
	return nil
}

// handleRPC serves the tool catalog. boundKB narrows it to one KB and binds
// the kb argument implicitly.
func (s *Server) handleRPC(boundKB string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
			return
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request envelope"}})
			return
		}
		tool, ok := toolCatalog[req.Method]
		if !ok || (boundKB != "" && globalOnly[req.Method]) {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Error: &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}})
			return
		}

		result, err := tool(r.Context(), s, boundKB, req.Params)
		if err != nil {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErrorFor(err)})
			return
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}
}

func (s *Server) handleRPCScoped(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := s.store.GetKB(slug); err != nil {
		writeError(w, err)
		return
	}
	s.handleRPC(slug)(w, r)
}

func rpcErrorFor(err error) *rpcError {
	code := rpcInternalError
	switch types.KindOf(err) {
	case types.KindValidation:
		code = rpcInvalidParams
	case types.KindNotFound:
		code = rpcNotFound
	case types.KindConflict:
		code = rpcConflict
	case types.KindDependency:
		code = rpcDependency
	}
	return &rpcError{Code: code, Message: err.Error()}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
