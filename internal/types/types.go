// Package types holds the domain entities shared across corpusd: knowledge
// bases, documents, chunks, symbols, jobs, hooks, and the error taxonomy.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// KBType tags a knowledge base with the shape of its contents.
type KBType string

const (
	KBGeneric       KBType = "generic"
	KBCode          KBType = "code"
	KBDocumentation KBType = "documentation"
	KBAgentOS       KBType = "agent-os"
	KBStructure     KBType = "structure"
)

// KBRole is the role a knowledge base plays inside a project.
type KBRole string

const (
	RoleMemories  KBRole = "memories"
	RoleIndex     KBRole = "index"
	RoleProfile   KBRole = "profile"
	RoleDocs      KBRole = "docs"
	RoleStructure KBRole = "structure"
)

// ProjectRoles lists the five roles auto-created with a project, in creation order.
var ProjectRoles = []KBRole{RoleMemories, RoleIndex, RoleProfile, RoleDocs, RoleStructure}

// KnowledgeBase is a named container of documents and derived artifacts.
// The slug is derived from the name once and never changes afterwards.
type KnowledgeBase struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Type        KBType    `json:"kb_type"`
	Description string    `json:"description,omitempty"`
	Dimensions  int       `json:"dimensions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Project references up to five role KBs rooted at an absolute path.
type Project struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Path        string           `json:"path"`
	Description string           `json:"description,omitempty"`
	KBs         map[KBRole]int64 `json:"kbs"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Document is one ingested file inside a KB. (kb_id, filename) is unique.
type Document struct {
	ID          int64             `json:"id"`
	KBID        int64             `json:"kb_id"`
	Filename    string            `json:"filename"`
	SourcePath  string            `json:"source_path,omitempty"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Chunk is a bounded text span of a document; ordinals are contiguous from 0.
type Chunk struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	StartByte  int    `json:"start_byte"`
	EndByte    int    `json:"end_byte"`
	Tokens     int    `json:"tokens"`
}

// TagKind classifies a syntactic symbol.
type TagKind string

const (
	KindClass    TagKind = "class"
	KindFunction TagKind = "function"
	KindMethod   TagKind = "method"
	KindVariable TagKind = "variable"
	KindModule   TagKind = "module"
	KindOther    TagKind = "other"
	// KindRef marks an occurrence of a known definer name rather than a
	// definition. Reference tags never reach the symbols table; they only
	// feed graph edges.
	KindRef TagKind = "ref"
)

// IsDefiner reports whether the kind contributes a graph definer node.
func (k TagKind) IsDefiner() bool {
	switch k {
	case KindClass, KindFunction, KindMethod, KindModule:
		return true
	}
	return false
}

// Tag is a symbol extracted from one source file.
type Tag struct {
	File       string  `json:"file"`
	Name       string  `json:"name"`
	Kind       TagKind `json:"kind"`
	Line       int     `json:"line"` // 1-based
	Signature  string  `json:"signature,omitempty"`
	Language   string  `json:"language,omitempty"`
	Importance float64 `json:"importance,omitempty"`
}

// Ident returns the normalized identifier used as a graph key.
func (t Tag) Ident() string { return strings.TrimSpace(t.Name) }

// EdgeKind classifies a dependency edge.
type EdgeKind string

const (
	EdgeDefines    EdgeKind = "defines"
	EdgeReferences EdgeKind = "references"
	EdgeImports    EdgeKind = "imports"
	EdgeExtends    EdgeKind = "extends"
)

// DependencyEdge is a directed weighted edge between two files of one KB.
type DependencyEdge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Ident  string   `json:"ident,omitempty"`
	Kind   EdgeKind `json:"kind"`
	Weight float64  `json:"weight"`
}

// RepoMap is the rendered, token-budgeted artifact of a structural KB.
// It is regenerated on each index pass, never mutated in place.
type RepoMap struct {
	KBID        int64     `json:"kb_id"`
	Text        string    `json:"text"`
	TokenCount  int       `json:"token_count"`
	TokenBudget int       `json:"token_budget"`
	Overflow    bool      `json:"overflow"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Hook binds a project role to a watched folder.
type Hook struct {
	ProjectID   int64             `json:"project_id"`
	Role        KBRole            `json:"role"`
	Enabled     bool              `json:"enabled"`
	FolderPath  string            `json:"folder_path"`
	Patterns    []string          `json:"patterns"`
	LastSyncAt  time.Time         `json:"last_sync_at"`
	SyncedFiles map[string]string `json:"synced_files"` // filename -> content hash
	// PausedAt is set while the watcher has suspended event accrual under
	// backpressure; a selective rescan clears it.
	PausedAt *time.Time `json:"paused_at,omitempty"`
}

// SessionState is the small per-project cursor written atomically to disk.
type SessionState struct {
	ProjectID      int64     `json:"project_id"`
	SyncedFiles    []string  `json:"synced_files"`
	LastStructural time.Time `json:"last_structural"`
}

// ScoredChunk is one retrieval result.
type ScoredChunk struct {
	Chunk    Chunk   `json:"chunk"`
	Document string  `json:"document"`
	Score    float64 `json:"score"`
	VecScore float64 `json:"vec_score,omitempty"`
	BM25     float64 `json:"bm25_score,omitempty"`
}

// KBStats summarizes a knowledge base.
type KBStats struct {
	Documents   int       `json:"documents"`
	Chunks      int       `json:"chunks"`
	Embeddings  int       `json:"embeddings"`
	Symbols     int       `json:"symbols"`
	Edges       int       `json:"edges"`
	LastUpdated time.Time `json:"last_updated"`
}

var slugCollapse = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives the stable lower-kebab-case slug for a KB name.
// The derivation is deterministic: the same name always yields the same slug.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugCollapse.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// HashBytes is the canonical content hash: hex sha-256 of the raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
