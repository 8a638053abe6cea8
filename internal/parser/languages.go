package parser

import (
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"corpusd/internal/types"
)

// languageSpec binds a tree-sitter grammar to the node types that define
// symbols and the node types that reference them.
type languageSpec struct {
	name     string
	language *sitter.Language
	// defs maps a definition node type to the symbol kind it produces. The
	// symbol name comes from the node's "name" field.
	defs map[string]types.TagKind
	// refs lists call-site node types. The callee name becomes a reference
	// tag feeding the dependency graph.
	refs map[string]bool
}

var languageSpecs = []*languageSpec{
	{
		name:     "go",
		language: golang.GetLanguage(),
		defs: map[string]types.TagKind{
			"function_declaration": types.KindFunction,
			"method_declaration":   types.KindMethod,
			"type_spec":            types.KindClass,
		},
		refs: map[string]bool{"call_expression": true},
	},
	{
		name:     "python",
		language: python.GetLanguage(),
		defs: map[string]types.TagKind{
			"function_definition": types.KindFunction,
			"class_definition":    types.KindClass,
		},
		refs: map[string]bool{"call": true},
	},
	{
		name:     "ruby",
		language: ruby.GetLanguage(),
		defs: map[string]types.TagKind{
			"method":           types.KindMethod,
			"singleton_method": types.KindMethod,
			"class":            types.KindClass,
			"module":           types.KindModule,
		},
		refs: map[string]bool{"call": true},
	},
	{
		name:     "javascript",
		language: javascript.GetLanguage(),
		defs: map[string]types.TagKind{
			"function_declaration": types.KindFunction,
			"class_declaration":    types.KindClass,
			"method_definition":    types.KindMethod,
		},
		refs: map[string]bool{"call_expression": true, "new_expression": true},
	},
	{
		name:     "typescript",
		language: typescript.GetLanguage(),
		defs: map[string]types.TagKind{
			"function_declaration":  types.KindFunction,
			"class_declaration":     types.KindClass,
			"method_definition":     types.KindMethod,
			"interface_declaration": types.KindClass,
			"enum_declaration":      types.KindClass,
		},
		refs: map[string]bool{"call_expression": true, "new_expression": true},
	},
	{
		name:     "rust",
		language: rust.GetLanguage(),
		defs: map[string]types.TagKind{
			"function_item": types.KindFunction,
			"struct_item":   types.KindClass,
			"enum_item":     types.KindClass,
			"trait_item":    types.KindClass,
			"mod_item":      types.KindModule,
		},
		refs: map[string]bool{"call_expression": true},
	},
}

// specByExtension maps file extensions to language specs.
var specByExtension = map[string]*languageSpec{}

func init() {
	byName := map[string]*languageSpec{}
	for _, s := range languageSpecs {
		byName[s.name] = s
	}
	for ext, name := range map[string]string{
		".go":  "go",
		".py":  "python",
		".rb":  "ruby",
		".js":  "javascript",
		".jsx": "javascript",
		".mjs": "javascript",
		".ts":  "typescript",
		".tsx": "typescript",
		".rs":  "rust",
	} {
		specByExtension[ext] = byName[name]
	}
}

// extractTags walks a parsed tree and collects definition and reference tags.
func extractTags(spec *languageSpec, root *sitter.Node, path string, content []byte) []types.Tag {
	var tags []types.Tag

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		nodeType := n.Type()

		if kind, ok := spec.defs[nodeType]; ok {
			if nameNode := n.ChildByFieldName("name"); nameNode != nil {
				name := nameNode.Content(content)
				if name != "" {
					tags = append(tags, types.Tag{
						File:      path,
						Name:      name,
						Kind:      kind,
						Line:      int(n.StartPoint().Row) + 1,
						Signature: signatureOf(n, content),
						Language:  spec.name,
					})
				}
			}
		}

		if spec.refs[nodeType] {
			if name := calleeName(n, content); name != "" {
				tags = append(tags, types.Tag{
					File:     path,
					Name:     name,
					Kind:     types.KindRef,
					Line:     int(n.StartPoint().Row) + 1,
					Language: spec.name,
				})
			}
		}

		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return tags
}

// calleeName resolves the identifier a call site refers to. For qualified
// calls (a.b.c()) the rightmost component is the graph key.
func calleeName(n *sitter.Node, content []byte) string {
	target := n.ChildByFieldName("function")
	if target == nil {
		target = n.ChildByFieldName("method")
	}
	if target == nil {
		target = n.ChildByFieldName("constructor")
	}
	if target == nil {
		return ""
	}
	return rightmostIdent(target, content)
}

func rightmostIdent(n *sitter.Node, content []byte) string {
	switch n.Type() {
	case "identifier", "field_identifier", "property_identifier",
		"type_identifier", "constant", "shorthand_property_identifier":
		return n.Content(content)
	}
	for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
		if name := rightmostIdent(n.NamedChild(i), content); name != "" {
			return name
		}
	}
	return ""
}

// maxSignatureChars caps rendered signatures at 200 characters.
const maxSignatureChars = 200

// signatureOf returns the first line of a definition, capped for rendering.
// Truncation counts runes, never splitting a multi-byte character.
func signatureOf(n *sitter.Node, content []byte) string {
	text := n.Content(content)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > maxSignatureChars {
		runes := []rune(text)
		text = string(runes[:maxSignatureChars])
	}
	return text
}
