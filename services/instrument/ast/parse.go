// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast parses server-side JavaScript and TypeScript modules with
// tree-sitter and answers shape questions about their module-scope functions.
package ast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrFileTooLarge is returned when content exceeds the parser size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidContent is returned when content is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrSyntax is returned when the module does not parse cleanly.
	ErrSyntax = errors.New("syntax error")
)

const (
	// DefaultMaxFileSize is the default parse limit (10MB).
	DefaultMaxFileSize int64 = 10 * 1024 * 1024

	// WarnFileSize is the size above which a warning is logged.
	WarnFileSize = 1024 * 1024
)

// =============================================================================
// Language
// =============================================================================

// Language identifies the tree-sitter grammar used for a file.
type Language string

const (
	LanguageTSX        Language = "tsx"
	LanguageTypeScript Language = "typescript"
	LanguageJavaScript Language = "javascript"
)

// LanguageFor picks the grammar for filePath by extension.
//
// Unknown extensions use the TSX grammar, which accepts both JSX and type
// annotations.
func LanguageFor(filePath string) Language {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".ts", ".mts", ".cts":
		return LanguageTypeScript
	case ".js", ".jsx", ".mjs", ".cjs":
		return LanguageJavaScript
	default:
		return LanguageTSX
	}
}

func (l Language) grammar() *sitter.Language {
	switch l {
	case LanguageTypeScript:
		return typescript.GetLanguage()
	case LanguageJavaScript:
		return javascript.GetLanguage()
	default:
		return tsx.GetLanguage()
	}
}

// =============================================================================
// Parser
// =============================================================================

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithMaxFileSize sets the maximum accepted content size. Non-positive values
// are ignored.
func WithMaxFileSize(bytes int64) ParserOption {
	return func(p *Parser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// WithLogger sets the logger used for parse warnings.
func WithLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Parser turns module source into a Source.
//
// Description:
//
//	Each Parse call creates its own tree-sitter parser, so a single Parser
//	can be shared by any number of goroutines transforming different files.
//
// Thread Safety:
//
//	Parser instances are safe for concurrent use.
type Parser struct {
	maxFileSize int64
	logger      *slog.Logger
}

// NewParser creates a Parser with the given options.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = NewParser()

// Parse parses content with the default parser.
func Parse(ctx context.Context, content []byte, filePath string) (*Source, error) {
	return defaultParser.Parse(ctx, content, filePath)
}

// Parse parses one module.
//
// Description:
//
//	Unlike an indexing parser, Parse is not error-tolerant: a module whose
//	tree contains ERROR or MISSING nodes is rejected with ErrSyntax, because
//	rewriting a partially understood file could silently drop coverage.
//
// Inputs:
//
//	ctx - Checked before and after parsing. Tree-sitter itself cannot be
//	      interrupted mid-parse.
//	content - Module text. Must be valid UTF-8.
//	filePath - Used for grammar selection and error messages.
//
// Outputs:
//
//	*Source - The parsed module. Caller must call Close when done.
//	error - ErrFileTooLarge, ErrInvalidContent, ErrSyntax, or a context error.
//
// Thread Safety: Safe for concurrent use.
func (p *Parser) Parse(ctx context.Context, content []byte, filePath string) (*Source, error) {
	lang := LanguageFor(filePath)

	ctx, span := tracer.Start(ctx, "ast.Parse")
	span.SetAttributes(
		attribute.String("file.path", filePath),
		attribute.String("file.language", string(lang)),
		attribute.Int("file.size", len(content)),
	)
	defer span.End()

	start := time.Now()
	fail := func(err error) (*Source, error) {
		recordParse(lang, time.Since(start), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("parse canceled before start: %w", err))
	}
	if int64(len(content)) > p.maxFileSize {
		return fail(fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), p.maxFileSize))
	}
	if !utf8.Valid(content) {
		return fail(fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidContent, filePath))
	}
	if len(content) > WarnFileSize {
		p.logger.Warn("parsing large file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(content)))
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang.grammar())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return fail(fmt.Errorf("tree-sitter parse %s: %w", filePath, err))
	}
	if err := ctx.Err(); err != nil {
		tree.Close()
		return fail(fmt.Errorf("parse canceled: %w", err))
	}

	root := tree.RootNode()
	if root.HasError() {
		msg := describeSyntaxError(root, filePath)
		tree.Close()
		return fail(fmt.Errorf("%w: %s", ErrSyntax, msg))
	}

	src := &Source{
		Path:     filePath,
		Language: lang,
		content:  content,
		tree:     tree,
		root:     root,
	}
	src.exports = buildExportIndex(src)

	recordParse(lang, time.Since(start), true)
	return src, nil
}

// describeSyntaxError locates the first ERROR or MISSING node.
func describeSyntaxError(root *sitter.Node, filePath string) string {
	bad := firstErrorNode(root)
	if bad == nil {
		return filePath
	}
	pt := bad.StartPoint()
	if bad.IsMissing() {
		return fmt.Sprintf("%s:%d:%d: missing %s", filePath, pt.Row+1, pt.Column+1, bad.Type())
	}
	return fmt.Sprintf("%s:%d:%d: unexpected input", filePath, pt.Row+1, pt.Column+1)
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n == nil {
		return nil
	}
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if bad := firstErrorNode(n.Child(i)); bad != nil {
			return bad
		}
	}
	return nil
}

// =============================================================================
// Source
// =============================================================================

// Source is one parsed module.
//
// Thread Safety:
//
//	A Source is read-only after Parse and may be inspected from several
//	goroutines. Close must only be called once, after all readers are done.
type Source struct {
	// Path is the file path the module was parsed from.
	Path string

	// Language is the grammar used.
	Language Language

	content []byte
	tree    *sitter.Tree
	root    *sitter.Node
	exports *exportIndex
}

// Root returns the program node.
func (s *Source) Root() *sitter.Node { return s.root }

// Content returns the original module bytes. The slice must not be modified.
func (s *Source) Content() []byte { return s.content }

// Text returns the source text spanned by n.
func (s *Source) Text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(s.content)
}

// Close releases the tree-sitter tree.
func (s *Source) Close() {
	if s.tree != nil {
		s.tree.Close()
		s.tree = nil
	}
}

// Directives returns the end offset of the directive prologue: the leading
// run of string expression statements such as "use server", plus a leading
// hashbang line. Zero when the module has neither.
func (s *Source) Directives() uint32 {
	var end uint32
	for i := 0; i < int(s.root.NamedChildCount()); i++ {
		child := s.root.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		if child.Type() == "hash_bang_line" {
			end = child.EndByte()
			continue
		}
		if child.Type() != "expression_statement" {
			break
		}
		expr := child.NamedChild(0)
		if expr == nil || expr.Type() != "string" {
			break
		}
		end = child.EndByte()
	}
	return end
}

// ImportsIdentifier reports whether the module already imports name from
// module, in any import form (named, aliased, default or namespace).
func (s *Source) ImportsIdentifier(module, name string) bool {
	for i := 0; i < int(s.root.NamedChildCount()); i++ {
		stmt := s.root.NamedChild(i)
		if stmt.Type() != "import_statement" {
			continue
		}
		from := stmt.ChildByFieldName("source")
		if from == nil || unquote(s.Text(from)) != module {
			continue
		}
		if importBinds(s, stmt, name) {
			return true
		}
	}
	return false
}

// importBinds reports whether name appears as an imported binding or an
// imported export name inside stmt.
func importBinds(s *Source, stmt *sitter.Node, name string) bool {
	found := false
	walk(stmt, func(n *sitter.Node) bool {
		if found {
			return false
		}
		if n.Type() == "import_specifier" {
			if id := n.ChildByFieldName("name"); id != nil && s.Text(id) == name {
				found = true
			}
			if alias := n.ChildByFieldName("alias"); alias != nil && s.Text(alias) == name {
				found = true
			}
			return false
		}
		if n.Type() == "identifier" && s.Text(n) == name {
			found = true
		}
		return true
	})
	return found
}

// walk visits n and its descendants depth-first. fn returns false to skip
// a node's children.
func walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), fn)
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'' || first == '`') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}
