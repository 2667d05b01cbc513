// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rewrite wraps module-scope functions in calls to the runtime
// wrapper by splicing text into the original module.
//
// The parsed tree is never mutated. Each Rewriter records byte-range edits
// against one immutable ast.Source and produces new output bytes; the
// output is re-parsed before it is returned.
package rewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/instrument/ast"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnsupportedNode is returned when a candidate's node does not match
	// its declared shape. It indicates a bug in candidate collection.
	ErrUnsupportedNode = errors.New("unsupported node shape")

	// ErrMissingIdentifier is returned when a function declaration has no
	// name to bind the wrapped function to.
	ErrMissingIdentifier = errors.New("function declaration has no identifier")

	// ErrInvalidOutput is returned when the rewritten module no longer parses.
	ErrInvalidOutput = errors.New("rewritten module does not parse")
)

const (
	// DefaultWrapperName is the runtime wrapper identifier.
	DefaultWrapperName = "wrapServerFunction"

	// DefaultWrapperModule is the module the wrapper is imported from.
	DefaultWrapperModule = "@bugpilot/plugin-nextjs"
)

// =============================================================================
// Options
// =============================================================================

// Options configures a Rewriter.
type Options struct {
	// WrapperName is the identifier of the runtime wrapper.
	WrapperName string

	// WrapperModule is the module WrapperName is imported from.
	WrapperModule string
}

// Option is a functional option for a Rewriter.
type Option func(*Options)

// WithWrapper overrides the wrapper identifier and its module. Empty values
// keep the defaults.
func WithWrapper(name, module string) Option {
	return func(o *Options) {
		if name != "" {
			o.WrapperName = name
		}
		if module != "" {
			o.WrapperModule = module
		}
	}
}

// =============================================================================
// Rewriter
// =============================================================================

type edit struct {
	start, end uint32
	text       string
}

// Rewriter accumulates edits for one module.
//
// Thread Safety:
//
//	Not safe for concurrent use. A Rewriter is owned by one transform pass.
type Rewriter struct {
	src     *ast.Source
	opts    Options
	edits   []edit
	wrapped map[uint32]bool
	skip    bool
}

// New creates a Rewriter over src.
//
// When src already imports the wrapper identifier from the wrapper module,
// the module is treated as already instrumented and every Wrap call is a
// no-op.
func New(src *ast.Source, opts ...Option) *Rewriter {
	o := Options{
		WrapperName:   DefaultWrapperName,
		WrapperModule: DefaultWrapperModule,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Rewriter{
		src:     src,
		opts:    o,
		wrapped: make(map[uint32]bool),
		skip:    src.ImportsIdentifier(o.WrapperModule, o.WrapperName),
	}
}

// AlreadyInstrumented reports whether the module imported the wrapper
// before this pass.
func (r *Rewriter) AlreadyInstrumented() bool {
	return r.skip
}

// Changed reports whether any edit has been recorded.
func (r *Rewriter) Changed() bool {
	return len(r.edits) > 0
}

// Wrap wraps one candidate.
//
// Description:
//
//	Function declarations become a variable bound to a wrapper call around
//	the same function as an anonymous expression:
//
//	  export async function save(d) {...}
//	  export var save = wrapServerFunction(async function (d) {...}, {...});
//
//	A default-exported declaration keeps its default export:
//
//	  var Page = wrapServerFunction(function () {...}, {...});
//	  export default Page;
//
//	Function expressions and default-exported identifiers are replaced in
//	place with wrapServerFunction(<original>, {...}).
//
//	The candidate is skipped when the module already imports the wrapper,
//	when it sits inside a wrapper call, or when it was already wrapped by
//	this Rewriter.
//
// Outputs:
//
//	bool - True when an edit was recorded.
//	error - ErrUnsupportedNode or ErrMissingIdentifier. Both indicate a
//	        candidate that violates its shape.
func (r *Rewriter) Wrap(c *ast.Candidate, bc datatypes.BuildContext) (bool, error) {
	if c == nil || c.Node == nil {
		return false, fmt.Errorf("%w: nil candidate", ErrUnsupportedNode)
	}
	if r.skip || r.wrapped[c.Node.StartByte()] {
		return false, nil
	}
	if r.src.HasWrapperAncestor(c.Node, r.opts.WrapperName) {
		return false, nil
	}

	literal := EncodeContext(bc)

	var e edit
	switch c.Shape {
	case ast.ShapeFunctionDeclaration:
		var err error
		e, err = r.wrapDeclaration(c, literal)
		if err != nil {
			return false, err
		}

	case ast.ShapeFunctionExpression:
		if !ast.IsFunctionLike(c.Node) || c.Node.Type() == "function_declaration" {
			return false, fmt.Errorf("%w: %s as function expression", ErrUnsupportedNode, c.Node.Type())
		}
		e = r.wrapInPlace(c.Node, literal)

	case ast.ShapeIdentifier:
		if c.Node.Type() != "identifier" {
			return false, fmt.Errorf("%w: %s as identifier", ErrUnsupportedNode, c.Node.Type())
		}
		e = r.wrapInPlace(c.Node, literal)

	default:
		return false, fmt.Errorf("%w: shape %s", ErrUnsupportedNode, c.Shape)
	}

	if err := r.add(e); err != nil {
		return false, err
	}
	r.wrapped[c.Node.StartByte()] = true
	return true, nil
}

func (r *Rewriter) wrapInPlace(n *sitter.Node, literal string) edit {
	return edit{
		start: n.StartByte(),
		end:   n.EndByte(),
		text:  fmt.Sprintf("%s(%s, %s)", r.opts.WrapperName, r.src.Text(n), literal),
	}
}

func (r *Rewriter) wrapDeclaration(c *ast.Candidate, literal string) (edit, error) {
	decl := c.Node
	if decl.Type() != "function_declaration" {
		return edit{}, fmt.Errorf("%w: %s as function declaration", ErrUnsupportedNode, decl.Type())
	}
	name := decl.ChildByFieldName("name")
	if name == nil {
		return edit{}, fmt.Errorf("%w at byte %d", ErrMissingIdentifier, decl.StartByte())
	}

	content := r.src.Content()
	ident := r.src.Text(name)
	anonymous := string(content[decl.StartByte():name.StartByte()]) + string(content[name.EndByte():decl.EndByte()])
	binding := fmt.Sprintf("var %s = %s(%s, %s);", ident, r.opts.WrapperName, anonymous, literal)

	stmt := c.Statement
	if stmt != nil && stmt.Type() == "export_statement" && isDefaultExport(stmt) && sameRange(stmt.ChildByFieldName("declaration"), decl) {
		return edit{
			start: stmt.StartByte(),
			end:   stmt.EndByte(),
			text:  binding + "\nexport default " + ident + ";",
		}, nil
	}
	return edit{start: decl.StartByte(), end: decl.EndByte(), text: binding}, nil
}

func sameRange(a, b *sitter.Node) bool {
	return a != nil && b != nil && a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte()
}

func isDefaultExport(stmt *sitter.Node) bool {
	for i := 0; i < int(stmt.ChildCount()); i++ {
		if c := stmt.Child(i); c != nil && c.Type() == "default" {
			return true
		}
	}
	return false
}

// EnsureImport records the wrapper import unless the module already has
// it or nothing was wrapped. The import is placed after the directive
// prologue so "use server" stays the first statement.
func (r *Rewriter) EnsureImport() error {
	if r.skip || len(r.wrapped) == 0 {
		return nil
	}
	line := fmt.Sprintf("import { %s } from %q;", r.opts.WrapperName, r.opts.WrapperModule)
	return r.insertImport(line)
}

func (r *Rewriter) insertImport(line string) error {
	at := r.src.Directives()
	text := line + "\n"
	if at > 0 {
		text = "\n" + line
	}
	return r.add(edit{start: at, end: at, text: text})
}

func (r *Rewriter) add(e edit) error {
	for _, existing := range r.edits {
		if e.start < existing.end && existing.start < e.end {
			return fmt.Errorf("%w: overlapping edit at byte %d", ErrUnsupportedNode, e.start)
		}
	}
	r.edits = append(r.edits, e)
	return nil
}

// Bytes applies the recorded edits and returns the new module text. The
// source is returned unchanged when there are no edits.
func (r *Rewriter) Bytes() []byte {
	content := r.src.Content()
	if len(r.edits) == 0 {
		return content
	}

	edits := append([]edit(nil), r.edits...)
	// Zero-width inserts sort before a replacement starting at the same byte.
	sort.SliceStable(edits, func(i, j int) bool {
		a, b := edits[i], edits[j]
		if a.start != b.start {
			return a.start < b.start
		}
		return a.end-a.start < b.end-b.start
	})

	var buf bytes.Buffer
	buf.Grow(len(content) + 256*len(edits))
	var pos uint32
	for _, e := range edits {
		buf.Write(content[pos:e.start])
		buf.WriteString(e.text)
		pos = e.end
	}
	buf.Write(content[pos:])
	return buf.Bytes()
}

// Emit applies the edits and verifies that the output still parses.
//
// Outputs:
//
//	[]byte - The rewritten module, or the original bytes when nothing changed.
//	error - ErrInvalidOutput wrapping the parse failure.
func (r *Rewriter) Emit(ctx context.Context) ([]byte, error) {
	out := r.Bytes()
	if !r.Changed() {
		return out, nil
	}
	check, err := ast.Parse(ctx, out, r.src.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOutput, r.src.Path, err)
	}
	check.Close()
	return out, nil
}
