// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"sort"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/bugpilot/services/datatypes"
)

// =============================================================================
// Candidate
// =============================================================================

// Shape is the syntactic form of a wrappable node.
type Shape int

const (
	// ShapeFunctionDeclaration is `function name(...) {...}`.
	ShapeFunctionDeclaration Shape = iota + 1

	// ShapeFunctionExpression is an arrow function or function expression,
	// either bound to a variable or used as an `export default` value.
	ShapeFunctionExpression

	// ShapeIdentifier is the identifier in `export default name;` when name
	// does not refer to a module-scope function of this file.
	ShapeIdentifier
)

// String returns the shape name.
func (s Shape) String() string {
	switch s {
	case ShapeFunctionDeclaration:
		return "function_declaration"
	case ShapeFunctionExpression:
		return "function_expression"
	case ShapeIdentifier:
		return "identifier"
	default:
		return "unknown"
	}
}

// Candidate is one module-scope node the rewriter may wrap.
type Candidate struct {
	// Node is the function node, or the identifier for ShapeIdentifier.
	Node *sitter.Node

	// Shape is the syntactic form of Node.
	Shape Shape

	// Name is the resolved local name, or datatypes.UnknownFunctionName.
	Name string

	// Statement is the top-level statement holding Node.
	Statement *sitter.Node

	// Declarator is the variable_declarator binding Node, if any.
	Declarator *sitter.Node

	// ExportNames lists the public names Node is exported under. The default
	// export appears as "default".
	ExportNames []string
}

// IsExportedDefault reports whether the candidate is the module's default
// export.
func (c *Candidate) IsExportedDefault() bool {
	for _, n := range c.ExportNames {
		if n == "default" {
			return true
		}
	}
	return false
}

// IsExportedNamed reports whether the candidate is exported under at least
// one non-default name.
func (c *Candidate) IsExportedNamed() bool {
	for _, n := range c.ExportNames {
		if n != "default" {
			return true
		}
	}
	return false
}

// IsFunctionLike reports whether the candidate is a function rather than a
// re-exported identifier.
func (c *Candidate) IsFunctionLike() bool {
	return c.Shape == ShapeFunctionDeclaration || c.Shape == ShapeFunctionExpression
}

// IsAsync reports whether the candidate function is declared async.
func (c *Candidate) IsAsync() bool {
	return IsAsync(c.Node)
}

// =============================================================================
// Export index
// =============================================================================

// exportIndex maps local binding names to their public export names.
//
// It covers direct exports (`export function f`), export clauses
// (`export { a, b as c }`, `export { x as default }`) and
// `export default name;`. Re-exports with a `from` clause bind nothing
// locally and are ignored.
type exportIndex struct {
	names map[string][]string
}

func (e *exportIndex) add(local, exported string) {
	for _, existing := range e.names[local] {
		if existing == exported {
			return
		}
	}
	e.names[local] = append(e.names[local], exported)
}

func (e *exportIndex) lookup(local string) []string {
	if local == "" || local == datatypes.UnknownFunctionName {
		return nil
	}
	return e.names[local]
}

func buildExportIndex(s *Source) *exportIndex {
	idx := &exportIndex{names: make(map[string][]string)}

	for i := 0; i < int(s.root.NamedChildCount()); i++ {
		stmt := s.root.NamedChild(i)
		if stmt.Type() != "export_statement" {
			continue
		}
		isDefault := hasChildOfType(stmt, "default")

		if decl := stmt.ChildByFieldName("declaration"); decl != nil {
			for _, name := range declaredNames(s, decl) {
				if isDefault {
					idx.add(name, "default")
				} else {
					idx.add(name, name)
				}
			}
			continue
		}

		if value := stmt.ChildByFieldName("value"); value != nil {
			if value.Type() == "identifier" {
				idx.add(s.Text(value), "default")
			}
			continue
		}

		if stmt.ChildByFieldName("source") != nil {
			continue
		}
		for j := 0; j < int(stmt.NamedChildCount()); j++ {
			clause := stmt.NamedChild(j)
			if clause.Type() != "export_clause" {
				continue
			}
			for k := 0; k < int(clause.NamedChildCount()); k++ {
				spec := clause.NamedChild(k)
				if spec.Type() != "export_specifier" {
					continue
				}
				local := spec.ChildByFieldName("name")
				if local == nil {
					continue
				}
				exported := s.Text(local)
				if alias := spec.ChildByFieldName("alias"); alias != nil {
					exported = unquote(s.Text(alias))
				}
				idx.add(s.Text(local), exported)
			}
		}
	}
	return idx
}

// declaredNames returns the identifiers bound by a declaration node.
func declaredNames(s *Source, decl *sitter.Node) []string {
	switch decl.Type() {
	case "function_declaration", "generator_function_declaration", "class_declaration":
		if name := decl.ChildByFieldName("name"); name != nil {
			return []string{s.Text(name)}
		}
	case "lexical_declaration", "variable_declaration":
		var names []string
		for i := 0; i < int(decl.NamedChildCount()); i++ {
			d := decl.NamedChild(i)
			if d.Type() != "variable_declarator" {
				continue
			}
			if name := d.ChildByFieldName("name"); name != nil && name.Type() == "identifier" {
				names = append(names, s.Text(name))
			}
		}
		return names
	}
	return nil
}

// =============================================================================
// Candidates
// =============================================================================

// Candidates returns every module-scope wrappable node, in source order.
//
// Description:
//
//	Only top-level statements are inspected:
//
//	  function f() {}                 declaration
//	  export function f() {}          declaration
//	  export default function f() {}  declaration
//	  const f = () => {}              expression (also `function` values)
//	  export const f = async () => {} expression
//	  export default () => {}         expression
//	  export default name;            identifier, unless name is one of the
//	                                  functions above
//
//	Generator functions, class members and nested functions are never
//	candidates. A default-exported identifier that names a local candidate
//	is folded into that candidate's ExportNames instead of being returned
//	on its own, so a function is never wrapped twice.
//
// Outputs:
//
//	[]*Candidate - Candidates in source order. Empty when there are none.
func (s *Source) Candidates() []*Candidate {
	var (
		out    []*Candidate
		locals = make(map[string]bool)
		refs   []*Candidate
	)

	for i := 0; i < int(s.root.NamedChildCount()); i++ {
		stmt := s.root.NamedChild(i)

		switch stmt.Type() {
		case "function_declaration", "lexical_declaration", "variable_declaration":
			out = append(out, s.declarationCandidates(stmt, stmt)...)

		case "export_statement":
			if decl := stmt.ChildByFieldName("declaration"); decl != nil {
				out = append(out, s.declarationCandidates(stmt, decl)...)
				continue
			}
			value := stmt.ChildByFieldName("value")
			if value == nil {
				continue
			}
			value = unwrapParens(value)
			switch {
			case isFunctionExpression(value):
				name := datatypes.UnknownFunctionName
				if id := value.ChildByFieldName("name"); id != nil {
					name = s.Text(id)
				}
				out = append(out, &Candidate{
					Node:        value,
					Shape:       ShapeFunctionExpression,
					Name:        name,
					Statement:   stmt,
					ExportNames: []string{"default"},
				})
			case value.Type() == "identifier":
				refs = append(refs, &Candidate{
					Node:        value,
					Shape:       ShapeIdentifier,
					Name:        s.Text(value),
					Statement:   stmt,
					ExportNames: []string{"default"},
				})
			}
		}
	}

	for _, c := range out {
		if c.Name != datatypes.UnknownFunctionName {
			locals[c.Name] = true
		}
		c.ExportNames = mergeNames(c.ExportNames, s.exports.lookup(c.Name))
	}
	for _, ref := range refs {
		if !locals[ref.Name] {
			out = append(out, ref)
		}
	}
	sortBySource(out)
	return out
}

func (s *Source) declarationCandidates(stmt, decl *sitter.Node) []*Candidate {
	var direct []string
	if stmt.Type() == "export_statement" {
		if hasChildOfType(stmt, "default") {
			direct = []string{"default"}
		}
	}

	switch decl.Type() {
	case "function_declaration":
		name := decl.ChildByFieldName("name")
		if name == nil {
			return nil
		}
		names := direct
		if stmt.Type() == "export_statement" && len(direct) == 0 {
			names = []string{s.Text(name)}
		}
		return []*Candidate{{
			Node:        decl,
			Shape:       ShapeFunctionDeclaration,
			Name:        s.Text(name),
			Statement:   stmt,
			ExportNames: names,
		}}

	case "lexical_declaration", "variable_declaration":
		var out []*Candidate
		for i := 0; i < int(decl.NamedChildCount()); i++ {
			d := decl.NamedChild(i)
			if d.Type() != "variable_declarator" {
				continue
			}
			value := d.ChildByFieldName("value")
			if value == nil || !isFunctionExpression(value) {
				continue
			}
			name := s.ResolvedFunctionName(value)
			var names []string
			if stmt.Type() == "export_statement" && name != datatypes.UnknownFunctionName {
				names = []string{name}
			}
			out = append(out, &Candidate{
				Node:        value,
				Shape:       ShapeFunctionExpression,
				Name:        name,
				Statement:   stmt,
				Declarator:  d,
				ExportNames: names,
			})
		}
		return out
	}
	return nil
}

func mergeNames(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, n := range b {
		dup := false
		for _, existing := range out {
			if existing == n {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, n)
		}
	}
	return out
}

func sortBySource(cs []*Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].Node.StartByte() < cs[j].Node.StartByte()
	})
}

func hasChildOfType(n *sitter.Node, typ string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		if c := n.Child(i); c != nil && c.Type() == typ {
			return true
		}
	}
	return false
}

func unwrapParens(n *sitter.Node) *sitter.Node {
	for n != nil && n.Type() == "parenthesized_expression" && n.NamedChildCount() == 1 {
		n = n.NamedChild(0)
	}
	return n
}
