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
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/instrument/classify"
)

// DefaultElementFactories are the element construction identifiers emitted
// by the automatic JSX runtime.
var DefaultElementFactories = []string{"_jsx", "_jsxs"}

// HTTPMethods are the export names recognized as route handlers.
var HTTPMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}

// =============================================================================
// Primitives
// =============================================================================

// IsFunctionLike reports whether n is a function declaration, an arrow
// function or a function expression. Generators, methods and classes are
// not function-like.
func IsFunctionLike(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	return n.Type() == "function_declaration" || isFunctionExpression(n)
}

func isFunctionExpression(n *sitter.Node) bool {
	switch n.Type() {
	case "arrow_function", "function", "function_expression":
		return true
	}
	return false
}

// IsAsync reports whether the function node carries the async modifier.
func IsAsync(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	return hasChildOfType(n, "async")
}

// ResolvedFunctionName returns the declared name of a function declaration,
// the identifier a function expression is bound to, or
// datatypes.UnknownFunctionName.
func (s *Source) ResolvedFunctionName(n *sitter.Node) string {
	if n == nil {
		return datatypes.UnknownFunctionName
	}
	if n.Type() == "function_declaration" {
		if name := n.ChildByFieldName("name"); name != nil {
			return s.Text(name)
		}
		return datatypes.UnknownFunctionName
	}
	if parent := n.Parent(); parent != nil && parent.Type() == "variable_declarator" {
		if name := parent.ChildByFieldName("name"); name != nil && name.Type() == "identifier" {
			return s.Text(name)
		}
	}
	return datatypes.UnknownFunctionName
}

// ReturnsUIElement reports whether fn directly returns an element.
//
// Description:
//
//	Scans the function body, without entering nested functions or classes,
//	for a return statement whose value is a call to one of factories or a
//	JSX element. Parentheses and both branches of a conditional are looked
//	through. An expression-bodied arrow function counts as a direct return
//	of its body. The scan stops at the first match.
//
//	The check is syntactic: an element returned through a variable or a
//	helper call is not detected.
//
// Inputs:
//
//	fn - A function-like node.
//	factories - Element construction identifiers. DefaultElementFactories
//	            when empty.
func (s *Source) ReturnsUIElement(fn *sitter.Node, factories []string) bool {
	if !IsFunctionLike(fn) {
		return false
	}
	if len(factories) == 0 {
		factories = DefaultElementFactories
	}
	body := fn.ChildByFieldName("body")
	if body == nil {
		return false
	}
	if body.Type() != "statement_block" {
		return s.isUIExpression(body, factories)
	}

	found := false
	var scan func(n *sitter.Node)
	scan = func(n *sitter.Node) {
		for i := 0; i < int(n.NamedChildCount()) && !found; i++ {
			child := n.NamedChild(i)
			switch child.Type() {
			case "return_statement":
				if child.NamedChildCount() > 0 && s.isUIExpression(child.NamedChild(0), factories) {
					found = true
				}
			case "function_declaration", "function", "function_expression", "arrow_function",
				"generator_function_declaration", "generator_function",
				"class_declaration", "class", "method_definition":
				// nested scope
			default:
				scan(child)
			}
		}
	}
	scan(body)
	return found
}

func (s *Source) isUIExpression(n *sitter.Node, factories []string) bool {
	n = unwrapParens(n)
	if n == nil {
		return false
	}
	switch n.Type() {
	case "jsx_element", "jsx_self_closing_element", "jsx_fragment":
		return true
	case "ternary_expression":
		return s.isUIExpression(n.ChildByFieldName("consequence"), factories) ||
			s.isUIExpression(n.ChildByFieldName("alternative"), factories)
	case "call_expression":
		callee := n.ChildByFieldName("function")
		if callee == nil || callee.Type() != "identifier" {
			return false
		}
		name := s.Text(callee)
		for _, f := range factories {
			if name == f {
				return true
			}
		}
	}
	return false
}

// HasWrapperAncestor reports whether n is nested inside a call to
// wrapperName.
func (s *Source) HasWrapperAncestor(n *sitter.Node, wrapperName string) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() != "call_expression" {
			continue
		}
		if callee := p.ChildByFieldName("function"); callee != nil && s.Text(callee) == wrapperName {
			return true
		}
	}
	return false
}

// =============================================================================
// Combinators
// =============================================================================

// Matcher combines path flags with shape primitives.
//
// All methods are pure: they never mutate the tree or the candidate.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Matcher struct {
	factories []string
}

// NewMatcher creates a Matcher using the given element factories, or
// DefaultElementFactories when none are given.
func NewMatcher(factories ...string) *Matcher {
	if len(factories) == 0 {
		factories = DefaultElementFactories
	}
	return &Matcher{factories: append([]string(nil), factories...)}
}

// IsPageComponent: page path AND default export.
func (m *Matcher) IsPageComponent(flags classify.PathFlags, s *Source, c *Candidate) bool {
	return flags.IsPage && c.IsExportedDefault()
}

// IsServerComponent: server component path AND function-like AND returns an
// element.
func (m *Matcher) IsServerComponent(flags classify.PathFlags, s *Source, c *Candidate) bool {
	return flags.IsServerComponentCandidate && c.IsFunctionLike() && s.ReturnsUIElement(c.Node, m.factories)
}

// IsServerAction: server action path AND async AND exported by name AND
// does not return an element.
func (m *Matcher) IsServerAction(flags classify.PathFlags, s *Source, c *Candidate) bool {
	return flags.IsServerActionCandidate &&
		c.IsFunctionLike() &&
		c.IsAsync() &&
		c.IsExportedNamed() &&
		!s.ReturnsUIElement(c.Node, m.factories)
}

// IsRouteHandler: route handler path AND exported under an HTTP method name.
func (m *Matcher) IsRouteHandler(flags classify.PathFlags, s *Source, c *Candidate) bool {
	if !flags.IsRouteHandler || !c.IsFunctionLike() {
		return false
	}
	for _, name := range c.ExportNames {
		for _, method := range HTTPMethods {
			if name == method {
				return true
			}
		}
	}
	return false
}

// IsMiddlewareFunction: middleware path AND (exported as "middleware" OR
// default export).
func (m *Matcher) IsMiddlewareFunction(flags classify.PathFlags, s *Source, c *Candidate) bool {
	if !flags.IsMiddleware {
		return false
	}
	if c.IsExportedDefault() {
		return true
	}
	for _, name := range c.ExportNames {
		if name == "middleware" {
			return true
		}
	}
	return false
}

// IsAPIRoute: api route path AND default export.
func (m *Matcher) IsAPIRoute(flags classify.PathFlags, s *Source, c *Candidate) bool {
	return flags.IsAPIRoute && c.IsExportedDefault()
}

// ResolveKind returns the first kind in classify.Precedence whose predicate
// holds for c. datatypes.KindFunction means no role matched.
func (m *Matcher) ResolveKind(flags classify.PathFlags, s *Source, c *Candidate) datatypes.Kind {
	for _, kind := range classify.Precedence {
		if m.matches(kind, flags, s, c) {
			return kind
		}
	}
	return datatypes.KindFunction
}

func (m *Matcher) matches(kind datatypes.Kind, flags classify.PathFlags, s *Source, c *Candidate) bool {
	switch kind {
	case datatypes.KindPageComponent:
		return m.IsPageComponent(flags, s, c)
	case datatypes.KindServerComponent:
		return m.IsServerComponent(flags, s, c)
	case datatypes.KindServerAction:
		return m.IsServerAction(flags, s, c)
	case datatypes.KindRouteHandler:
		return m.IsRouteHandler(flags, s, c)
	case datatypes.KindMiddleware:
		return m.IsMiddlewareFunction(flags, s, c)
	case datatypes.KindAPIRoute:
		return m.IsAPIRoute(flags, s, c)
	}
	return false
}
