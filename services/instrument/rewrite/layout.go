// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/bugpilot/services/instrument/ast"
)

// ErrLayoutShape is returned when the root layout's <body> children cannot
// be extended.
var ErrLayoutShape = errors.New("unsupported root layout shape")

// BootstrapComponent is the client component mounted into the root layout.
const BootstrapComponent = "Bugpilot"

// InjectRootLayout mounts the client bootstrap component into <body>.
//
// Description:
//
//	Looks for the first body element, either as a compiled element call
//	(_jsx("body", { children: ... })) or as JSX (<body>...</body>), and
//	appends the bootstrap component as its last child:
//
//	  children: [a, b]      -> children: [a, b, _jsx(Bugpilot, {...})]
//	  children: _jsx(...)   -> children: [_jsx(...), _jsx(Bugpilot, {...})]
//	  <body>...</body>      -> <body>...<Bugpilot workspaceId="..." /></body>
//
//	The Bugpilot import is added when missing. A module without a body
//	element is returned unchanged.
//
// Outputs:
//
//	[]byte - The rewritten module.
//	bool - True when the component was injected.
//	error - ErrLayoutShape when body has no children property or its
//	        children are neither an array nor an element call;
//	        ErrInvalidOutput when the result no longer parses.
func InjectRootLayout(ctx context.Context, src *ast.Source, workspaceID string, opts ...Option) ([]byte, bool, error) {
	r := New(src, opts...)

	wsLiteral, err := json.Marshal(workspaceID)
	if err != nil {
		return nil, false, fmt.Errorf("encode workspace id: %w", err)
	}

	body := findBody(src)
	if body == nil {
		return src.Content(), false, nil
	}

	switch body.Type() {
	case "jsx_element":
		closeTag := body.ChildByFieldName("close_tag")
		if closeTag == nil {
			return nil, false, fmt.Errorf("%w: <body> has no closing tag", ErrLayoutShape)
		}
		element := fmt.Sprintf("<%s workspaceId={%s} />", BootstrapComponent, wsLiteral)
		if err := r.add(edit{start: closeTag.StartByte(), end: closeTag.StartByte(), text: element}); err != nil {
			return nil, false, err
		}

	case "call_expression":
		element := fmt.Sprintf(`_jsx(%s, { "workspaceId": %s })`, BootstrapComponent, wsLiteral)
		e, err := appendChild(src, body, element)
		if err != nil {
			return nil, false, err
		}
		if err := r.add(e); err != nil {
			return nil, false, err
		}
	}

	if !src.ImportsIdentifier(r.opts.WrapperModule, BootstrapComponent) {
		line := fmt.Sprintf("import { %s } from %q;", BootstrapComponent, r.opts.WrapperModule)
		if err := r.insertImport(line); err != nil {
			return nil, false, err
		}
	}

	out, err := r.Emit(ctx)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// findBody returns the first body element call or JSX element.
func findBody(src *ast.Source) *sitter.Node {
	var found *sitter.Node
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if found != nil || n == nil {
			return
		}
		switch n.Type() {
		case "call_expression":
			if isBodyCall(src, n) {
				found = n
				return
			}
		case "jsx_element":
			if open := n.ChildByFieldName("open_tag"); open != nil {
				if name := open.ChildByFieldName("name"); name != nil && src.Text(name) == "body" {
					found = n
					return
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()) && found == nil; i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(src.Root())
	return found
}

func isBodyCall(src *ast.Source, call *sitter.Node) bool {
	callee := call.ChildByFieldName("function")
	if callee == nil || callee.Type() != "identifier" {
		return false
	}
	isFactory := false
	for _, f := range ast.DefaultElementFactories {
		if src.Text(callee) == f {
			isFactory = true
		}
	}
	if !isFactory {
		return false
	}
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() < 2 {
		return false
	}
	tag, props := args.NamedChild(0), args.NamedChild(1)
	return tag.Type() == "string" && stringValue(src.Text(tag)) == "body" && props.Type() == "object"
}

func stringValue(quoted string) string {
	if len(quoted) < 2 {
		return quoted
	}
	return quoted[1 : len(quoted)-1]
}

func appendChild(src *ast.Source, bodyCall *sitter.Node, element string) (edit, error) {
	props := bodyCall.ChildByFieldName("arguments").NamedChild(1)

	var children *sitter.Node
	for i := 0; i < int(props.NamedChildCount()); i++ {
		pair := props.NamedChild(i)
		if pair.Type() != "pair" {
			continue
		}
		key := pair.ChildByFieldName("key")
		if key != nil && key.Type() == "property_identifier" && src.Text(key) == "children" {
			children = pair.ChildByFieldName("value")
			break
		}
	}
	if children == nil {
		return edit{}, fmt.Errorf("%w: could not find <body> children in the root layout", ErrLayoutShape)
	}

	switch children.Type() {
	case "array":
		n := int(children.NamedChildCount())
		if n == 0 {
			at := children.StartByte() + 1
			return edit{start: at, end: at, text: element}, nil
		}
		last := children.NamedChild(n - 1)
		return edit{start: last.EndByte(), end: last.EndByte(), text: ", " + element}, nil
	case "call_expression":
		return edit{
			start: children.StartByte(),
			end:   children.EndByte(),
			text:  "[" + src.Text(children) + ", " + element + "]",
		}, nil
	default:
		return edit{}, fmt.Errorf("%w: unsupported <body> children type %s", ErrLayoutShape, children.Type())
	}
}
