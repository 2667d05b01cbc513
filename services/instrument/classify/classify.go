// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classify maps a source file path to the runtime roles a file can
// play in an app-router / pages-router web application.
package classify

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// =============================================================================
// Path Flags
// =============================================================================

// PathFlags is the set of independent path predicates for one file.
//
// Description:
//
//	Every flag is computed on its own from the normalized path. Several flags
//	can be true at once (for example app/dashboard/page.tsx is both a page and
//	a server component candidate); PrimaryKind resolves such overlaps with the
//	fixed Precedence order.
type PathFlags struct {
	IsPage                     bool `json:"is_page"`
	IsServerComponentCandidate bool `json:"is_server_component_candidate"`
	IsServerActionCandidate    bool `json:"is_server_action_candidate"`
	IsRouteHandler             bool `json:"is_route_handler"`
	IsMiddleware               bool `json:"is_middleware"`
	IsAPIRoute                 bool `json:"is_api_route"`
}

// Any reports whether at least one flag is set.
func (f PathFlags) Any() bool {
	return f.IsPage || f.IsServerComponentCandidate || f.IsServerActionCandidate ||
		f.IsRouteHandler || f.IsMiddleware || f.IsAPIRoute
}

// =============================================================================
// Options
// =============================================================================

// Options configures which extensions count as view files and script files.
type Options struct {
	// ViewExtensions are extensions of files that can render UI.
	// Default: .tsx, .jsx, .js
	ViewExtensions []string

	// ScriptExtensions are extensions of any server-side module.
	// Default: .ts, .tsx, .js, .jsx, .mts, .mjs
	ScriptExtensions []string
}

// DefaultOptions returns the default extension sets.
func DefaultOptions() Options {
	return Options{
		ViewExtensions:   []string{".tsx", ".jsx", ".js"},
		ScriptExtensions: []string{".ts", ".tsx", ".js", ".jsx", ".mts", ".mjs"},
	}
}

// Option is a functional option for configuring a Classifier.
type Option func(*Options)

// WithViewExtensions overrides the view extension set.
func WithViewExtensions(exts ...string) Option {
	return func(o *Options) {
		if len(exts) > 0 {
			o.ViewExtensions = exts
		}
	}
}

// WithScriptExtensions overrides the script extension set.
func WithScriptExtensions(exts ...string) Option {
	return func(o *Options) {
		if len(exts) > 0 {
			o.ScriptExtensions = exts
		}
	}
}

// =============================================================================
// Classifier
// =============================================================================

// specialFilenames are framework files that never hold server components or
// server actions.
var specialFilenames = []string{
	"layout", "error", "global-error", "loading", "not-found",
	"middleware", "route", "template", "default",
	"_app", "_document", "_error",
}

// numericErrorPage matches pages-router error pages such as 404 and 500.
var numericErrorPage = regexp.MustCompile(`^\d{3}$`)

// Classifier computes PathFlags.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Classifier struct {
	options Options
}

// NewClassifier creates a Classifier with the given options.
func NewClassifier(opts ...Option) *Classifier {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Classifier{options: options}
}

var defaultClassifier = NewClassifier()

// ClassifyPath classifies filePath with the default extension sets.
//
// filePath must already be relative to the project root; see NormalizePath.
func ClassifyPath(filePath string) PathFlags {
	return defaultClassifier.Classify(filePath)
}

// Classify computes the path flags for filePath.
//
// Description:
//
//	filePath is normalized (forward slashes, no leading "./") and split into
//	segments. An optional leading "src/" segment is treated as the source
//	root. The rules are:
//
//	  page             app/**/page.<view> or pages/**/*.<view> outside pages/api
//	  server component any *.<view> whose name is not a special framework file
//	  server action    app/**/*.<script>, not special, not under an api segment
//	  route handler    app/**/route.<script>
//	  middleware       middleware.<script> at the project or source root
//	  api route        pages/api/**/*.<script>
//
// Inputs:
//
//	filePath - Path relative to the project root.
//
// Outputs:
//
//	PathFlags - The independent predicates. Zero value for empty paths.
//
// Thread Safety: Safe for concurrent use.
func (c *Classifier) Classify(filePath string) PathFlags {
	p := cleanSlashPath(filePath)
	if p == "" || p == "." {
		return PathFlags{}
	}

	segments := strings.Split(p, "/")
	root := 0
	if len(segments) > 1 && segments[0] == "src" {
		root = 1
	}
	rel := segments[root:]

	base := rel[len(rel)-1]
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)

	isView := lo.Contains(c.options.ViewExtensions, ext)
	isScript := lo.Contains(c.options.ScriptExtensions, ext)
	isSpecial := lo.Contains(specialFilenames, name) || numericErrorPage.MatchString(name)

	inApp := len(rel) > 1 && rel[0] == "app"
	inPages := len(rel) > 1 && rel[0] == "pages"
	inPagesAPI := inPages && len(rel) > 2 && rel[1] == "api"
	hasAPISegment := lo.Contains(rel[:len(rel)-1], "api")

	return PathFlags{
		IsPage:                     isView && ((inApp && name == "page") || (inPages && !inPagesAPI)),
		IsServerComponentCandidate: isView && !isSpecial,
		IsServerActionCandidate:    inApp && isScript && !isSpecial && !hasAPISegment,
		IsRouteHandler:             inApp && isScript && name == "route",
		IsMiddleware:               len(rel) == 1 && isScript && name == "middleware",
		IsAPIRoute:                 inPagesAPI && isScript,
	}
}

// IsViewFile reports whether filePath has a view extension.
func (c *Classifier) IsViewFile(filePath string) bool {
	return lo.Contains(c.options.ViewExtensions, path.Ext(filePath))
}

// IsScriptFile reports whether filePath has a script extension.
func (c *Classifier) IsScriptFile(filePath string) bool {
	return lo.Contains(c.options.ScriptExtensions, path.Ext(filePath))
}

// IsRootLayout reports whether filePath is the root layout of the app router
// (app/layout.* or src/app/layout.*).
func (c *Classifier) IsRootLayout(filePath string) bool {
	p := cleanSlashPath(filePath)
	p = strings.TrimPrefix(p, "src/")
	ext := path.Ext(p)
	return lo.Contains(c.options.ViewExtensions, ext) && strings.TrimSuffix(p, ext) == "app/layout"
}

// NormalizePath returns filePath relative to projectRoot with forward slashes.
//
// Description:
//
//	Absolute paths are made relative to projectRoot. Paths that are already
//	relative are only cleaned. Paths outside projectRoot are returned cleaned
//	but unchanged, so they classify as nothing rather than as a wrong role.
func NormalizePath(projectRoot, filePath string) string {
	if projectRoot != "" && filepath.IsAbs(filePath) {
		if rel, err := filepath.Rel(projectRoot, filePath); err == nil && !strings.HasPrefix(rel, "..") {
			filePath = rel
		}
	}
	return cleanSlashPath(filePath)
}

func cleanSlashPath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}
