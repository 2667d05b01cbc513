// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"maps"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/AleutianAI/bugpilot/services/datatypes"
)

// TransformName names every rule registered by Install.
const TransformName = "bugpilot-server-function"

// BuildInfo is the per-compilation metadata supplied by the host.
type BuildInfo struct {
	BuildID     string
	Dev         bool
	IsServer    bool
	NextRuntime string
	ProjectRoot string
}

// Environment is the process environment Install runs in.
type Environment struct {
	// NodeEnv is the host mode; only "production" installs the transform.
	NodeEnv string
	Build   BuildInfo
}

// LoaderRule registers the transform for files matching Test and Include
// and not matching Exclude. Options is the fixed per-rule context; its
// file path and function name are filled in per function.
type LoaderRule struct {
	Name    string
	Kind    datatypes.Kind
	Test    *regexp.Regexp
	Include *regexp.Regexp
	Exclude *regexp.Regexp
	Options datatypes.BuildContext
}

// Matches reports whether the rule applies to filePath.
func (r LoaderRule) Matches(filePath string) bool {
	p := resourcePath(filePath)
	if r.Test != nil && !r.Test.MatchString(p) {
		return false
	}
	if r.Include != nil && !r.Include.MatchString(p) {
		return false
	}
	if r.Exclude != nil && r.Exclude.MatchString(p) {
		return false
	}
	return true
}

// HostConfig is the slice of the host build configuration the plugin
// touches. Settings carries everything else through untouched.
type HostConfig struct {
	Rules                       []LoaderRule
	ProductionBrowserSourceMaps *bool
	Settings                    map[string]any
}

// Match returns the rules applying to filePath, in registration order.
func (h HostConfig) Match(filePath string) []LoaderRule {
	return lo.Filter(h.Rules, func(r LoaderRule, _ int) bool {
		return r.Matches(filePath)
	})
}

// Install augments a host configuration with the build transform.
//
// Description:
//
//	A nil configuration or a missing workspace id is a fatal *ConfigError.
//	Outside production the host is returned unmodified. Otherwise the
//	plugin rules are registered ahead of the host's own rules and the
//	configured host overrides are merged in. Client compilations get no
//	rules.
//
// Inputs:
//
//	host - The host configuration. Not mutated.
//	cfg - The plugin configuration.
//	env - The host environment.
//
// Outputs:
//
//	HostConfig - The augmented configuration.
//	error - *ConfigError when cfg is unusable.
func Install(host HostConfig, cfg *PluginConfig, env Environment, logger *slog.Logger) (HostConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		return host, &ConfigError{Reason: "Missing required argument `bugpilotConfig` in withBugpilot(). Check next.config.js."}
	}
	if strings.TrimSpace(cfg.WorkspaceID) == "" {
		return host, &ConfigError{Field: "workspaceId", Reason: "Missing required property `workspaceId` in bugpilot.config.js."}
	}
	if cfg.Debug {
		logger.Debug("Debug mode enabled.")
	}
	if env.NodeEnv != "production" {
		logger.Info("Bugpilot only works in production. To test it, run: `npm run build && npm run start` on your local machine.")
		return host, nil
	}

	out := HostConfig{
		ProductionBrowserSourceMaps: host.ProductionBrowserSourceMaps,
		Settings:                    maps.Clone(host.Settings),
	}
	if cfg.Next.ProductionBrowserSourceMaps != nil {
		v := *cfg.Next.ProductionBrowserSourceMaps
		out.ProductionBrowserSourceMaps = &v
	}
	out.Rules = append(BuildRules(cfg, env.Build), host.Rules...)
	return out, nil
}

// BuildRules returns the plugin rules for one compilation, in the order
// the host evaluates them: page, server action, server component,
// middleware, route handler, API route. Client compilations get none.
func BuildRules(cfg *PluginConfig, build BuildInfo) []LoaderRule {
	if cfg == nil || !build.IsServer {
		return nil
	}

	base := datatypes.BuildContext{
		BuildID:     build.BuildID,
		Dev:         build.Dev,
		WorkspaceID: cfg.WorkspaceID,
	}
	if build.NextRuntime != "" {
		base.NextRuntime = datatypes.StringPtr(build.NextRuntime)
	}
	if cfg.Debug {
		base.Debug = datatypes.BoolPtr(true)
	}
	withKind := func(k datatypes.Kind) datatypes.BuildContext {
		bc := base
		bc.Kind = k
		return bc
	}

	view := extensionGroup(cfg.Transform.ViewExtensions)
	script := extensionGroup(cfg.Transform.ScriptExtensions)
	special := `(layout|error|global-error|loading|not-found|middleware|route|template|default)`
	app := regexp.MustCompile(`/app/`)
	apiRoutes := regexp.MustCompile(`/pages/api/`)

	return []LoaderRule{
		{
			Name:    TransformName,
			Kind:    datatypes.KindPageComponent,
			Test:    regexp.MustCompile(`/page` + view + `$`),
			Include: app,
			Options: withKind(datatypes.KindPageComponent),
		},
		{
			Name:    TransformName,
			Kind:    datatypes.KindServerAction,
			Test:    regexp.MustCompile(script + `$`),
			Include: app,
			Exclude: regexp.MustCompile(`/` + special + script + `$|/api/`),
			Options: withKind(datatypes.KindServerAction),
		},
		{
			Name:    TransformName,
			Kind:    datatypes.KindServerComponent,
			Test:    regexp.MustCompile(view + `$`),
			Exclude: regexp.MustCompile(`/(page|` + strings.Trim(special, "()") + `)` + view + `$|/pages/api/`),
			Options: withKind(datatypes.KindServerComponent),
		},
		{
			Name:    TransformName,
			Kind:    datatypes.KindMiddleware,
			Test:    regexp.MustCompile(`/middleware` + script + `$`),
			Options: withKind(datatypes.KindMiddleware),
		},
		{
			Name:    TransformName,
			Kind:    datatypes.KindRouteHandler,
			Test:    regexp.MustCompile(`/route` + script + `$`),
			Include: app,
			Options: withKind(datatypes.KindRouteHandler),
		},
		{
			Name:    TransformName,
			Kind:    datatypes.KindAPIRoute,
			Test:    regexp.MustCompile(script + `$`),
			Include: apiRoutes,
			Options: withKind(datatypes.KindAPIRoute),
		},
	}
}

// extensionGroup turns [".ts", ".tsx"] into `\.(ts|tsx)`.
func extensionGroup(exts []string) string {
	names := lo.Map(exts, func(e string, _ int) string {
		return regexp.QuoteMeta(strings.TrimPrefix(e, "."))
	})
	return `\.(` + strings.Join(names, "|") + `)`
}

// resourcePath normalizes filePath for rule matching.
func resourcePath(filePath string) string {
	p := strings.ReplaceAll(filepath.ToSlash(filePath), `\`, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
