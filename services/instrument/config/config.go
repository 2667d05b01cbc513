// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the plugin configuration and installs the build
// transform into a host configuration.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/instrument/ast"
	"github.com/AleutianAI/bugpilot/services/instrument/classify"
	"github.com/AleutianAI/bugpilot/services/instrument/transform"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultsYAML []byte

// MaxConfigFileSize bounds user configuration files.
const MaxConfigFileSize = 1 << 20

// Environment variables read by Load.
const (
	EnvWorkspaceID     = "BUGPILOT_WORKSPACE_ID"
	EnvDebug           = "BUGPILOT_DEBUG"
	EnvCaptureEndpoint = "BUGPILOT_CAPTURE_ENDPOINT"
)

// =============================================================================
// Types
// =============================================================================

// PluginConfig is the complete plugin configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type PluginConfig struct {
	// WorkspaceID is the error-reporting workspace. Required.
	WorkspaceID string `yaml:"workspace_id" toml:"workspace_id" validate:"required"`

	// Debug enables debug output at build time and in the runtime pipeline.
	Debug bool `yaml:"debug" toml:"debug"`

	// Next holds host settings merged into the host configuration.
	Next NextConfig `yaml:"next" toml:"next"`

	Transform TransformConfig `yaml:"transform" toml:"transform"`
	Capture   CaptureConfig   `yaml:"capture" toml:"capture"`
}

// NextConfig holds host overrides. Nil fields leave the host untouched.
type NextConfig struct {
	ProductionBrowserSourceMaps *bool `yaml:"production_browser_source_maps" toml:"production_browser_source_maps"`
}

// TransformConfig configures the build transform.
type TransformConfig struct {
	WrapperName           string   `yaml:"wrapper_name" toml:"wrapper_name" validate:"required"`
	WrapperModule         string   `yaml:"wrapper_module" toml:"wrapper_module" validate:"required"`
	ElementFactories      []string `yaml:"element_factories" toml:"element_factories" validate:"min=1,dive,required"`
	WrapUnclassified      bool     `yaml:"wrap_unclassified" toml:"wrap_unclassified"`
	InjectClientBootstrap bool     `yaml:"inject_client_bootstrap" toml:"inject_client_bootstrap"`
	ViewExtensions        []string `yaml:"view_extensions" toml:"view_extensions" validate:"min=1,dive,startswith=."`
	ScriptExtensions      []string `yaml:"script_extensions" toml:"script_extensions" validate:"min=1,dive,startswith=."`
}

// CaptureConfig configures the runtime capture pipeline.
type CaptureConfig struct {
	Endpoint           string `yaml:"endpoint" toml:"endpoint" validate:"required,url"`
	TimeoutMs          int    `yaml:"timeout_ms" toml:"timeout_ms" validate:"gt=0,lte=60000"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute" toml:"rate_limit_per_minute" validate:"gte=0"`
}

// ConfigError is a fatal configuration problem. It is never swallowed.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "bugpilot config: " + e.Reason
	}
	return fmt.Sprintf("bugpilot config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Loading
// =============================================================================

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookupEnv func(string) (string, bool)
	dotenv    []string
	logger    *slog.Logger
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) {
		if fn != nil {
			o.lookupEnv = fn
		}
	}
}

// WithDotEnv reads additional variables from .env files. The process
// environment wins over file values. Missing files are ignored.
func WithDotEnv(paths ...string) LoadOption {
	return func(o *loadOptions) {
		o.dotenv = append(o.dotenv, paths...)
	}
}

// WithLoadLogger sets the logger for load messages.
func WithLoadLogger(logger *slog.Logger) LoadOption {
	return func(o *loadOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Defaults returns the embedded default configuration. WorkspaceID is
// empty, so it does not validate on its own.
func Defaults() PluginConfig {
	var cfg PluginConfig
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded defaults.yaml is invalid: %v", err))
	}
	return cfg
}

// Load builds the configuration from the embedded defaults, an optional
// user file and the environment, then validates it.
//
// Description:
//
//	path may be empty. A .toml file is decoded with BurntSushi/toml; any
//	other extension is decoded as YAML (which also accepts JSON). Values
//	present in the file override the defaults. BUGPILOT_WORKSPACE_ID,
//	BUGPILOT_DEBUG and BUGPILOT_CAPTURE_ENDPOINT override the file.
//
// Outputs:
//
//	*PluginConfig - The validated configuration.
//	error - *ConfigError for every failure.
func Load(path string, opts ...LoadOption) (*PluginConfig, error) {
	o := loadOptions{lookupEnv: os.LookupEnv, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Field: "file", Reason: fmt.Sprintf("cannot load %s", path), Err: err}
		}
		if err := decode(&cfg, data, path); err != nil {
			return nil, err
		}
	}

	lookup, err := o.envLookup()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o.logger.Debug("bugpilot config loaded",
		slog.String("file", path),
		slog.String("workspace_id", cfg.WorkspaceID),
		slog.Bool("debug", cfg.Debug))
	return &cfg, nil
}

// Parse decodes data on top of the defaults and validates the result.
// format is "yaml" or "toml".
func Parse(data []byte, format string) (*PluginConfig, error) {
	cfg := Defaults()
	name := "config." + format
	if err := decode(&cfg, data, name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(cfg *PluginConfig, data []byte, path string) error {
	if len(data) > MaxConfigFileSize {
		return &ConfigError{Field: "file", Reason: fmt.Sprintf("%s exceeds %d bytes", path, MaxConfigFileSize)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return &ConfigError{Field: "file", Reason: "invalid TOML", Err: err}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return &ConfigError{Field: undecoded[0].String(), Reason: "unknown key"}
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return &ConfigError{Field: "file", Reason: "invalid YAML", Err: err}
		}
	}
	return nil
}

func (o loadOptions) envLookup() (func(string) (string, bool), error) {
	if len(o.dotenv) == 0 {
		return o.lookupEnv, nil
	}
	fileEnv := map[string]string{}
	for _, p := range o.dotenv {
		values, err := godotenv.Read(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &ConfigError{Field: "dotenv", Reason: fmt.Sprintf("cannot read %s", p), Err: err}
		}
		for k, v := range values {
			if _, seen := fileEnv[k]; !seen {
				fileEnv[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := o.lookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}, nil
}

func applyEnv(cfg *PluginConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkspaceID); ok && v != "" {
		cfg.WorkspaceID = v
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: EnvDebug, Reason: fmt.Sprintf("not a boolean: %q", v), Err: err}
		}
		cfg.Debug = debug
	}
	if v, ok := lookup(EnvCaptureEndpoint); ok && v != "" {
		cfg.Capture.Endpoint = v
	}
	return nil
}

// =============================================================================
// Validation
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
//
// Outputs:
//
//	error - *ConfigError naming the first invalid field, or nil.
func (c *PluginConfig) Validate() error {
	if c == nil {
		return &ConfigError{Reason: "Missing required argument `bugpilotConfig`."}
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ConfigError{Reason: "validation failed", Err: err}
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "PluginConfig.")
	if field == "WorkspaceID" {
		return &ConfigError{Field: "workspaceId", Reason: "Missing required property `workspaceId`.", Err: err}
	}
	return &ConfigError{Field: field, Reason: fmt.Sprintf("failed %q validation", fe.Tag()), Err: err}
}

// =============================================================================
// Conversions
// =============================================================================

// Classifier returns a path classifier for the configured extensions.
func (c *PluginConfig) Classifier() *classify.Classifier {
	return classify.NewClassifier(
		classify.WithViewExtensions(c.Transform.ViewExtensions...),
		classify.WithScriptExtensions(c.Transform.ScriptExtensions...),
	)
}

// TransformOptions returns the transform options for one build.
func (c *PluginConfig) TransformOptions(build BuildInfo, logger *slog.Logger) transform.Options {
	opts := transform.Options{
		BuildID:               build.BuildID,
		Dev:                   build.Dev,
		WorkspaceID:           c.WorkspaceID,
		ProjectRoot:           build.ProjectRoot,
		WrapperName:           c.Transform.WrapperName,
		WrapperModule:         c.Transform.WrapperModule,
		ElementFactories:      c.Transform.ElementFactories,
		WrapUnclassified:      c.Transform.WrapUnclassified,
		InjectClientBootstrap: c.Transform.InjectClientBootstrap,
		Classifier:            c.Classifier(),
		Parser:                ast.NewParser(ast.WithLogger(logger)),
		Logger:                logger,
	}
	if build.NextRuntime != "" {
		opts.NextRuntime = datatypes.StringPtr(build.NextRuntime)
	}
	if c.Debug {
		opts.Debug = datatypes.BoolPtr(true)
	}
	return opts
}

// CaptureOptions returns the capture pipeline options.
func (c *PluginConfig) CaptureOptions() []capture.Option {
	return []capture.Option{
		capture.WithEndpoint(c.Capture.Endpoint),
		capture.WithTimeout(time.Duration(c.Capture.TimeoutMs) * time.Millisecond),
		capture.WithRateLimit(c.Capture.RateLimitPerMinute),
		capture.WithDebug(c.Debug),
	}
}
