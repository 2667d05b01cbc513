// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command bugpilot instruments Next.js server modules for error capture.
//
// Usage:
//
//	bugpilot transform app/dashboard/page.tsx --config bugpilot.yaml
//	bugpilot transform-dir . --out-dir .bugpilot/out
//	bugpilot classify app/page.tsx middleware.ts
//	bugpilot watch . --out-dir .bugpilot/out
//	bugpilot serve --addr :8787
//	bugpilot cache list
//
// The workspace id comes from the config file or BUGPILOT_WORKSPACE_ID.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/bugpilot/services/instrument/config"
	"github.com/AleutianAI/bugpilot/services/logging"
	"github.com/AleutianAI/bugpilot/services/version"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath  string
	envFiles    []string
	debug       bool
	logFormat   string
	logFile     string
	projectRoot string
	buildID     string
	dev         bool
	runtime     string

	closers []io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:          "bugpilot",
		Short:        "Instrument Next.js server modules for Bugpilot error capture",
		Version:      version.Current(),
		SilenceUsage: true,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return g.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Plugin config file (.yaml, .json or .toml)")
	pf.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "Dotenv files read for BUGPILOT_* variables")
	pf.BoolVar(&g.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: text or json (default: text on a terminal)")
	pf.StringVar(&g.logFile, "log-file", "", "Append logs to this file instead of stderr")
	pf.StringVar(&g.projectRoot, "project-root", "", "Project root (default: current directory)")
	pf.StringVar(&g.buildID, "build-id", "", "Build id embedded in wrapped functions (default: random)")
	pf.BoolVar(&g.dev, "dev", false, "Mark the build as a development build")
	pf.StringVar(&g.runtime, "runtime", "", "Server runtime: nodejs or edge")

	root.AddCommand(
		newTransformCmd(g),
		newTransformDirCmd(g),
		newClassifyCmd(g),
		newWatchCmd(g),
		newServeCmd(g),
		newCacheCmd(g),
	)
	return root
}

// logger builds the command logger on the command's stderr, or on
// --log-file when given. Files are closed after the command runs.
func (g *globalOptions) logger(cmd *cobra.Command) *slog.Logger {
	cfg := logging.Config{
		Debug:     g.debug,
		Format:    logging.Format(g.logFormat),
		Component: "bugpilot",
	}
	if g.logFile != "" {
		cfg.Output = g.logFile
		logger, closer, err := logging.New(cfg)
		if err == nil {
			g.closers = append(g.closers, closer)
			return logger
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "bugpilot: %v, logging to stderr\n", err)
	}
	return logging.NewWithWriter(cfg, cmd.ErrOrStderr())
}

func (g *globalOptions) close() error {
	var errs []error
	for _, c := range g.closers {
		errs = append(errs, c.Close())
	}
	g.closers = nil
	return errors.Join(errs...)
}

// loadConfig loads and validates the plugin config. --debug forces debug
// mode on.
func (g *globalOptions) loadConfig(logger *slog.Logger) (*config.PluginConfig, error) {
	cfg, err := config.Load(g.configPath,
		config.WithDotEnv(g.envFiles...),
		config.WithLoadLogger(logger))
	if err != nil {
		return nil, err
	}
	if g.debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// buildInfo returns the server build metadata. The build id is generated
// once per invocation when not given.
func (g *globalOptions) buildInfo() (config.BuildInfo, error) {
	root := g.projectRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.BuildInfo{}, fmt.Errorf("resolve project root: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return config.BuildInfo{}, fmt.Errorf("resolve project root: %w", err)
	}
	if g.buildID == "" {
		g.buildID = uuid.NewString()
	}
	return config.BuildInfo{
		BuildID:     g.buildID,
		Dev:         g.dev,
		IsServer:    true,
		NextRuntime: g.runtime,
		ProjectRoot: abs,
	}, nil
}
