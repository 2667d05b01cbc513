// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/bugpilot/services/instrument/config"
	"github.com/AleutianAI/bugpilot/services/instrument/transform"
)

// skippedDirs are never walked.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".next":        true,
	".git":         true,
	"out":          true,
}

// instrumenter applies the installed loader rules to files of one project.
type instrumenter struct {
	cfg    *config.PluginConfig
	build  config.BuildInfo
	host   config.HostConfig
	opts   transform.Options
	logger *slog.Logger
}

func newInstrumenter(cfg *config.PluginConfig, build config.BuildInfo, logger *slog.Logger) (*instrumenter, error) {
	host, err := config.Install(config.HostConfig{}, cfg, config.Environment{NodeEnv: "production", Build: build}, logger)
	if err != nil {
		return nil, err
	}
	return &instrumenter{
		cfg:    cfg,
		build:  build,
		host:   host,
		opts:   cfg.TransformOptions(build, logger),
		logger: logger,
	}, nil
}

// rel returns path relative to the project root with forward slashes.
func (in *instrumenter) rel(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	r, err := filepath.Rel(in.build.ProjectRoot, abs)
	if err != nil || strings.HasPrefix(r, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}

// selected reports whether any loader rule applies to path. The root layout
// is also selected when bootstrap injection is on.
func (in *instrumenter) selected(path string) bool {
	rel := in.rel(path)
	if len(in.host.Match(rel)) > 0 {
		return true
	}
	return in.cfg.Transform.InjectClientBootstrap && in.opts.Classifier.IsRootLayout(rel)
}

// file transforms one file.
func (in *instrumenter) file(ctx context.Context, path string) (string, *transform.Report, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	return transform.Transform(ctx, string(src), in.rel(path), in.opts)
}

// writeTo transforms path and writes the result under outDir, mirroring the
// project-relative path. With outDir empty the file is rewritten in place.
func (in *instrumenter) writeTo(ctx context.Context, path, outDir string) (*transform.Report, error) {
	out, report, err := in.file(ctx, path)
	if err != nil {
		return nil, err
	}
	dst := path
	if outDir != "" {
		dst = filepath.Join(outDir, filepath.FromSlash(in.rel(path)))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	} else if !report.Changed() {
		return report, nil
	}
	if err := os.WriteFile(dst, []byte(out), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", dst, err)
	}
	return report, nil
}

// =============================================================================
// transform
// =============================================================================

func newTransformCmd(g *globalOptions) *cobra.Command {
	var (
		outPath    string
		showReport bool
		bootstrap  bool
	)

	cmd := &cobra.Command{
		Use:   "transform <file>",
		Short: "Instrument one module and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger(cmd)
			cfg, err := g.loadConfig(logger)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("inject-bootstrap") {
				cfg.Transform.InjectClientBootstrap = bootstrap
			}
			build, err := g.buildInfo()
			if err != nil {
				return err
			}
			in, err := newInstrumenter(cfg, build, logger)
			if err != nil {
				return err
			}

			out, report, err := in.file(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outPath != "" {
				if err := os.WriteFile(outPath, []byte(out), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", outPath, err)
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), out)
			}
			if showReport {
				enc := json.NewEncoder(cmd.ErrOrStderr())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the result to a file instead of stdout")
	cmd.Flags().BoolVar(&showReport, "report", false, "Print the transform report as JSON on stderr")
	cmd.Flags().BoolVar(&bootstrap, "inject-bootstrap", false, "Mount the client bootstrap into the root layout")
	return cmd
}

// =============================================================================
// transform-dir
// =============================================================================

// dirSummary counts the results of one directory pass.
type dirSummary struct {
	seen        atomic.Int64
	selected    atomic.Int64
	transformed atomic.Int64
	wrapped     atomic.Int64
}

func (s *dirSummary) String() string {
	return fmt.Sprintf("%d files scanned, %d selected, %d instrumented, %d functions wrapped",
		s.seen.Load(), s.selected.Load(), s.transformed.Load(), s.wrapped.Load())
}

// transformDir instruments every selected file under dir with at most jobs
// files in flight. The first failure cancels the rest.
func (in *instrumenter) transformDir(ctx context.Context, dir, outDir string, jobs int) (*dirSummary, error) {
	summary := &dirSummary{}
	g, gctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && (skippedDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			if outDir != "" && sameDir(path, outDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		summary.seen.Add(1)
		if !in.selected(path) {
			return nil
		}
		summary.selected.Add(1)
		g.Go(func() error {
			report, err := in.writeTo(gctx, path, outDir)
			if err != nil {
				return err
			}
			if report.Changed() {
				summary.transformed.Add(1)
				summary.wrapped.Add(int64(len(report.Wrapped)))
			}
			return nil
		})
		return nil
	})

	err := g.Wait()
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		return summary, walkErr
	}
	if err != nil {
		return summary, err
	}
	return summary, walkErr
}

func sameDir(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

func newTransformDirCmd(g *globalOptions) *cobra.Command {
	var (
		outDir string
		write  bool
		jobs   int
	)

	cmd := &cobra.Command{
		Use:   "transform-dir <dir>",
		Short: "Instrument every server module under a directory",
		Long: `Walks dir and instruments every file a loader rule selects.

Results are written under --out-dir, mirroring the project layout, or in
place with --write. node_modules, .next and hidden directories are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (outDir == "") == !write {
				return errors.New("exactly one of --out-dir or --write is required")
			}
			logger := g.logger(cmd)
			cfg, err := g.loadConfig(logger)
			if err != nil {
				return err
			}
			if g.projectRoot == "" {
				g.projectRoot = args[0]
			}
			build, err := g.buildInfo()
			if err != nil {
				return err
			}
			in, err := newInstrumenter(cfg, build, logger)
			if err != nil {
				return err
			}

			summary, err := in.transformDir(cmd.Context(), args[0], outDir, jobs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Directory receiving the instrumented files")
	cmd.Flags().BoolVar(&write, "write", false, "Rewrite files in place")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", runtime.NumCPU(), "Files transformed in parallel")
	return cmd
}
