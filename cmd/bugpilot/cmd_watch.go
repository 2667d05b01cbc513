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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newWatchCmd(g *globalOptions) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Instrument a directory and re-instrument files as they change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				return errors.New("--out-dir is required")
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

			summary, err := in.transformDir(cmd.Context(), args[0], outDir, 0)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.String())
			return in.watch(cmd.Context(), args[0], outDir)
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Directory receiving the instrumented files")
	return cmd
}

// watch re-instruments selected files on every write until ctx ends.
// Directories created while watching are added to the watch set.
func (in *instrumenter) watch(ctx context.Context, dir, outDir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := in.addTree(w, dir, outDir); err != nil {
		return err
	}
	in.logger.Info("watching for changes", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("watch error", slog.String("error", err.Error()))
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			in.handleEvent(ctx, w, ev, outDir)
		}
	}
}

func (in *instrumenter) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event, outDir string) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := in.addTree(w, ev.Name, outDir); err != nil {
				in.logger.Warn("cannot watch directory", slog.String("dir", ev.Name), slog.String("error", err.Error()))
			}
		}
		return
	}
	if !in.selected(ev.Name) {
		return
	}

	report, err := in.writeTo(ctx, ev.Name, outDir)
	if err != nil {
		in.logger.Error("transform failed", slog.String("file", ev.Name), slog.String("error", err.Error()))
		return
	}
	in.logger.Info("instrumented",
		slog.String("file", report.Path),
		slog.Int("wrapped", len(report.Wrapped)))
}

func (in *instrumenter) addTree(w *fsnotify.Watcher, root, outDir string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (skippedDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if sameDir(path, outDir) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
