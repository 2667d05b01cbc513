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
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bugpilot/services/storage/badger"
)

func newCacheCmd(g *globalOptions) *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the transform cache used by serve",
	}
	cmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Transform cache directory (default: ~/.bugpilot/cache/transform)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List cached transforms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := g.logger(cmd)
			db, err := openCache(cacheDir, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			entries, err := badger.NewCache(db, 0, logger).Entries(cmd.Context())
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries, time.Now())
			return nil
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every cached transform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := g.logger(cmd)
			db, err := openCache(cacheDir, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			n, err := badger.NewCache(db, 0, logger).Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entr%s\n", n, plural(n, "y", "ies"))
			return nil
		},
	}

	cmd.AddCommand(list, purge)
	return cmd
}

func printEntries(w io.Writer, entries []badger.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No cached transforms.")
		return
	}
	fmt.Fprintf(w, "%-16s  %10s  %s\n", "Key", "Size", "TTL")
	fmt.Fprintf(w, "%s  %s  %s\n", strings.Repeat("─", 16), strings.Repeat("─", 10), strings.Repeat("─", 24))
	total := 0
	for _, e := range entries {
		total += e.Size
		ttl := "no expiry"
		if !e.ExpiresAt.IsZero() {
			if remaining := e.ExpiresAt.Sub(now); remaining > 0 {
				ttl = remaining.Round(time.Second).String() + " remaining"
			} else {
				ttl = "expired"
			}
		}
		fmt.Fprintf(w, "%-16s  %10s  %s\n", shortHash(e.Key), formatBytes(e.Size), ttl)
	}
	fmt.Fprintf(w, "\n%d entr%s, %s\n", len(entries), plural(len(entries), "y", "ies"), formatBytes(total))
}

func shortHash(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}

// formatBytes formats a byte count for humans.
func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/1024/1024)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}
